// Package whatsapp adapts a whatsmeow client and its device store to the
// session capabilities used by identity resolution.
package whatsapp

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"

	"github.com/rotisserie/eris"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/types"
	"go.uber.org/zap"

	"github.com/sells-group/contact-identity/internal/resilience"
	"github.com/sells-group/contact-identity/internal/session"
)

// Client is the part of *whatsmeow.Client the Adapter calls.
type Client interface {
	IsOnWhatsApp(ctx context.Context, phones []string) ([]types.IsOnWhatsAppResponse, error)
	GetUserInfo(ctx context.Context, jids []types.JID) (map[types.JID]types.UserInfo, error)
	GetGroupInfo(ctx context.Context, jid types.JID) (*types.GroupInfo, error)
}

// LIDStore is the part of the device store's LID map the Adapter reads.
type LIDStore interface {
	GetPNForLID(ctx context.Context, lid types.JID) (types.JID, error)
	GetLIDForPN(ctx context.Context, pn types.JID) (types.JID, error)
}

// ContactStore is the part of the device store's contact table the Adapter
// reads.
type ContactStore interface {
	GetAllContacts(ctx context.Context) (map[types.JID]types.ContactInfo, error)
}

// Adapter implements session.Session for one connection.
type Adapter struct {
	client   Client
	lids     LIDStore
	contacts ContactStore
	keys     *sql.DB

	mu  sync.RWMutex
	mem map[string]string // LID user -> PN user
}

var _ session.Session = (*Adapter)(nil)

// NewAdapter wraps a connected client. keys is the device store database
// holding the whatsmeow_lid_map table.
func NewAdapter(cli *whatsmeow.Client, keys *sql.DB) *Adapter {
	return newAdapter(cli, cli.Store.LIDs, cli.Store.Contacts, keys)
}

func newAdapter(client Client, lids LIDStore, contacts ContactStore, keys *sql.DB) *Adapter {
	return &Adapter{
		client:   client,
		lids:     lids,
		contacts: contacts,
		keys:     keys,
		mem:      make(map[string]string),
	}
}

// Preload copies the persisted LID map into memory and returns the number
// of entries loaded.
func (a *Adapter) Preload(ctx context.Context) (int, error) {
	rows, err := a.keys.QueryContext(ctx, `SELECT lid, pn FROM whatsmeow_lid_map`)
	if err != nil {
		return 0, eris.Wrap(err, "whatsapp: preload lid map")
	}
	defer rows.Close()

	n := 0
	for rows.Next() {
		var lid, pn string
		if err := rows.Scan(&lid, &pn); err != nil {
			return n, eris.Wrap(err, "whatsapp: scan lid map")
		}
		a.Remember(lid, pn)
		n++
	}
	return n, eris.Wrap(rows.Err(), "whatsapp: preload lid map iterate")
}

// Remember records a LID to PN pair in memory. Either side may be a JID or
// a bare user part.
func (a *Adapter) Remember(lid, pn string) {
	l, p := user(lid), user(pn)
	if l == "" || p == "" {
		return
	}
	a.mu.Lock()
	a.mem[l] = p
	a.mu.Unlock()
}

// InMemoryLIDToPN implements session.Capability from memory only.
func (a *Adapter) InMemoryLIDToPN(lid string) (string, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	pn, ok := a.mem[user(lid)]
	if !ok {
		return "", false
	}
	return types.NewJID(pn, types.DefaultUserServer).String(), true
}

// PersistedKeyLookup implements session.Capability over the device store's
// LID map. It returns the PN user of the first id found.
func (a *Adapter) PersistedKeyLookup(ctx context.Context, kind string, ids []string) (string, error) {
	if kind != session.KindLIDMapping {
		return "", eris.Errorf("whatsapp: unsupported key kind %q", kind)
	}
	for _, id := range ids {
		var pn string
		err := a.keys.QueryRowContext(ctx, `SELECT pn FROM whatsmeow_lid_map WHERE lid = ?`, user(id)).Scan(&pn)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return "", eris.Wrapf(err, "whatsapp: key lookup %s", id)
		}
		a.Remember(id, pn)
		return pn, nil
	}
	return "", nil
}

// CachedAddressBook implements session.Capability from the device store's
// contact table. LID entries carry their PN and PN entries their LID when
// the LID map knows them.
func (a *Adapter) CachedAddressBook(ctx context.Context) ([]session.AddressBookEntry, error) {
	all, err := a.contacts.GetAllContacts(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "whatsapp: address book")
	}

	entries := make([]session.AddressBookEntry, 0, len(all))
	for jid, info := range all {
		e := session.AddressBookEntry{ID: jid.String(), Name: displayName(info)}
		switch jid.Server {
		case types.HiddenUserServer:
			if pn, err := a.lids.GetPNForLID(ctx, jid); err == nil && !pn.IsEmpty() {
				e.PN = pn.String()
			}
		case types.DefaultUserServer:
			if lid, err := a.lids.GetLIDForPN(ctx, jid); err == nil && !lid.IsEmpty() {
				e.LIDs = []string{lid.String()}
			}
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Lookup implements session.NetworkIdentityProbe by asking whether the
// identifier's user part is a registered phone number.
func (a *Adapter) Lookup(ctx context.Context, id string) (session.LookupResult, error) {
	u := user(id)
	if u == "" {
		return session.LookupResult{}, nil
	}
	resp, err := a.client.IsOnWhatsApp(ctx, []string{"+" + u})
	if err != nil {
		return session.LookupResult{}, classify(err, "whatsapp: is on whatsapp")
	}
	for _, r := range resp {
		if r.IsIn && r.JID.Server == types.DefaultUserServer {
			return session.LookupResult{ExistsAsPhone: true, CanonicalJID: r.JID.String()}, nil
		}
	}
	return session.LookupResult{}, nil
}

// BulkSyncQuery implements session.NetworkIdentityProbe with a usync user
// info query, which refreshes the device store's LID map, followed by a LID
// map read.
func (a *Adapter) BulkSyncQuery(ctx context.Context, id string) (string, error) {
	jid, err := types.ParseJID(id)
	if err != nil || jid.Server != types.HiddenUserServer {
		return "", nil
	}
	if _, err := a.client.GetUserInfo(ctx, []types.JID{jid}); err != nil {
		return "", classify(err, "whatsapp: user info")
	}
	pn, err := a.lids.GetPNForLID(ctx, jid)
	if err != nil {
		return "", eris.Wrapf(err, "whatsapp: pn for lid %s", id)
	}
	if pn.IsEmpty() {
		return "", nil
	}
	a.Remember(jid.User, pn.User)
	return pn.String(), nil
}

// Fetch implements session.GroupMetadataProvider. groupID may be a bare
// group id or a group JID.
func (a *Adapter) Fetch(ctx context.Context, groupID string) (session.GroupMetadata, error) {
	if !strings.Contains(groupID, "@") {
		groupID += "@" + types.GroupServer
	}
	jid, err := types.ParseJID(groupID)
	if err != nil {
		return session.GroupMetadata{}, eris.Wrapf(err, "whatsapp: parse group %s", groupID)
	}
	info, err := a.client.GetGroupInfo(ctx, jid)
	if err != nil {
		return session.GroupMetadata{}, classify(err, "whatsapp: group info")
	}
	return session.GroupMetadata{Subject: info.Name}, nil
}

// classify marks connection-level client errors as transient so the
// resilience guard retries them.
func classify(err error, msg string) error {
	if errors.Is(err, whatsmeow.ErrIQTimedOut) || errors.Is(err, whatsmeow.ErrNotConnected) {
		zap.L().Debug(msg+": transient", zap.Error(err))
		return resilience.NewTransientError(eris.Wrap(err, msg), 0)
	}
	return eris.Wrap(err, msg)
}

func displayName(info types.ContactInfo) string {
	for _, n := range []string{info.FullName, info.FirstName, info.PushName, info.BusinessName} {
		if n != "" {
			return n
		}
	}
	return ""
}

// user returns the user part of a JID, or s itself when it has no server.
func user(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '@'); i >= 0 {
		s = s[:i]
	}
	if i := strings.IndexByte(s, ':'); i >= 0 {
		s = s[:i]
	}
	return s
}
