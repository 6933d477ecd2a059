package lid

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/contact-identity/internal/contact"
	"github.com/sells-group/contact-identity/internal/identity"
	"github.com/sells-group/contact-identity/internal/resilience"
	"github.com/sells-group/contact-identity/internal/session"
)

// Strategy names, stored as the mapping source.
const (
	NameMapping       = "mapping"
	NameSessionMap    = "session_map"
	NameKeyStore      = "key_store"
	NameNetworkLookup = "network_lookup"
	NameBulkSync      = "bulk_sync"
	NameAddressBook   = "address_book"
	NamePushName      = "push_name"
	NameOpenTicket    = "open_ticket"
	NameFromMeName    = "from_me_name"
)

// Confidence assigned by each strategy.
const (
	confidenceSession         = 0.95
	confidenceKeyStore        = 0.9
	confidenceNetwork         = 0.9
	confidenceBulkSync        = 0.85
	confidenceAddressBook     = 0.8
	confidenceAddressBookScan = 0.75
	confidencePushName        = 0.5
	confidenceOpenTicket      = 0.3
	confidenceFromMeName      = 0.3
)

// nameMatchLimit bounds contact name lookups; two rows are enough to tell a
// unique match from an ambiguous one.
const nameMatchLimit = 2

// Deps wires the default chain.
type Deps struct {
	Mappings contact.MappingStore
	Contacts contact.Repository
	Tickets  contact.TicketStore
	Cache    *session.Cache
	Guard    *resilience.Guard
}

// DefaultStrategies returns the standard chain in priority order.
func DefaultStrategies(d Deps) []Strategy {
	return []Strategy{
		MappingStrategy{Store: d.Mappings},
		SessionMapStrategy{},
		KeyStoreStrategy{},
		NetworkLookupStrategy{Guard: d.Guard},
		BulkSyncStrategy{Guard: d.Guard},
		AddressBookStrategy{Cache: d.Cache},
		PushNameStrategy{Cache: d.Cache, Contacts: d.Contacts},
	}
}

// FromMeStrategies returns the last-resort heuristics for fromMe traffic.
func FromMeStrategies(d Deps) []Strategy {
	return []Strategy{
		OpenTicketStrategy{Tickets: d.Tickets},
		FromMeNameStrategy{Contacts: d.Contacts},
	}
}

// MappingStrategy reads the stored LID mapping. Untrusted mappings are a
// miss so the rest of the chain can replace them.
type MappingStrategy struct {
	Store contact.MappingStore
}

// Name implements Strategy.
func (MappingStrategy) Name() string { return NameMapping }

// TryResolve implements Strategy.
func (s MappingStrategy) TryResolve(ctx context.Context, req Request) (Candidate, bool, error) {
	if s.Store == nil {
		return Candidate{}, false, nil
	}
	m, err := s.Store.FindMapping(ctx, req.CompanyID, req.LID)
	if err != nil || m == nil {
		return Candidate{}, false, err
	}
	if !m.Trusted() {
		return Candidate{}, false, nil
	}
	return Candidate{Number: m.PhoneNumber, Confidence: m.Confidence, Verified: m.Verified}, true, nil
}

// SessionMapStrategy asks the live session's in-memory LID map.
type SessionMapStrategy struct{}

// Name implements Strategy.
func (SessionMapStrategy) Name() string { return NameSessionMap }

// TryResolve implements Strategy.
func (SessionMapStrategy) TryResolve(_ context.Context, req Request) (Candidate, bool, error) {
	if req.Session == nil {
		return Candidate{}, false, nil
	}
	pn, ok := req.Session.InMemoryLIDToPN(req.LID)
	if !ok || pn == "" {
		return Candidate{}, false, nil
	}
	return Candidate{Number: identity.UserOrDigits(pn), Confidence: confidenceSession, Verified: true}, true, nil
}

// KeyStoreStrategy reads the session's persisted lid-mapping keys.
type KeyStoreStrategy struct{}

// Name implements Strategy.
func (KeyStoreStrategy) Name() string { return NameKeyStore }

// TryResolve implements Strategy.
func (KeyStoreStrategy) TryResolve(ctx context.Context, req Request) (Candidate, bool, error) {
	if req.Session == nil {
		return Candidate{}, false, nil
	}
	raw, err := req.Session.PersistedKeyLookup(ctx, session.KindLIDMapping, []string{identity.UserOrDigits(req.LID)})
	if err != nil {
		return Candidate{}, false, eris.Wrap(err, "lid: key store")
	}
	if raw == "" {
		return Candidate{}, false, nil
	}
	return Candidate{Number: identity.UserOrDigits(raw), Confidence: confidenceKeyStore, Verified: true}, true, nil
}

// NetworkLookupStrategy asks the network for the LID's canonical form.
type NetworkLookupStrategy struct {
	Guard *resilience.Guard
}

// Name implements Strategy.
func (NetworkLookupStrategy) Name() string { return NameNetworkLookup }

// TryResolve implements Strategy.
func (s NetworkLookupStrategy) TryResolve(ctx context.Context, req Request) (Candidate, bool, error) {
	if req.Session == nil {
		return Candidate{}, false, nil
	}
	res, err := resilience.Call(ctx, s.Guard, req.ConnectionID, NameNetworkLookup, func(ctx context.Context) (session.LookupResult, error) {
		return req.Session.Lookup(ctx, req.LID)
	})
	if err != nil {
		return Candidate{}, false, eris.Wrap(err, "lid: network lookup")
	}
	if !res.ExistsAsPhone || !identity.IsPNJID(res.CanonicalJID) {
		return Candidate{}, false, nil
	}
	return Candidate{Number: identity.UserOrDigits(res.CanonicalJID), Confidence: confidenceNetwork, Verified: true}, true, nil
}

// BulkSyncStrategy runs a protocol-level sync query for the LID.
type BulkSyncStrategy struct {
	Guard *resilience.Guard
}

// Name implements Strategy.
func (BulkSyncStrategy) Name() string { return NameBulkSync }

// TryResolve implements Strategy.
func (s BulkSyncStrategy) TryResolve(ctx context.Context, req Request) (Candidate, bool, error) {
	if req.Session == nil {
		return Candidate{}, false, nil
	}
	jid, err := resilience.Call(ctx, s.Guard, req.ConnectionID, NameBulkSync, func(ctx context.Context) (string, error) {
		return req.Session.BulkSyncQuery(ctx, req.LID)
	})
	if err != nil {
		return Candidate{}, false, eris.Wrap(err, "lid: bulk sync")
	}
	if !identity.IsPNJID(jid) {
		return Candidate{}, false, nil
	}
	return Candidate{Number: identity.UserOrDigits(jid), Confidence: confidenceBulkSync, Verified: true}, true, nil
}

// AddressBookStrategy scans the connection's cached address book: first an
// entry keyed by the LID itself, then any entry listing the LID.
type AddressBookStrategy struct {
	Cache *session.Cache
}

// Name implements Strategy.
func (AddressBookStrategy) Name() string { return NameAddressBook }

// TryResolve implements Strategy.
func (s AddressBookStrategy) TryResolve(ctx context.Context, req Request) (Candidate, bool, error) {
	snap, err := loadSnapshot(ctx, s.Cache, req)
	if err != nil || snap == nil {
		return Candidate{}, false, err
	}
	if e, ok := snap.ByID(req.LID); ok {
		if pn := entryPN(e); pn != "" {
			return Candidate{Number: pn, Confidence: confidenceAddressBook, Verified: true}, true, nil
		}
	}
	if e, ok := snap.ByLID(req.LID); ok {
		if pn := entryPN(e); pn != "" {
			return Candidate{Number: pn, Confidence: confidenceAddressBookScan, Verified: true}, true, nil
		}
	}
	return Candidate{}, false, nil
}

// PushNameStrategy matches the sender's display name, first in the address
// book and then among the tenant's contacts. Only a unique match counts.
// fromMe display names belong to the connection, not the peer.
type PushNameStrategy struct {
	Cache    *session.Cache
	Contacts contact.Repository
}

// Name implements Strategy.
func (PushNameStrategy) Name() string { return NamePushName }

// TryResolve implements Strategy.
func (s PushNameStrategy) TryResolve(ctx context.Context, req Request) (Candidate, bool, error) {
	if req.FromMe || contact.NameKey(req.PushName) == "" {
		return Candidate{}, false, nil
	}

	snap, err := loadSnapshot(ctx, s.Cache, req)
	if err != nil {
		zap.L().Debug("lid: push name: address book unavailable", zap.Error(err))
	}
	if snap != nil {
		var found string
		matches := 0
		for _, e := range snap.ByName(req.PushName) {
			if pn := entryPN(e); pn != "" && pn != found {
				found = pn
				matches++
			}
		}
		if matches == 1 {
			return Candidate{Number: found, Confidence: confidencePushName}, true, nil
		}
		if matches > 1 {
			return Candidate{}, false, nil
		}
	}

	return uniqueContactByName(ctx, s.Contacts, req, confidencePushName)
}

// OpenTicketStrategy attributes fromMe traffic to the contact of the only
// open ticket on the connection.
type OpenTicketStrategy struct {
	Tickets contact.TicketStore
}

// Name implements Strategy.
func (OpenTicketStrategy) Name() string { return NameOpenTicket }

// TryResolve implements Strategy.
func (s OpenTicketStrategy) TryResolve(ctx context.Context, req Request) (Candidate, bool, error) {
	if !req.FromMe || s.Tickets == nil || req.ConnectionID == 0 {
		return Candidate{}, false, nil
	}
	c, err := s.Tickets.SoleOpenTicketContact(ctx, req.CompanyID, req.ConnectionID)
	if err != nil {
		return Candidate{}, false, eris.Wrap(err, "lid: open ticket")
	}
	if c == nil || c.Canonical() == "" {
		return Candidate{}, false, nil
	}
	return Candidate{Number: c.Canonical(), Confidence: confidenceOpenTicket}, true, nil
}

// FromMeNameStrategy matches the envelope display name of fromMe traffic
// against the tenant's contact names.
type FromMeNameStrategy struct {
	Contacts contact.Repository
}

// Name implements Strategy.
func (FromMeNameStrategy) Name() string { return NameFromMeName }

// TryResolve implements Strategy.
func (s FromMeNameStrategy) TryResolve(ctx context.Context, req Request) (Candidate, bool, error) {
	if !req.FromMe || contact.NameKey(req.PushName) == "" {
		return Candidate{}, false, nil
	}
	return uniqueContactByName(ctx, s.Contacts, req, confidenceFromMeName)
}

func uniqueContactByName(ctx context.Context, repo contact.Repository, req Request, confidence float64) (Candidate, bool, error) {
	if repo == nil {
		return Candidate{}, false, nil
	}
	matches, err := repo.FindByName(ctx, req.CompanyID, req.PushName, nameMatchLimit)
	if err != nil {
		return Candidate{}, false, eris.Wrap(err, "lid: match contact name")
	}
	var found string
	for _, c := range matches {
		if c.Canonical() == "" {
			continue
		}
		if found != "" {
			return Candidate{}, false, nil
		}
		found = c.Canonical()
	}
	if found == "" {
		return Candidate{}, false, nil
	}
	return Candidate{Number: found, Confidence: confidence}, true, nil
}

func loadSnapshot(ctx context.Context, cache *session.Cache, req Request) (*session.Snapshot, error) {
	if cache == nil || req.Session == nil {
		return nil, nil
	}
	snap, err := cache.Load(ctx, session.Key{TenantID: req.CompanyID, ConnectionID: req.ConnectionID}, req.Session)
	if err != nil {
		return nil, eris.Wrap(err, "lid: address book")
	}
	return snap, nil
}

// entryPN returns the phone digits of an address-book entry, or "".
func entryPN(e session.AddressBookEntry) string {
	if identity.IsPNJID(e.PN) {
		return identity.UserOrDigits(e.PN)
	}
	if identity.IsPNJID(e.ID) {
		return identity.UserOrDigits(e.ID)
	}
	return ""
}
