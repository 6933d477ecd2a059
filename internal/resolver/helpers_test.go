package resolver

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/contact-identity/internal/contact"
	"github.com/sells-group/contact-identity/internal/identity"
	"github.com/sells-group/contact-identity/internal/session"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

const (
	testLID      = "123456789012345@lid"
	testLIDUser  = "123456789012345"
	testPN       = "5511998765432"
	testPNJID    = "5511998765432@s.whatsapp.net"
	testGroupJID = "120363025246125486@g.us"
)

func pnID(pn, lid string) identity.Enriched {
	return identity.Extracted{
		PNJID:       identity.PNJID(pn),
		PNDigits:    pn,
		PNCanonical: pn,
		LIDJID:      lid,
		PNSource:    identity.SourceEnvelope,
	}.Passthrough()
}

func lidID(lid string) identity.Enriched {
	return identity.Extracted{LIDJID: lid}.Passthrough()
}

type failingFinds struct {
	*contact.MemoryStore
}

func (failingFinds) FindByCanonical(context.Context, int64, string) (*contact.Contact, error) {
	return nil, errors.New("connection refused")
}

type stubSession struct {
	network      map[string]string
	networkDelay time.Duration
	groups       map[string]string
	groupErr     error
	lookups      atomic.Int32
}

func (s *stubSession) InMemoryLIDToPN(string) (string, bool) { return "", false }

func (s *stubSession) PersistedKeyLookup(context.Context, string, []string) (string, error) {
	return "", nil
}

func (s *stubSession) CachedAddressBook(context.Context) ([]session.AddressBookEntry, error) {
	return nil, nil
}

func (s *stubSession) Lookup(_ context.Context, id string) (session.LookupResult, error) {
	s.lookups.Add(1)
	if s.networkDelay > 0 {
		time.Sleep(s.networkDelay)
	}
	pn, ok := s.network[id]
	if !ok {
		return session.LookupResult{}, nil
	}
	return session.LookupResult{ExistsAsPhone: true, CanonicalJID: pn + "@s.whatsapp.net"}, nil
}

func (s *stubSession) BulkSyncQuery(context.Context, string) (string, error) { return "", nil }

func (s *stubSession) Fetch(_ context.Context, groupID string) (session.GroupMetadata, error) {
	if s.groupErr != nil {
		return session.GroupMetadata{}, s.groupErr
	}
	return session.GroupMetadata{Subject: s.groups[groupID]}, nil
}
