package lid

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/sells-group/contact-identity/internal/session"
)

type mockStrategy struct {
	mock.Mock
	name string
}

func (m *mockStrategy) Name() string { return m.name }

func (m *mockStrategy) TryResolve(ctx context.Context, req Request) (Candidate, bool, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(Candidate), args.Bool(1), args.Error(2)
}

// fakeSession answers from fixed tables.
type fakeSession struct {
	memory      map[string]string
	keys        map[string]string
	keyErr      error
	lookup      map[string]session.LookupResult
	lookupErr   error
	lookupDelay time.Duration
	bulk        map[string]string
	book        []session.AddressBookEntry
	groups      map[string]string

	lookups atomic.Int32
}

func (f *fakeSession) InMemoryLIDToPN(lid string) (string, bool) {
	pn, ok := f.memory[lid]
	return pn, ok
}

func (f *fakeSession) PersistedKeyLookup(_ context.Context, _ string, ids []string) (string, error) {
	if f.keyErr != nil {
		return "", f.keyErr
	}
	for _, id := range ids {
		if v, ok := f.keys[id]; ok {
			return v, nil
		}
	}
	return "", nil
}

func (f *fakeSession) CachedAddressBook(context.Context) ([]session.AddressBookEntry, error) {
	return f.book, nil
}

func (f *fakeSession) Lookup(_ context.Context, id string) (session.LookupResult, error) {
	f.lookups.Add(1)
	if f.lookupDelay > 0 {
		time.Sleep(f.lookupDelay)
	}
	if f.lookupErr != nil {
		return session.LookupResult{}, f.lookupErr
	}
	return f.lookup[id], nil
}

func (f *fakeSession) BulkSyncQuery(_ context.Context, id string) (string, error) {
	return f.bulk[id], nil
}

func (f *fakeSession) Fetch(_ context.Context, groupID string) (session.GroupMetadata, error) {
	return session.GroupMetadata{Subject: f.groups[groupID]}, nil
}
