package resolver

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/contact-identity/internal/contact"
	"github.com/sells-group/contact-identity/internal/identity"
	"github.com/sells-group/contact-identity/internal/lid"
	"github.com/sells-group/contact-identity/internal/phone"
	"github.com/sells-group/contact-identity/internal/session"
)

func newPipeline(store *contact.MemoryStore) *Pipeline {
	phones := phone.New("BR")
	d := lid.Deps{Mappings: store, Contacts: store, Tickets: store, Cache: session.NewCache(time.Minute, 0)}
	engine := lid.NewEngine(phones, store, lid.DefaultStrategies(d), lid.FromMeStrategies(d))
	return NewPipeline(identity.NewExtractor(phones), engine, New(store, store, phones), NewCreator(store, store, phones))
}

func message(remote string, s session.Session) Message {
	return Message{CompanyID: 1, ConnectionID: 4, Envelope: identity.Envelope{RemoteJID: remote}, Session: s}
}

func TestPipeline_DirectPNCreatesThenResolves(t *testing.T) {
	ctx := context.Background()
	store := contact.NewMemoryStore()
	p := newPipeline(store)

	first, err := p.Handle(ctx, message(testPNJID, nil))
	require.NoError(t, err)
	assert.True(t, first.Created)
	assert.Equal(t, testPN, first.Contact.Canonical())

	second, err := p.Handle(ctx, message(testPNJID, nil))
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, first.Contact.ID, second.Contact.ID)
}

// Scenario C.
func TestPipeline_UnresolvableLIDCreatesPending(t *testing.T) {
	store := contact.NewMemoryStore()
	out, err := newPipeline(store).Handle(context.Background(), message(testLID, &stubSession{}))
	require.NoError(t, err)
	require.NotNil(t, out.Contact)
	assert.True(t, out.Created)
	assert.Equal(t, testLIDUser, out.Contact.Number)
	assert.Nil(t, out.Contact.RemoteJID)
	assert.Nil(t, out.Contact.LidJID)
	assert.Nil(t, out.LID)
}

func TestPipeline_LIDResolvedOverNetwork(t *testing.T) {
	ctx := context.Background()
	store := contact.NewMemoryStore()
	sess := &stubSession{network: map[string]string{testLID: testPN}}

	out, err := newPipeline(store).Handle(ctx, message(testLID, sess))
	require.NoError(t, err)
	require.NotNil(t, out.LID)
	assert.Equal(t, lid.NameNetworkLookup, out.LID.Source)
	assert.Equal(t, testPN, out.Identifiers.PNCanonical)
	assert.Equal(t, testPN, out.Contact.Canonical())
	assert.Equal(t, testLID, out.Contact.LID())
}

func TestPipeline_PendingLaterReconciled(t *testing.T) {
	ctx := context.Background()
	store := contact.NewMemoryStore()
	p := newPipeline(store)

	pending, err := p.Handle(ctx, message(testLID, &stubSession{}))
	require.NoError(t, err)
	require.Equal(t, contact.StatePending, pending.Contact.State())

	msg := message(testPNJID, nil)
	msg.Envelope.RemoteJIDAlt = testLID
	out, err := p.Handle(ctx, msg)
	require.NoError(t, err)
	assert.Equal(t, pending.Contact.ID, out.Contact.ID)
	assert.True(t, out.Resolution.Reconciled)
	assert.Equal(t, contact.StateReconciled, out.Contact.State())
	assert.Len(t, store.Contacts(1), 1)
}

func TestPipeline_GroupMessage(t *testing.T) {
	ctx := context.Background()
	store := contact.NewMemoryStore()
	sess := &stubSession{groups: map[string]string{testGroupJID: "Suporte"}}
	msg := message(testGroupJID, sess)
	msg.Envelope.Participant = testPNJID

	out, err := newPipeline(store).Handle(ctx, msg)
	require.NoError(t, err)
	require.NotNil(t, out.GroupContact)
	assert.Equal(t, "Suporte", out.GroupContact.Name)
	require.NotNil(t, out.Contact)
	assert.Equal(t, testPN, out.Contact.Canonical())
	assert.NotEqual(t, out.GroupContact.ID, out.Contact.ID)
}

func TestPipeline_NoIdentifier(t *testing.T) {
	out, err := newPipeline(contact.NewMemoryStore()).Handle(context.Background(), message("garbage", nil))
	require.NoError(t, err)
	assert.Nil(t, out.Contact)
}

// Scenario E.
func TestPipeline_ConcurrentUnseenLID(t *testing.T) {
	store := contact.NewMemoryStore()
	sess := &stubSession{network: map[string]string{testLID: testPN}, networkDelay: 10 * time.Millisecond}
	p := newPipeline(store)

	var g errgroup.Group
	ids := make([]int64, 2)
	for i := range ids {
		g.Go(func() error {
			out, err := p.Handle(context.Background(), message(testLID, sess))
			if err != nil {
				return err
			}
			ids[i] = out.Contact.ID
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, ids[0], ids[1])
	assert.Len(t, store.Contacts(1), 1)
	assert.Len(t, store.Mappings(1), 1)
}

func TestPipeline_AtMostOneCreation(t *testing.T) {
	for _, remote := range []string{testLID, testPNJID} {
		t.Run(remote, func(t *testing.T) {
			store := contact.NewMemoryStore()
			p := newPipeline(store)

			var g errgroup.Group
			for i := 0; i < 16; i++ {
				g.Go(func() error {
					_, err := p.Handle(context.Background(), message(remote, &stubSession{}))
					return err
				})
			}
			require.NoError(t, g.Wait())
			assert.Len(t, store.Contacts(1), 1)
		})
	}
}
