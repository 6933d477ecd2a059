//go:build !integration

package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/contact-identity/internal/config"
	"github.com/sells-group/contact-identity/internal/contact"
	"github.com/sells-group/contact-identity/internal/merge"
	"github.com/sells-group/contact-identity/internal/phone"
	"github.com/sells-group/contact-identity/internal/resolver"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func TestFormatNormalized(t *testing.T) {
	var buf bytes.Buffer
	formatNormalized(&buf, phone.New("BR"), []string{"+55 11 99876-5432", "123456789012345", "12345"})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 4)
	assert.Contains(t, lines[0], "CANONICAL")

	assert.Equal(t, []string{"+55", "11", "99876-5432", "5511998765432", "true", "phone"}, strings.Fields(lines[1]))
	assert.Equal(t, []string{"123456789012345", "123456789012345", "false", "platform_id"}, strings.Fields(lines[2]))
	assert.Equal(t, []string{"12345", "-", "false", "unknown"}, strings.Fields(lines[3]))
}

func TestFormatGroups(t *testing.T) {
	groups := []merge.Group{
		{
			Key: merge.Key{Kind: merge.KindNumber, Value: "5511998765432"},
			Contacts: []contact.Contact{
				{ID: 1, Name: "Maria", Number: "5511998765432", CanonicalNumber: contact.Ptr("5511998765432")},
				{ID: 2, Name: "Maria Silva", Number: "5511998765432", CanonicalNumber: contact.Ptr("5511998765432"), LidJID: contact.Ptr("123456789012345@lid")},
			},
		},
	}

	var buf bytes.Buffer
	formatGroups(&buf, groups)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 4)
	assert.Contains(t, lines[0], "KEY")
	assert.Contains(t, lines[2], "number:5511998765432")
	assert.Contains(t, lines[2], "resolved")
	// The key is printed once per group.
	assert.NotContains(t, lines[3], "number:")
	assert.Contains(t, lines[3], "123456789012345@lid")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
	assert.Equal(t, "João Sil...", truncate("João Silvaaaaaa", 11))
	assert.Equal(t, "", truncate("  ", 10))
}

func newFlagCmd(register func(*cobra.Command)) *cobra.Command {
	c := &cobra.Command{Use: "test"}
	register(c)
	return c
}

func TestMergeRequestFromFlags(t *testing.T) {
	c := newFlagCmd(registerMergeFlags)
	require.NoError(t, c.ParseFlags([]string{
		"--company", "7", "--key", "+55 11 99876-5432", "--master", "10", "--targets", "11,12", "--delete",
	}))

	req, err := mergeRequestFromFlags(c)
	require.NoError(t, err)
	assert.Equal(t, int64(7), req.CompanyID)
	assert.Equal(t, merge.KindNumber, req.Key.Kind)
	assert.Equal(t, "+55 11 99876-5432", req.Key.Value)
	assert.Equal(t, int64(10), req.MasterID)
	assert.Equal(t, []int64{11, 12}, req.TargetIDs)
	assert.Equal(t, merge.OpDelete, req.Operation)
}

func TestMergeRequestFromFlags_Defaults(t *testing.T) {
	c := newFlagCmd(registerMergeFlags)
	require.NoError(t, c.ParseFlags([]string{"--company", "7", "--by", "name", "--key", "Maria", "--master", "10"}))

	req, err := mergeRequestFromFlags(c)
	require.NoError(t, err)
	assert.Equal(t, merge.KindName, req.Key.Kind)
	assert.Nil(t, req.TargetIDs)
	assert.Equal(t, merge.OpMerge, req.Operation)
}

func TestMergeRequestFromFlags_Missing(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"company", []string{"--key", "1", "--master", "1"}, "--company is required"},
		{"master", []string{"--company", "1", "--key", "1"}, "--master is required"},
		{"key", []string{"--company", "1", "--master", "1"}, "--key is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newFlagCmd(registerMergeFlags)
			require.NoError(t, c.ParseFlags(tt.args))
			_, err := mergeRequestFromFlags(c)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestEnvelopeFromFlags(t *testing.T) {
	c := newFlagCmd(registerEnvelopeFlags)
	require.NoError(t, c.ParseFlags([]string{
		"--remote-jid", "120363025246125486@g.us",
		"--participant", "123456789012345@lid",
		"--participant-alt", "5511998765432@s.whatsapp.net",
		"--push-name", "Maria",
		"--from-me",
	}))

	env := envelopeFromFlags(c)
	assert.Equal(t, "120363025246125486@g.us", env.RemoteJID)
	assert.Equal(t, "123456789012345@lid", env.Participant)
	assert.Equal(t, "5511998765432@s.whatsapp.net", env.ParticipantAlt)
	assert.Equal(t, "Maria", env.PushName)
	assert.True(t, env.FromMe)
	assert.Empty(t, env.SenderPN)
}

func TestBuildPipeline_AttributesMessage(t *testing.T) {
	c := &config.Config{}
	c.Phone.DefaultRegion = "BR"
	c.Resolver.NetworkBurst = 1
	c.Resolver.CacheCapacity = 8
	c.Resolver.CacheTTLSecs = 60

	st := contact.NewMemoryStore()
	p := buildPipeline(st, c)

	c2 := newFlagCmd(registerEnvelopeFlags)
	require.NoError(t, c2.ParseFlags([]string{"--remote-jid", "5511998765432@s.whatsapp.net", "--push-name", "Maria"}))
	msg := resolver.Message{CompanyID: 1, ConnectionID: 4, Envelope: envelopeFromFlags(c2)}

	first, err := p.Handle(context.Background(), msg)
	require.NoError(t, err)
	require.NotNil(t, first.Contact)
	assert.True(t, first.Created)
	assert.Equal(t, "5511998765432", first.Contact.Canonical())

	second, err := p.Handle(context.Background(), msg)
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, first.Contact.ID, second.Contact.ID)
	assert.Len(t, st.Contacts(1), 1)
}

func TestOpenSession_Disabled(t *testing.T) {
	sess, closeFn, err := openSession(context.Background(), config.WhatsAppConfig{})
	require.NoError(t, err)
	assert.Nil(t, sess)
	closeFn()
}
