package contact

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestContact_State(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name string
		c    Contact
		want State
	}{
		{"group", Contact{IsGroup: true, Number: "120363025246125486"}, StateGroup},
		{"resolved", Contact{Number: "5511998765432", CanonicalNumber: Ptr("5511998765432")}, StateResolved},
		{"pending", Contact{Number: "123456789012345"}, StatePending},
		{"reconciled", Contact{Number: "5511998765432", CanonicalNumber: Ptr("5511998765432"), ReconciledAt: &now}, StateReconciled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.c.State())
		})
	}
}

func TestLidMapping_Supersedes(t *testing.T) {
	tests := []struct {
		name     string
		incoming LidMapping
		existing *LidMapping
		want     bool
	}{
		{"no existing", LidMapping{Confidence: 0.3}, nil, true},
		{"verified beats unverified", LidMapping{Verified: true, Confidence: 0.5}, &LidMapping{Confidence: 0.9}, true},
		{"unverified never beats verified", LidMapping{Confidence: 1.0}, &LidMapping{Verified: true, Confidence: 0.5}, false},
		{"equal confidence wins", LidMapping{Verified: true, Confidence: 0.9}, &LidMapping{Verified: true, Confidence: 0.9}, true},
		{"lower confidence loses", LidMapping{Confidence: 0.3}, &LidMapping{Confidence: 0.5}, false},
		{"higher confidence wins", LidMapping{Confidence: 0.8}, &LidMapping{Confidence: 0.5}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.incoming.Supersedes(tt.existing))
		})
	}
}

func TestLidMapping_Trusted(t *testing.T) {
	assert.True(t, (&LidMapping{Verified: true, Confidence: 0.1}).Trusted())
	assert.True(t, (&LidMapping{Confidence: MinTrustedConfidence}).Trusted())
	assert.False(t, (&LidMapping{Confidence: 0.3}).Trusted())
}

func TestPtrValue(t *testing.T) {
	assert.Nil(t, Ptr(""))
	assert.Equal(t, "x", *Ptr("x"))
	assert.Equal(t, "", Value(nil))
	assert.Equal(t, "x", Value(Ptr("x")))
}

func TestNameKey(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Maria", "maria"},
		{"  MARIA   da  Silva ", "maria da silva"},
		{"ｍａｒｉａ", "maria"},
		{"Strauß", "strauss"},
		{"ﬁona", "fiona"},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, NameKey(tt.in))
		})
	}
}

func TestIsPlaceholderName(t *testing.T) {
	tests := []struct {
		name, number string
		want         bool
	}{
		{"", "5511998765432", true},
		{"   ", "5511998765432", true},
		{"5511998765432", "5511998765432", true},
		{"+55 11 99876-5432", "5511998765432", true},
		{"Maria", "5511998765432", false},
		{"Maria 5511998765432", "5511998765432", false},
		{"5511998765499", "5511998765432", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsPlaceholderName(tt.name, tt.number))
		})
	}
}

func TestIsPlaceholderName_Canonical(t *testing.T) {
	// The name spells the canonical number while the raw number is local.
	assert.True(t, IsPlaceholderName("+55 11 99876-5432", "11998765432", "5511998765432"))
	assert.False(t, IsPlaceholderName("+55 11 99876-5432", "11998765432"))
	assert.False(t, IsPlaceholderName("+55 11 99876-5432", "11998765432", ""))
	assert.True(t, IsPlaceholderName("", "11998765432", ""))
}
