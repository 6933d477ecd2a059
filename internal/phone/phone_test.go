package phone

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	n := New("BR")

	tests := []struct {
		name      string
		input     string
		canonical string
		valid     bool
	}{
		{"formatted brazilian mobile", "+55 11 99876-5432", "5511998765432", true},
		{"doubled country code", "555511998765432", "5511998765432", true},
		{"national format", "(11) 99876-5432", "5511998765432", true},
		{"already canonical", "5511998765432", "5511998765432", true},
		{"landline", "55 11 3333-4444", "551133334444", true},
		{"foreign international", "+1 650 253 0000", "16502530000", true},
		{"lid passthrough", "123456789012345", "123456789012345", false},
		{"meta id passthrough", "12036302123456789012", "12036302123456789012", false},
		{"too short", "12345", "", false},
		{"too long", "123456789012345678901", "", false},
		{"no digits", "abc", "", false},
		{"empty", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := n.Normalize(tt.input)
			assert.Equal(t, tt.canonical, got.Canonical)
			assert.Equal(t, tt.valid, got.Valid)
			assert.Equal(t, Digits(tt.input), got.Digits)
		})
	}
}

func TestNormalize_Idempotent(t *testing.T) {
	n := New("BR")

	inputs := []string{
		"11998765432",
		"5511998765432",
		"555511998765432",
		"551133334444",
		"16502530000",
		"123456789012345",
		"98765432101",
		"99999999",
		"12345678901234567890",
		"447911123456",
	}
	for _, in := range inputs {
		t.Run(in, func(t *testing.T) {
			first := n.Normalize(in)
			if first.Canonical == "" {
				return
			}
			second := n.Normalize(first.Canonical)
			assert.Equal(t, first.Canonical, second.Canonical)
			assert.Equal(t, first.Valid, second.Valid)
		})
	}
}

func TestNew_DefaultsRegion(t *testing.T) {
	assert.Equal(t, "BR", New("").Region())
	assert.Equal(t, "US", New(" us ").Region())
}

func TestClassify(t *testing.T) {
	tests := []struct {
		in   string
		want Kind
	}{
		{"", KindUnknown},
		{"5511998765432", KindPhone},
		{"14155552671", KindPhone},
		{"12345678901234", KindPlatformID},
		{"12345678901234567890", KindPlatformID},
		{"123456789012345678901", KindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.in))
		})
	}
	assert.Equal(t, "phone", KindPhone.String())
	assert.Equal(t, "platform_id", KindPlatformID.String())
	assert.Equal(t, "unknown", KindUnknown.String())
}

func TestIsPhoneShaped(t *testing.T) {
	assert.True(t, IsPhoneShaped("12345678"))
	assert.True(t, IsPhoneShaped("5511998765432"))
	assert.False(t, IsPhoneShaped("1234567"))
	assert.False(t, IsPhoneShaped("12345678901234"))
}

func TestInStorableRange(t *testing.T) {
	assert.True(t, InStorableRange("1234567890"))
	assert.True(t, InStorableRange("12345678901234567890"))
	assert.False(t, InStorableRange("123456789"))
	assert.False(t, InStorableRange("123456789012345678901"))
}

func TestLastDigits(t *testing.T) {
	assert.Equal(t, "1998765432", LastDigits("+55 11 99876-5432", 10))
	assert.Equal(t, "123", LastDigits("1-2-3", 10))
}
