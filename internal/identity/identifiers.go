// Package identity turns inbound message envelopes into identifier bundles.
package identity

import (
	"strings"

	"go.mau.fi/whatsmeow/types"

	"github.com/sells-group/contact-identity/internal/phone"
)

// PN sources recorded on identifier bundles.
const (
	SourceEnvelope     = "envelope"
	SourceAltField     = "alt_field"
	SourceSignalCache  = "signal_cache"
	SourceSenderPN     = "sender_pn"
	SourceMappingHint  = "mapping_hint"
	SourceUnresolved   = ""
	confidenceVerified = 1.0
)

// Extracted is the identifier bundle derived from one envelope. It is a value
// type: copies are independent and nothing in this package mutates one after
// Extract returns it.
type Extracted struct {
	PNJID       string
	PNDigits    string
	PNCanonical string
	LIDJID      string
	PushName    string
	IsGroup     bool
	IsFromMe    bool
	GroupJID    string
	// PNSource names how the PN was obtained during extraction.
	PNSource string
}

// HasPN reports whether a canonical phone number is known.
func (e Extracted) HasPN() bool {
	return e.PNCanonical != ""
}

// HasLID reports whether a LID is known.
func (e Extracted) HasLID() bool {
	return e.LIDJID != ""
}

// LIDDigits returns the user part of the LID, or "".
func (e Extracted) LIDDigits() string {
	return jidUser(e.LIDJID)
}

// GroupID returns the user part of the group JID, or "".
func (e Extracted) GroupID() string {
	return jidUser(e.GroupJID)
}

// Enriched is an Extracted bundle after the LID resolution phase. It is built
// by Enrich or Passthrough and never shares state with its source.
type Enriched struct {
	Extracted
	PNConfidence float64
	PNVerified   bool
}

// Passthrough wraps e without adding a PN.
func (e Extracted) Passthrough() Enriched {
	en := Enriched{Extracted: e}
	if e.HasPN() {
		en.PNConfidence = confidenceVerified
		en.PNVerified = true
	}
	return en
}

// Enrich returns a new bundle carrying the resolved phone number. An invalid
// result leaves the PN fields untouched.
func (e Extracted) Enrich(pn phone.Result, source string, confidence float64, verified bool) Enriched {
	if pn.Canonical == "" {
		return e.Passthrough()
	}
	out := e
	out.PNDigits = pn.Digits
	out.PNCanonical = pn.Canonical
	out.PNJID = PNJID(pn.Canonical)
	out.PNSource = source
	return Enriched{Extracted: out, PNConfidence: confidence, PNVerified: verified}
}

// PNJID builds a user JID from canonical digits.
func PNJID(canonical string) string {
	if canonical == "" {
		return ""
	}
	return types.NewJID(canonical, types.DefaultUserServer).String()
}

// LIDJID builds a LID JID from its digits.
func LIDJID(digits string) string {
	if digits == "" {
		return ""
	}
	return types.NewJID(digits, types.HiddenUserServer).String()
}

// IsLID reports whether s is a LID-form JID.
func IsLID(s string) bool {
	jid, ok := parse(s)
	return ok && jid.Server == types.HiddenUserServer
}

// IsGroupJID reports whether s is a group JID.
func IsGroupJID(s string) bool {
	jid, ok := parse(s)
	return ok && jid.Server == types.GroupServer
}

// IsPNJID reports whether s is a phone-number user JID.
func IsPNJID(s string) bool {
	jid, ok := parse(s)
	return ok && (jid.Server == types.DefaultUserServer || jid.Server == types.LegacyUserServer)
}

// parse returns the non-device form of a JID string.
func parse(s string) (types.JID, bool) {
	s = strings.TrimSpace(s)
	if s == "" || !strings.Contains(s, "@") {
		return types.JID{}, false
	}
	jid, err := types.ParseJID(s)
	if err != nil || jid.User == "" {
		return types.JID{}, false
	}
	return jid.ToNonAD(), true
}

func jidUser(s string) string {
	jid, ok := parse(s)
	if !ok {
		return ""
	}
	return jid.User
}
