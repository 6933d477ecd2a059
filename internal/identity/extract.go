package identity

import (
	"go.mau.fi/whatsmeow/types"

	"github.com/sells-group/contact-identity/internal/phone"
)

// Envelope is the identifier-bearing part of an inbound message.
type Envelope struct {
	RemoteJID      string `json:"remote_jid"`
	RemoteJIDAlt   string `json:"remote_jid_alt,omitempty"`
	Participant    string `json:"participant,omitempty"`
	ParticipantAlt string `json:"participant_alt,omitempty"`
	SenderPN       string `json:"sender_pn,omitempty"`
	FromMe         bool   `json:"from_me"`
	PushName       string `json:"push_name,omitempty"`
	// OwnJID is the JID of the receiving connection.
	OwnJID string `json:"own_jid,omitempty"`
}

// PNLookup resolves a LID from in-memory session state only. Implementations
// must not touch the network or disk.
type PNLookup interface {
	InMemoryLIDToPN(lid string) (string, bool)
}

// Extractor derives identifier bundles from envelopes.
type Extractor struct {
	phones *phone.Normalizer
}

// NewExtractor creates an Extractor that canonicalizes through n.
func NewExtractor(n *phone.Normalizer) *Extractor {
	return &Extractor{phones: n}
}

// Extract builds the identifier bundle for env. lookup may be nil. The result
// depends only on env and the lookup's answers.
func (x *Extractor) Extract(env Envelope, lookup PNLookup) Extracted {
	out := Extracted{
		PushName: env.PushName,
		IsFromMe: env.FromMe,
	}

	remote, ok := parse(env.RemoteJID)
	if !ok {
		return out
	}

	primary, alt := env.RemoteJID, env.RemoteJIDAlt
	if remote.Server == types.GroupServer {
		out.IsGroup = true
		out.GroupJID = remote.String()
		primary, alt = env.Participant, env.ParticipantAlt
		// Prefer the alternate identifier over a LID participant.
		if IsLID(primary) && IsPNJID(alt) {
			primary, alt = alt, primary
		}
	}

	subject, ok := parse(primary)
	if !ok {
		return out
	}
	own := jidUser(env.OwnJID)

	switch subject.Server {
	case types.DefaultUserServer, types.LegacyUserServer:
		x.setPN(&out, subject.User, SourceEnvelope, own)
		if IsLID(alt) {
			out.LIDJID = LIDJID(jidUser(alt))
		}
	case types.HiddenUserServer:
		out.LIDJID = subject.String()
		x.recoverPN(&out, env, alt, lookup, own)
	}

	return out
}

// recoverPN tries the in-memory fallbacks for a LID subject, in order.
func (x *Extractor) recoverPN(out *Extracted, env Envelope, alt string, lookup PNLookup, own string) {
	if IsPNJID(alt) && x.setPN(out, jidUser(alt), SourceAltField, own) {
		return
	}
	if lookup != nil {
		if pn, ok := lookup.InMemoryLIDToPN(out.LIDJID); ok && x.setPN(out, UserOrDigits(pn), SourceSignalCache, own) {
			return
		}
	}
	// On fromMe traffic the sender PN is the connection itself.
	if !env.FromMe && env.SenderPN != "" {
		x.setPN(out, UserOrDigits(env.SenderPN), SourceSenderPN, own)
	}
}

// setPN canonicalizes digits into out. It refuses the connection's own number
// and values that do not normalize.
func (x *Extractor) setPN(out *Extracted, digits, source, own string) bool {
	res := x.phones.Normalize(digits)
	if res.Canonical == "" {
		return false
	}
	if own != "" && (res.Canonical == own || res.Digits == own) {
		return false
	}
	out.PNDigits = res.Digits
	out.PNCanonical = res.Canonical
	out.PNJID = PNJID(res.Canonical)
	out.PNSource = source
	return true
}

// UserOrDigits returns the user part of a JID, or the digits of a bare number.
func UserOrDigits(s string) string {
	if u := jidUser(s); u != "" {
		return u
	}
	return phone.Digits(s)
}
