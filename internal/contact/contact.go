// Package contact holds the Contact and LidMapping records and their stores.
package contact

import (
	"time"

	"github.com/rotisserie/eris"
)

// ErrConflict is returned by store writes that hit a unique constraint on
// (company_id, number), (company_id, lid_jid) or (company_id, remote_jid).
var ErrConflict = eris.New("contact: unique constraint conflict")

// State is the identity state of a non-group contact.
type State string

const (
	// StateResolved has a real canonical phone number.
	StateResolved State = "resolved"
	// StatePending holds raw LID digits and is not routable.
	StatePending State = "pending"
	// StateReconciled was Pending and was updated in place with a phone number.
	StateReconciled State = "reconciled"
	// StateGroup marks group contacts, which sit outside the identity states.
	StateGroup State = "group"
)

// Contact is a per-company CRM contact.
type Contact struct {
	ID              int64      `json:"id" yaml:"id"`
	CompanyID       int64      `json:"company_id" yaml:"company_id"`
	Name            string     `json:"name" yaml:"name"`
	Number          string     `json:"number" yaml:"number"`
	CanonicalNumber *string    `json:"canonical_number,omitempty" yaml:"canonical_number,omitempty"`
	LidJID          *string    `json:"lid_jid,omitempty" yaml:"lid_jid,omitempty"`
	RemoteJID       *string    `json:"remote_jid,omitempty" yaml:"remote_jid,omitempty"`
	IsGroup         bool       `json:"is_group" yaml:"is_group"`
	Email           string     `json:"email" yaml:"email"`
	ProfilePicURL   string     `json:"profile_pic_url" yaml:"profile_pic_url"`
	Language        string     `json:"language" yaml:"language"`
	ReconciledAt    *time.Time `json:"reconciled_at,omitempty" yaml:"reconciled_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at" yaml:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at" yaml:"updated_at"`
}

// State derives the identity state from the stored columns.
func (c *Contact) State() State {
	switch {
	case c.IsGroup:
		return StateGroup
	case c.ReconciledAt != nil:
		return StateReconciled
	case Value(c.CanonicalNumber) != "":
		return StateResolved
	default:
		return StatePending
	}
}

// Canonical returns the canonical number or "".
func (c *Contact) Canonical() string { return Value(c.CanonicalNumber) }

// LID returns the LID JID or "".
func (c *Contact) LID() string { return Value(c.LidJID) }

// Remote returns the remote JID or "".
func (c *Contact) Remote() string { return Value(c.RemoteJID) }

// LidMapping is an advisory LID to phone number association.
type LidMapping struct {
	ID          int64     `json:"id"`
	LID         string    `json:"lid"`
	CompanyID   int64     `json:"company_id"`
	PhoneNumber string    `json:"phone_number"`
	WhatsappID  *int64    `json:"whatsapp_id,omitempty"`
	Source      string    `json:"source"`
	Confidence  float64   `json:"confidence"`
	Verified    bool      `json:"verified"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// MinTrustedConfidence is the lowest confidence at which an unverified
// mapping is served back as an answer.
const MinTrustedConfidence = 0.5

// Trusted reports whether m may answer a lookup on its own. Unverified
// guesses below MinTrustedConfidence only hint; the resolution chain runs
// again and a stronger result replaces them.
func (m *LidMapping) Trusted() bool {
	return m.Verified || m.Confidence >= MinTrustedConfidence
}

// Supersedes reports whether m should replace existing under the upsert
// policy: higher or equal confidence wins, and a verified mapping always
// replaces an unverified one.
func (m *LidMapping) Supersedes(existing *LidMapping) bool {
	if existing == nil {
		return true
	}
	if m.Verified && !existing.Verified {
		return true
	}
	if !m.Verified && existing.Verified {
		return false
	}
	return m.Confidence >= existing.Confidence
}

// Ptr returns a pointer to s, or nil for "".
func Ptr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Value dereferences p, treating nil as "".
func Value(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
