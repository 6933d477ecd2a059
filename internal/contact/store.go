package contact

import "context"

// Repository defines contact persistence keyed by company. Finders return
// (nil, nil) when nothing matches.
type Repository interface {
	Get(ctx context.Context, companyID, id int64) (*Contact, error)
	FindByCanonical(ctx context.Context, companyID int64, canonical string) (*Contact, error)
	FindByLID(ctx context.Context, companyID int64, lid string) (*Contact, error)
	FindByRemoteJID(ctx context.Context, companyID int64, jid string) (*Contact, error)
	FindByNumber(ctx context.Context, companyID int64, numbers ...string) (*Contact, error)
	FindPending(ctx context.Context, companyID int64, lidDigits string) (*Contact, error)
	FindByLastDigits(ctx context.Context, companyID int64, suffix string) (*Contact, error)
	FindByName(ctx context.Context, companyID int64, name string, limit int) ([]Contact, error)

	// Create inserts c and sets its ID. Unique violations return ErrConflict.
	Create(ctx context.Context, c *Contact) error
	// SetLID sets lid_jid. Unique violations return ErrConflict.
	SetLID(ctx context.Context, companyID, id int64, lid string) error
	SetRemoteJID(ctx context.Context, companyID, id int64, jid string) error
	// Reconcile rewrites the identifiers of a Pending contact in place. Unique
	// violations, and a row that is no longer Pending, return ErrConflict.
	Reconcile(ctx context.Context, c *Contact) error
}

// MappingStore persists LidMappings keyed by (lid, company_id).
type MappingStore interface {
	FindMapping(ctx context.Context, companyID int64, lid string) (*LidMapping, error)
	// UpsertMapping writes m unless a stored row supersedes it.
	UpsertMapping(ctx context.Context, m *LidMapping) error
	UpsertMappings(ctx context.Context, ms []LidMapping) (int64, error)
}

// TicketStore answers ticket questions used by fromMe heuristics.
type TicketStore interface {
	// SoleOpenTicketContact returns the contact of the only open ticket on a
	// connection, or nil when there are zero or several.
	SoleOpenTicketContact(ctx context.Context, companyID, whatsappID int64) (*Contact, error)
}
