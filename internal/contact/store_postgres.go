package contact

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/contact-identity/internal/db"
)

// PostgresStore implements Repository, MappingStore and TicketStore using pgx.
type PostgresStore struct {
	pool db.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Get fetches a contact by ID.
func (s *PostgresStore) Get(ctx context.Context, companyID, id int64) (*Contact, error) {
	return s.findOne(ctx, "get", `WHERE c.company_id=$1 AND c.id=$2`, companyID, id)
}

// FindByCanonical matches canonical_number or number. Exact canonical matches
// sort first so the result is stable.
func (s *PostgresStore) FindByCanonical(ctx context.Context, companyID int64, canonical string) (*Contact, error) {
	return s.findOne(ctx, "find by canonical", `
		WHERE c.company_id=$1 AND NOT c.is_group AND (c.canonical_number=$2 OR c.number=$2)
		ORDER BY (c.canonical_number=$2) DESC NULLS LAST, c.id
		LIMIT 1`, companyID, canonical)
}

// FindByLID matches lid_jid.
func (s *PostgresStore) FindByLID(ctx context.Context, companyID int64, lid string) (*Contact, error) {
	return s.findOne(ctx, "find by lid", `WHERE c.company_id=$1 AND c.lid_jid=$2`, companyID, lid)
}

// FindByRemoteJID matches remote_jid.
func (s *PostgresStore) FindByRemoteJID(ctx context.Context, companyID int64, jid string) (*Contact, error) {
	return s.findOne(ctx, "find by remote jid", `WHERE c.company_id=$1 AND c.remote_jid=$2`, companyID, jid)
}

// FindByNumber matches any of the given number forms.
func (s *PostgresStore) FindByNumber(ctx context.Context, companyID int64, numbers ...string) (*Contact, error) {
	if len(numbers) == 0 {
		return nil, nil
	}
	return s.findOne(ctx, "find by number", `
		WHERE c.company_id=$1 AND c.number = ANY($2)
		ORDER BY c.id
		LIMIT 1`, companyID, numbers)
}

// FindPending matches a contact still holding raw LID digits as its number.
func (s *PostgresStore) FindPending(ctx context.Context, companyID int64, lidDigits string) (*Contact, error) {
	return s.findOne(ctx, "find pending", `
		WHERE c.company_id=$1 AND c.number=$2 AND c.canonical_number IS NULL AND NOT c.is_group`,
		companyID, lidDigits)
}

// FindByLastDigits matches resolved contacts whose number ends in suffix.
func (s *PostgresStore) FindByLastDigits(ctx context.Context, companyID int64, suffix string) (*Contact, error) {
	return s.findOne(ctx, "find by last digits", `
		WHERE c.company_id=$1 AND NOT c.is_group AND c.canonical_number IS NOT NULL
			AND right(c.number, length($2)) = $2
		ORDER BY c.id
		LIMIT 1`, companyID, suffix)
}

// FindByName returns contacts whose name_key equals NameKey(name).
func (s *PostgresStore) FindByName(ctx context.Context, companyID int64, name string, limit int) ([]Contact, error) {
	key := NameKey(name)
	if key == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+contactColumns+`
		FROM contacts c
		WHERE c.company_id=$1 AND NOT c.is_group AND c.name_key = $2
		ORDER BY c.id
		LIMIT $3`, companyID, key, limit)
	if err != nil {
		return nil, eris.Wrap(err, "contact: find by name")
	}
	defer rows.Close()
	return scanContacts(rows)
}

// RefreshNameKeys rewrites name_key wherever it differs from NameKey(name)
// and returns the number of rows changed.
func (s *PostgresStore) RefreshNameKeys(ctx context.Context) (int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, name, name_key FROM contacts ORDER BY id`)
	if err != nil {
		return 0, eris.Wrap(err, "contact: read name keys")
	}
	var (
		ids  []int64
		keys []string
	)
	for rows.Next() {
		var (
			id           int64
			name, stored string
		)
		if err := rows.Scan(&id, &name, &stored); err != nil {
			rows.Close()
			return 0, eris.Wrap(err, "contact: scan name key")
		}
		if key := NameKey(name); key != stored {
			ids = append(ids, id)
			keys = append(keys, key)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, eris.Wrap(err, "contact: read name keys")
	}
	if len(ids) == 0 {
		return 0, nil
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE contacts c SET name_key = u.key
		FROM unnest($1::bigint[], $2::text[]) AS u(id, key)
		WHERE c.id = u.id`, ids, keys)
	if err != nil {
		return 0, eris.Wrap(err, "contact: refresh name keys")
	}
	return tag.RowsAffected(), nil
}

// Create inserts a new contact and sets its ID.
func (s *PostgresStore) Create(ctx context.Context, c *Contact) error {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO contacts (
			company_id, name, number, canonical_number, lid_jid, remote_jid,
			is_group, email, profile_pic_url, language, name_key
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id, created_at, updated_at`,
		c.CompanyID, c.Name, c.Number, c.CanonicalNumber, c.LidJID, c.RemoteJID,
		c.IsGroup, c.Email, c.ProfilePicURL, c.Language, NameKey(c.Name),
	).Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return eris.Wrapf(ErrConflict, "contact: create %s (%s)", c.Number, db.ConstraintName(err))
		}
		return eris.Wrap(err, "contact: create")
	}
	return nil
}

// SetLID sets lid_jid on a contact.
func (s *PostgresStore) SetLID(ctx context.Context, companyID, id int64, lid string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE contacts SET lid_jid=$3, updated_at=now()
		WHERE company_id=$1 AND id=$2`, companyID, id, lid)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return eris.Wrapf(ErrConflict, "contact: set lid %d (%s)", id, db.ConstraintName(err))
		}
		return eris.Wrapf(err, "contact: set lid %d", id)
	}
	return nil
}

// SetRemoteJID sets remote_jid on a contact.
func (s *PostgresStore) SetRemoteJID(ctx context.Context, companyID, id int64, jid string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE contacts SET remote_jid=$3, updated_at=now()
		WHERE company_id=$1 AND id=$2`, companyID, id, jid)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return eris.Wrapf(ErrConflict, "contact: set remote jid %d (%s)", id, db.ConstraintName(err))
		}
		return eris.Wrapf(err, "contact: set remote jid %d", id)
	}
	return nil
}

// Reconcile rewrites number, canonical_number, lid_jid and remote_jid of a
// Pending contact and stamps reconciled_at. A row that is gone or already
// resolved returns ErrConflict.
func (s *PostgresStore) Reconcile(ctx context.Context, c *Contact) error {
	now := time.Now()
	tag, err := s.pool.Exec(ctx, `
		UPDATE contacts SET
			number=$3, canonical_number=$4, lid_jid=$5, remote_jid=$6,
			reconciled_at=$7, updated_at=$7
		WHERE company_id=$1 AND id=$2 AND canonical_number IS NULL`,
		c.CompanyID, c.ID, c.Number, c.CanonicalNumber, c.LidJID, c.RemoteJID, now)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return eris.Wrapf(ErrConflict, "contact: reconcile %d (%s)", c.ID, db.ConstraintName(err))
		}
		return eris.Wrapf(err, "contact: reconcile %d", c.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrConflict, "contact: reconcile %d: no longer pending", c.ID)
	}
	c.ReconciledAt = &now
	c.UpdatedAt = now
	return nil
}

// FindMapping fetches the mapping for a LID.
func (s *PostgresStore) FindMapping(ctx context.Context, companyID int64, lid string) (*LidMapping, error) {
	m := &LidMapping{}
	err := s.pool.QueryRow(ctx, `
		SELECT `+mappingColumns+`
		FROM lid_mappings WHERE lid=$1 AND company_id=$2`, lid, companyID).
		Scan(mappingDests(m)...)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "contact: find mapping %s", lid)
	}
	return m, nil
}

// UpsertMapping inserts a mapping or supersedes the stored one when the new
// row is verified over an unverified one, or at least as confident.
func (s *PostgresStore) UpsertMapping(ctx context.Context, m *LidMapping) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO lid_mappings (lid, company_id, phone_number, whatsapp_id, source, confidence, verified)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (lid, company_id) DO UPDATE SET
			phone_number=EXCLUDED.phone_number, whatsapp_id=EXCLUDED.whatsapp_id,
			source=EXCLUDED.source, confidence=EXCLUDED.confidence,
			verified=EXCLUDED.verified, updated_at=now()
		WHERE `+mappingSupersedes,
		m.LID, m.CompanyID, m.PhoneNumber, m.WhatsappID, m.Source, m.Confidence, m.Verified)
	if err != nil {
		return eris.Wrapf(err, "contact: upsert mapping %s", m.LID)
	}
	return nil
}

// UpsertMappings bulk-writes mappings with the same supersede rule.
func (s *PostgresStore) UpsertMappings(ctx context.Context, ms []LidMapping) (int64, error) {
	rows := make([][]any, 0, len(ms))
	for _, m := range ms {
		rows = append(rows, []any{m.LID, m.CompanyID, m.PhoneNumber, m.WhatsappID, m.Source, m.Confidence, m.Verified})
	}
	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "lid_mappings",
		Columns:      []string{"lid", "company_id", "phone_number", "whatsapp_id", "source", "confidence", "verified"},
		ConflictKeys: []string{"lid", "company_id"},
		UpdateWhere:  mappingSupersedes,
	}, rows)
	if err != nil {
		return 0, eris.Wrap(err, "contact: upsert mappings")
	}
	return n, nil
}

// SoleOpenTicketContact returns the contact of the only open ticket on a
// connection.
func (s *PostgresStore) SoleOpenTicketContact(ctx context.Context, companyID, whatsappID int64) (*Contact, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+contactColumns+`
		FROM tickets t
		JOIN contacts c ON c.id = t.contact_id
		WHERE t.company_id=$1 AND t.whatsapp_id=$2 AND t.status='open' AND NOT c.is_group
		LIMIT 2`, companyID, whatsappID)
	if err != nil {
		return nil, eris.Wrap(err, "contact: open tickets")
	}
	defer rows.Close()

	contacts, err := scanContacts(rows)
	if err != nil {
		return nil, err
	}
	if len(contacts) != 1 {
		return nil, nil
	}
	return &contacts[0], nil
}

func (s *PostgresStore) findOne(ctx context.Context, op, where string, args ...any) (*Contact, error) {
	c := &Contact{}
	err := s.pool.QueryRow(ctx, `SELECT `+contactColumns+` FROM contacts c `+where, args...).
		Scan(contactDests(c)...)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "contact: %s", op)
	}
	return c, nil
}

// mappingSupersedes guards the DO UPDATE branch of mapping upserts.
const mappingSupersedes = `(EXCLUDED.verified AND NOT lid_mappings.verified)
	OR (EXCLUDED.verified = lid_mappings.verified AND EXCLUDED.confidence >= lid_mappings.confidence)`

// contactColumns is the standard column list for contact queries.
const contactColumns = `c.id, c.company_id, c.name, c.number, c.canonical_number, c.lid_jid, c.remote_jid,
	c.is_group, c.email, c.profile_pic_url, c.language, c.reconciled_at,
	c.created_at, c.updated_at`

// contactDests returns scan destinations for a Contact.
func contactDests(c *Contact) []any {
	return []any{
		&c.ID, &c.CompanyID, &c.Name, &c.Number, &c.CanonicalNumber, &c.LidJID, &c.RemoteJID,
		&c.IsGroup, &c.Email, &c.ProfilePicURL, &c.Language, &c.ReconciledAt,
		&c.CreatedAt, &c.UpdatedAt,
	}
}

// ColumnNames lists the result columns of Columns, in order.
var ColumnNames = []string{
	"id", "company_id", "name", "number", "canonical_number", "lid_jid", "remote_jid",
	"is_group", "email", "profile_pic_url", "language", "reconciled_at",
	"created_at", "updated_at",
}

// Columns is the contact column list qualified with alias c, for other
// packages querying the contacts table.
const Columns = contactColumns

// ScanRows reads every row of a Columns query.
func ScanRows(rows pgx.Rows) ([]Contact, error) {
	return scanContacts(rows)
}

func scanContacts(rows pgx.Rows) ([]Contact, error) {
	var contacts []Contact
	for rows.Next() {
		var c Contact
		if err := rows.Scan(contactDests(&c)...); err != nil {
			return nil, eris.Wrap(err, "contact: scan")
		}
		contacts = append(contacts, c)
	}
	return contacts, rows.Err()
}

const mappingColumns = `id, lid, company_id, phone_number, whatsapp_id, source, confidence, verified, created_at, updated_at`

func mappingDests(m *LidMapping) []any {
	return []any{
		&m.ID, &m.LID, &m.CompanyID, &m.PhoneNumber, &m.WhatsappID, &m.Source,
		&m.Confidence, &m.Verified, &m.CreatedAt, &m.UpdatedAt,
	}
}
