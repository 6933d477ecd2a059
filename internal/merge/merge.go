// Package merge folds duplicate contacts of one company into a master
// contact, or deletes the duplicates, inside a single transaction.
package merge

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/contact-identity/internal/contact"
	"github.com/sells-group/contact-identity/internal/db"
	"github.com/sells-group/contact-identity/internal/phone"
)

var (
	// ErrMasterNotInGroup is returned when the master does not share the
	// recomputed group key.
	ErrMasterNotInGroup = eris.New("merge: master is not in the duplicate group")
	// ErrTargetNotInGroup is returned when an explicit target does not share
	// the recomputed group key.
	ErrTargetNotInGroup = eris.New("merge: target is not in the duplicate group")
	// ErrNoTargets is returned when nothing is left to merge besides the master.
	ErrNoTargets = eris.New("merge: no duplicates to merge")
	// ErrInvalidRequest is returned for an unknown key kind, empty key or
	// unknown operation.
	ErrInvalidRequest = eris.New("merge: invalid request")
)

// DefaultPlaceholderPrefix prefixes the disposable numbers given to
// duplicates before the master is written.
const DefaultPlaceholderPrefix = "merged"

// KeyKind selects how contacts are grouped as duplicates.
type KeyKind string

const (
	KindNumber KeyKind = "number"
	KindName   KeyKind = "name"
)

func (k KeyKind) valid() bool { return k == KindNumber || k == KindName }

// Key identifies a duplicate group.
type Key struct {
	Kind  KeyKind `json:"kind" yaml:"kind"`
	Value string  `json:"value" yaml:"value"`
}

// Normalize reduces the value to the form GroupKey produces.
func (k Key) Normalize() Key {
	switch k.Kind {
	case KindNumber:
		k.Value = phone.Digits(k.Value)
	case KindName:
		k.Value = contact.NameKey(k.Value)
	}
	return k
}

func (k Key) String() string { return string(k.Kind) + ":" + k.Value }

// GroupKey returns the grouping value of c for kind, or "" when c cannot be
// grouped that way. Only resolved contacts group by number, and placeholder
// names never group.
func GroupKey(c *contact.Contact, kind KeyKind) string {
	if c.IsGroup {
		return ""
	}
	switch kind {
	case KindNumber:
		return c.Canonical()
	case KindName:
		if contact.IsPlaceholderName(c.Name, c.Number, c.Canonical()) {
			return ""
		}
		return contact.NameKey(c.Name)
	}
	return ""
}

// Operation is what happens to the duplicates.
type Operation string

const (
	OpMerge  Operation = "merge"
	OpDelete Operation = "delete"
)

// Request describes one merge. A nil TargetIDs means every other member of
// the group.
type Request struct {
	CompanyID int64     `json:"company_id"`
	Key       Key       `json:"key"`
	MasterID  int64     `json:"master_id"`
	TargetIDs []int64   `json:"target_ids,omitempty"`
	Operation Operation `json:"operation"`
}

func (r Request) validate() error {
	if !r.Key.Kind.valid() {
		return eris.Wrapf(ErrInvalidRequest, "merge: key kind %q", r.Key.Kind)
	}
	if r.Key.Normalize().Value == "" {
		return eris.Wrap(ErrInvalidRequest, "merge: empty group key")
	}
	if r.Operation != OpMerge && r.Operation != OpDelete {
		return eris.Wrapf(ErrInvalidRequest, "merge: operation %q", r.Operation)
	}
	return nil
}

// Result is the updated master and the IDs removed from the group.
type Result struct {
	Master   *contact.Contact `json:"master"`
	Absorbed []int64          `json:"absorbed"`
}

// Engine runs merges against Postgres.
type Engine struct {
	pool   db.Pool
	prefix string
	newID  func() string
}

// NewEngine creates an Engine. An empty prefix uses DefaultPlaceholderPrefix.
func NewEngine(pool db.Pool, placeholderPrefix string) *Engine {
	if placeholderPrefix == "" {
		placeholderPrefix = DefaultPlaceholderPrefix
	}
	return &Engine{
		pool:   pool,
		prefix: placeholderPrefix,
		newID:  func() string { return uuid.New().String() },
	}
}

// Merge recomputes the group under row locks and merges or deletes the
// targets. Any failure rolls the whole transaction back.
func (e *Engine) Merge(ctx context.Context, req Request) (*Result, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	key := req.Key.Normalize()
	log := zap.L().With(
		zap.Int64("company_id", req.CompanyID),
		zap.String("group_key", key.String()),
		zap.Int64("master_id", req.MasterID),
		zap.String("operation", string(req.Operation)),
	)

	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "merge: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	group, err := lockGroup(ctx, tx, req.CompanyID, key)
	if err != nil {
		return nil, err
	}
	master, dups, err := split(group, req.MasterID, req.TargetIDs)
	if err != nil {
		return nil, err
	}
	ids := contactIDs(dups)

	switch req.Operation {
	case OpMerge:
		err = e.absorb(ctx, tx, master, dups, key)
	case OpDelete:
		err = deleteDuplicates(ctx, tx, req.CompanyID, ids)
	}
	if err != nil {
		log.Warn("merge: rolled back", zap.Error(err))
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "merge: commit tx")
	}

	log.Info("merge: complete", zap.Int64s("absorbed", ids))
	return &Result{Master: master, Absorbed: ids}, nil
}

// lockGroup selects the candidate rows FOR UPDATE and keeps those whose
// recomputed key matches.
func lockGroup(ctx context.Context, tx pgx.Tx, companyID int64, key Key) ([]contact.Contact, error) {
	filter, args := candidateFilter(companyID, key)
	rows, err := tx.Query(ctx, `
		SELECT `+contact.Columns+`
		FROM contacts c
		WHERE c.company_id=$1 AND NOT c.is_group AND `+filter+`
		ORDER BY c.id
		FOR UPDATE`, args...)
	if err != nil {
		return nil, eris.Wrap(err, "merge: lock group")
	}
	defer rows.Close()

	found, err := contact.ScanRows(rows)
	if err != nil {
		return nil, eris.Wrap(err, "merge: lock group")
	}

	group := make([]contact.Contact, 0, len(found))
	for _, c := range found {
		if GroupKey(&c, key.Kind) == key.Value {
			group = append(group, c)
		}
	}
	return group, nil
}

// candidateFilter narrows the locked rows in SQL. GroupKey has the final say.
// Postgres lower() folds neither compatibility forms nor "ß", so name groups
// lock every named contact of the company and match on NameKey.
func candidateFilter(companyID int64, key Key) (string, []any) {
	if key.Kind == KindName {
		return `c.name IS NOT NULL AND btrim(c.name) <> ''`, []any{companyID}
	}
	return `c.canonical_number = $2`, []any{companyID, key.Value}
}

// split picks the master and the duplicates out of group, ordered by ID.
func split(group []contact.Contact, masterID int64, targetIDs []int64) (*contact.Contact, []contact.Contact, error) {
	byID := make(map[int64]contact.Contact, len(group))
	for _, c := range group {
		byID[c.ID] = c
	}
	m, ok := byID[masterID]
	if !ok {
		return nil, nil, eris.Wrapf(ErrMasterNotInGroup, "merge: master %d", masterID)
	}
	master := &m

	var dups []contact.Contact
	if targetIDs == nil {
		for _, c := range group {
			if c.ID != masterID {
				dups = append(dups, c)
			}
		}
	} else {
		seen := make(map[int64]bool, len(targetIDs))
		for _, id := range targetIDs {
			if id == masterID || seen[id] {
				continue
			}
			c, ok := byID[id]
			if !ok {
				return nil, nil, eris.Wrapf(ErrTargetNotInGroup, "merge: target %d", id)
			}
			seen[id] = true
			dups = append(dups, c)
		}
		sort.Slice(dups, func(i, j int) bool { return dups[i].ID < dups[j].ID })
	}

	if len(dups) == 0 {
		return nil, nil, eris.Wrapf(ErrNoTargets, "merge: master %d", masterID)
	}
	return master, dups, nil
}

// absorb folds dups into master: field merge, placeholder renames, master
// write, reference migration, deletion and association de-duplication.
func (e *Engine) absorb(ctx context.Context, tx pgx.Tx, master *contact.Contact, dups []contact.Contact, key Key) error {
	for i := range dups {
		ApplyFields(master, &dups[i])
	}
	if key.Kind == KindNumber {
		master.Number = key.Value
		master.CanonicalNumber = contact.Ptr(key.Value)
	}

	// Duplicates give up number, lid_jid and remote_jid before the master
	// takes them over.
	for _, d := range dups {
		placeholder := fmt.Sprintf("%s-%d-%s", e.prefix, d.ID, e.newID())
		if _, err := tx.Exec(ctx, `
			UPDATE contacts SET number=$3, lid_jid=NULL, remote_jid=NULL, updated_at=now()
			WHERE company_id=$1 AND id=$2`, d.CompanyID, d.ID, placeholder); err != nil {
			return eris.Wrapf(err, "merge: rename duplicate %d", d.ID)
		}
	}

	if err := writeMaster(ctx, tx, master); err != nil {
		return err
	}

	ids := contactIDs(dups)
	if err := migrateReferences(ctx, tx, master.ID, ids); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, `DELETE FROM contact_custom_fields WHERE contact_id = ANY($1)`, ids); err != nil {
		return eris.Wrap(err, "merge: delete custom fields")
	}
	if _, err := tx.Exec(ctx, `DELETE FROM contacts WHERE company_id=$1 AND id = ANY($2)`, master.CompanyID, ids); err != nil {
		return eris.Wrap(err, "merge: delete duplicates")
	}

	for _, a := range associations {
		if _, err := tx.Exec(ctx, a.dedupeSQL(), master.ID); err != nil {
			return eris.Wrapf(err, "merge: dedupe %s", a.table)
		}
	}
	return nil
}

func writeMaster(ctx context.Context, tx pgx.Tx, m *contact.Contact) error {
	err := tx.QueryRow(ctx, `
		UPDATE contacts SET
			name=$3, number=$4, canonical_number=$5, lid_jid=$6, remote_jid=$7,
			email=$8, profile_pic_url=$9, language=$10, name_key=$11, updated_at=now()
		WHERE company_id=$1 AND id=$2
		RETURNING updated_at`,
		m.CompanyID, m.ID, m.Name, m.Number, m.CanonicalNumber, m.LidJID, m.RemoteJID,
		m.Email, m.ProfilePicURL, m.Language, contact.NameKey(m.Name),
	).Scan(&m.UpdatedAt)
	if err != nil {
		return eris.Wrapf(err, "merge: write master %d", m.ID)
	}
	return nil
}

func contactIDs(cs []contact.Contact) []int64 {
	ids := make([]int64, len(cs))
	for i, c := range cs {
		ids[i] = c.ID
	}
	return ids
}
