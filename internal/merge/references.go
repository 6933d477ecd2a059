package merge

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// references are the one-to-many tables holding a contact_id.
var references = []string{"tickets", "messages", "schedules", "contact_notes"}

// association is a many-to-many table keyed by (contact_id, column).
type association struct {
	table  string
	column string
}

var associations = []association{
	{table: "contact_tags", column: "tag_id"},
	{table: "contact_wallets", column: "wallet_id"},
	{table: "contact_labels", column: "label_id"},
}

// predeleteSQL removes duplicate rows the master, or a lower-ID duplicate,
// already holds. $1 is the master, $2 the duplicate IDs.
func (a association) predeleteSQL() string {
	return fmt.Sprintf(`DELETE FROM %[1]s d
		WHERE d.contact_id = ANY($2) AND EXISTS (
			SELECT 1 FROM %[1]s o
			WHERE o.%[2]s = d.%[2]s
				AND (o.contact_id = $1 OR (o.contact_id = ANY($2) AND o.contact_id < d.contact_id)))`,
		a.table, a.column)
}

func (a association) dedupeSQL() string {
	return fmt.Sprintf(`DELETE FROM %[1]s a USING %[1]s b
		WHERE a.contact_id = $1 AND b.contact_id = $1 AND a.%[2]s = b.%[2]s AND a.ctid > b.ctid`,
		a.table, a.column)
}

func repointSQL(table string) string {
	return fmt.Sprintf(`UPDATE %s SET contact_id = $1 WHERE contact_id = ANY($2)`, table)
}

// migrateReferences repoints every reference from ids to masterID.
func migrateReferences(ctx context.Context, tx pgx.Tx, masterID int64, ids []int64) error {
	for _, table := range references {
		if _, err := tx.Exec(ctx, repointSQL(table), masterID, ids); err != nil {
			return eris.Wrapf(err, "merge: migrate %s", table)
		}
	}
	for _, a := range associations {
		if _, err := tx.Exec(ctx, a.predeleteSQL(), masterID, ids); err != nil {
			return eris.Wrapf(err, "merge: predelete %s", a.table)
		}
		if _, err := tx.Exec(ctx, repointSQL(a.table), masterID, ids); err != nil {
			return eris.Wrapf(err, "merge: migrate %s", a.table)
		}
	}
	return nil
}

// deleteDuplicates removes ids and everything that references them. The
// master is not touched.
func deleteDuplicates(ctx context.Context, tx pgx.Tx, companyID int64, ids []int64) error {
	if _, err := tx.Exec(ctx, `
		DELETE FROM messages
		WHERE contact_id = ANY($1) OR ticket_id IN (SELECT id FROM tickets WHERE contact_id = ANY($1))`, ids); err != nil {
		return eris.Wrap(err, "merge: delete messages")
	}

	tables := []string{"tickets", "schedules", "contact_notes", "contact_custom_fields"}
	for _, a := range associations {
		tables = append(tables, a.table)
	}
	for _, table := range tables {
		if _, err := tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE contact_id = ANY($1)`, table), ids); err != nil {
			return eris.Wrapf(err, "merge: delete %s", table)
		}
	}

	if _, err := tx.Exec(ctx, `DELETE FROM contacts WHERE company_id=$1 AND id = ANY($2)`, companyID, ids); err != nil {
		return eris.Wrap(err, "merge: delete duplicates")
	}
	return nil
}
