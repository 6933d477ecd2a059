package merge

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/contact-identity/internal/contact"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func newMockEngine(t *testing.T) (*Engine, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	e := NewEngine(mock, "")
	e.newID = func() string { return "fixed" }
	return e, mock
}

func contactRows(cs ...contact.Contact) *pgxmock.Rows {
	rows := pgxmock.NewRows(contact.ColumnNames)
	for _, c := range cs {
		rows.AddRow(
			c.ID, c.CompanyID, c.Name, c.Number, c.CanonicalNumber, c.LidJID, c.RemoteJID,
			c.IsGroup, c.Email, c.ProfilePicURL, c.Language, c.ReconciledAt,
			c.CreatedAt, c.UpdatedAt,
		)
	}
	return rows
}

const lockGroupSQL = `(?s)SELECT .+FROM contacts c.+ORDER BY c.id\s+FOR UPDATE`

// expectAbsorb registers every statement a successful merge of ids into
// masterID runs after the master write.
func expectAbsorb(mock pgxmock.PgxPoolIface, companyID, masterID int64, ids []int64) {
	for _, table := range references {
		mock.ExpectExec(fmt.Sprintf(`UPDATE %s SET contact_id = \$1 WHERE contact_id = ANY\(\$2\)`, table)).
			WithArgs(masterID, ids).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	}
	for _, a := range associations {
		mock.ExpectExec(fmt.Sprintf(`DELETE FROM %s d`, a.table)).
			WithArgs(masterID, ids).
			WillReturnResult(pgxmock.NewResult("DELETE", 0))
		mock.ExpectExec(fmt.Sprintf(`UPDATE %s SET contact_id = \$1`, a.table)).
			WithArgs(masterID, ids).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	}
	mock.ExpectExec(`DELETE FROM contact_custom_fields WHERE contact_id = ANY\(\$1\)`).
		WithArgs(ids).
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectExec(`DELETE FROM contacts WHERE company_id=\$1 AND id = ANY\(\$2\)`).
		WithArgs(companyID, ids).
		WillReturnResult(pgxmock.NewResult("DELETE", int64(len(ids))))
	for _, a := range associations {
		mock.ExpectExec(fmt.Sprintf(`DELETE FROM %[1]s a USING %[1]s b`, a.table)).
			WithArgs(masterID).
			WillReturnResult(pgxmock.NewResult("DELETE", 0))
	}
}

func TestEngine_Merge_SameCanonicalNumber(t *testing.T) {
	e, mock := newMockEngine(t)
	now := time.Now()
	canonical := "5511998765432"

	master := contact.Contact{ID: 1, CompanyID: 1, Name: "Maria", Number: canonical,
		CanonicalNumber: contact.Ptr(canonical), CreatedAt: now, UpdatedAt: now}
	dup := contact.Contact{ID: 2, CompanyID: 1, Name: "Maria S", Number: "11998765432",
		CanonicalNumber: contact.Ptr(canonical), RemoteJID: contact.Ptr(canonical + "@s.whatsapp.net"),
		Email: "a@b.com", CreatedAt: now, UpdatedAt: now}

	mock.ExpectBegin()
	mock.ExpectQuery(lockGroupSQL).
		WithArgs(int64(1), canonical).
		WillReturnRows(contactRows(master, dup))
	mock.ExpectExec(`UPDATE contacts SET number=\$3, lid_jid=NULL, remote_jid=NULL`).
		WithArgs(int64(1), int64(2), "merged-2-fixed").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectQuery(`UPDATE contacts SET\s+name=\$3`).
		WithArgs(int64(1), int64(1), "Maria", canonical, pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			"a@b.com", "", "", "maria").
		WillReturnRows(pgxmock.NewRows([]string{"updated_at"}).AddRow(now.Add(time.Second)))
	expectAbsorb(mock, 1, 1, []int64{2})
	mock.ExpectCommit()

	res, err := e.Merge(context.Background(), Request{
		CompanyID: 1,
		Key:       Key{Kind: KindNumber, Value: "+55 11 99876-5432"},
		MasterID:  1,
		Operation: OpMerge,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Master.ID)
	assert.Equal(t, "a@b.com", res.Master.Email)
	assert.Equal(t, "Maria", res.Master.Name)
	assert.Equal(t, canonical, res.Master.Number)
	assert.Equal(t, canonical+"@s.whatsapp.net", res.Master.Remote())
	assert.Equal(t, []int64{2}, res.Absorbed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEngine_Merge_NameGroupExplicitTargets(t *testing.T) {
	e, mock := newMockEngine(t)
	now := time.Now()

	master := contact.Contact{ID: 3, CompanyID: 1, Name: "Maria Silva", Number: "123456789012345", CreatedAt: now, UpdatedAt: now}
	a := contact.Contact{ID: 5, CompanyID: 1, Name: "maria silva", Number: "5511998765432",
		CanonicalNumber: contact.Ptr("5511998765432"), CreatedAt: now, UpdatedAt: now}
	b := contact.Contact{ID: 4, CompanyID: 1, Name: "MARIA  SILVA", Number: "5521987654321",
		CanonicalNumber: contact.Ptr("5521987654321"), Language: "pt", CreatedAt: now, UpdatedAt: now}
	untouched := contact.Contact{ID: 9, CompanyID: 1, Name: "Maria Silva", Number: "5531987654321",
		CanonicalNumber: contact.Ptr("5531987654321"), CreatedAt: now, UpdatedAt: now}

	mock.ExpectBegin()
	mock.ExpectQuery(lockGroupSQL).
		WithArgs(int64(1)).
		WillReturnRows(contactRows(master, b, a, untouched))
	mock.ExpectExec(`UPDATE contacts SET number=\$3`).
		WithArgs(int64(1), int64(4), "merged-4-fixed").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`UPDATE contacts SET number=\$3`).
		WithArgs(int64(1), int64(5), "merged-5-fixed").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	// The lowest-ID duplicate donates the canonical number.
	mock.ExpectQuery(`UPDATE contacts SET\s+name=\$3`).
		WithArgs(int64(1), int64(3), "Maria Silva", "5521987654321", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			"", "", "pt", "maria silva").
		WillReturnRows(pgxmock.NewRows([]string{"updated_at"}).AddRow(now))
	expectAbsorb(mock, 1, 3, []int64{4, 5})
	mock.ExpectCommit()

	res, err := e.Merge(context.Background(), Request{
		CompanyID: 1,
		Key:       Key{Kind: KindName, Value: "Maria Silva"},
		MasterID:  3,
		TargetIDs: []int64{5, 4, 3, 5},
		Operation: OpMerge,
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{4, 5}, res.Absorbed)
	assert.Equal(t, "5521987654321", res.Master.Canonical())
	assert.Equal(t, contact.StateResolved, res.Master.State())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEngine_Merge_FoldedNameGroup(t *testing.T) {
	e, mock := newMockEngine(t)
	now := time.Now()

	master := contact.Contact{ID: 1, CompanyID: 1, Name: "Strauß", Number: "5511998765432",
		CanonicalNumber: contact.Ptr("5511998765432"), CreatedAt: now, UpdatedAt: now}
	dup := contact.Contact{ID: 2, CompanyID: 1, Name: "Strauss", Number: "5521987654321",
		CanonicalNumber: contact.Ptr("5521987654321"), Email: "s@x.de", CreatedAt: now, UpdatedAt: now}
	other := contact.Contact{ID: 3, CompanyID: 1, Name: "Fiona", Number: "5531987654321",
		CanonicalNumber: contact.Ptr("5531987654321"), CreatedAt: now, UpdatedAt: now}

	// Every named contact is locked; the folded key picks the group.
	mock.ExpectBegin()
	mock.ExpectQuery(lockGroupSQL).
		WithArgs(int64(1)).
		WillReturnRows(contactRows(master, dup, other))
	mock.ExpectExec(`UPDATE contacts SET number=\$3`).
		WithArgs(int64(1), int64(2), "merged-2-fixed").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectQuery(`UPDATE contacts SET\s+name=\$3`).
		WithArgs(int64(1), int64(1), "Strauß", "5511998765432", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			"s@x.de", "", "", "strauss").
		WillReturnRows(pgxmock.NewRows([]string{"updated_at"}).AddRow(now))
	expectAbsorb(mock, 1, 1, []int64{2})
	mock.ExpectCommit()

	res, err := e.Merge(context.Background(), Request{
		CompanyID: 1,
		Key:       Key{Kind: KindName, Value: "STRAUSS"},
		MasterID:  1,
		Operation: OpMerge,
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, res.Absorbed)
	assert.Equal(t, "s@x.de", res.Master.Email)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEngine_Merge_Delete(t *testing.T) {
	e, mock := newMockEngine(t)
	now := time.Now()
	canonical := "5511998765432"

	master := contact.Contact{ID: 1, CompanyID: 1, Number: canonical, CanonicalNumber: contact.Ptr(canonical), CreatedAt: now, UpdatedAt: now}
	dup := contact.Contact{ID: 2, CompanyID: 1, Number: "11998765432", CanonicalNumber: contact.Ptr(canonical), Email: "a@b.com", CreatedAt: now, UpdatedAt: now}
	ids := []int64{2}

	mock.ExpectBegin()
	mock.ExpectQuery(lockGroupSQL).
		WithArgs(int64(1), canonical).
		WillReturnRows(contactRows(master, dup))
	mock.ExpectExec(`DELETE FROM messages`).WithArgs(ids).WillReturnResult(pgxmock.NewResult("DELETE", 4))
	for _, table := range []string{"tickets", "schedules", "contact_notes", "contact_custom_fields", "contact_tags", "contact_wallets", "contact_labels"} {
		mock.ExpectExec(fmt.Sprintf(`DELETE FROM %s WHERE contact_id = ANY\(\$1\)`, table)).
			WithArgs(ids).
			WillReturnResult(pgxmock.NewResult("DELETE", 1))
	}
	mock.ExpectExec(`DELETE FROM contacts WHERE company_id=\$1 AND id = ANY\(\$2\)`).
		WithArgs(int64(1), ids).
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectCommit()

	res, err := e.Merge(context.Background(), Request{
		CompanyID: 1, Key: Key{Kind: KindNumber, Value: canonical}, MasterID: 1, Operation: OpDelete,
	})
	require.NoError(t, err)
	assert.Equal(t, ids, res.Absorbed)
	assert.Empty(t, res.Master.Email)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEngine_Merge_GroupErrors(t *testing.T) {
	now := time.Now()
	canonical := "5511998765432"
	row := func(id int64) contact.Contact {
		return contact.Contact{ID: id, CompanyID: 1, Number: fmt.Sprintf("%d%s", id, canonical[1:]),
			CanonicalNumber: contact.Ptr(canonical), CreatedAt: now, UpdatedAt: now}
	}

	tests := []struct {
		name    string
		group   []contact.Contact
		master  int64
		targets []int64
		wantErr error
	}{
		{name: "master outside group", group: []contact.Contact{row(2), row(3)}, master: 1, wantErr: ErrMasterNotInGroup},
		{name: "master alone", group: []contact.Contact{row(1)}, master: 1, wantErr: ErrNoTargets},
		{name: "only master targeted", group: []contact.Contact{row(1), row(2)}, master: 1, targets: []int64{1}, wantErr: ErrNoTargets},
		{name: "target outside group", group: []contact.Contact{row(1), row(2)}, master: 1, targets: []int64{2, 7}, wantErr: ErrTargetNotInGroup},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, mock := newMockEngine(t)
			mock.ExpectBegin()
			mock.ExpectQuery(lockGroupSQL).
				WithArgs(int64(1), canonical).
				WillReturnRows(contactRows(tt.group...))
			mock.ExpectRollback()

			_, err := e.Merge(context.Background(), Request{
				CompanyID: 1, Key: Key{Kind: KindNumber, Value: canonical},
				MasterID: tt.master, TargetIDs: tt.targets, Operation: OpMerge,
			})
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestEngine_Merge_RollsBackOnFailure(t *testing.T) {
	e, mock := newMockEngine(t)
	now := time.Now()
	canonical := "5511998765432"

	mock.ExpectBegin()
	mock.ExpectQuery(lockGroupSQL).
		WithArgs(int64(1), canonical).
		WillReturnRows(contactRows(
			contact.Contact{ID: 1, CompanyID: 1, Number: canonical, CanonicalNumber: contact.Ptr(canonical), CreatedAt: now, UpdatedAt: now},
			contact.Contact{ID: 2, CompanyID: 1, Number: "11998765432", CanonicalNumber: contact.Ptr(canonical), CreatedAt: now, UpdatedAt: now},
		))
	mock.ExpectExec(`UPDATE contacts SET number=\$3`).
		WithArgs(int64(1), int64(2), "merged-2-fixed").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectQuery(`UPDATE contacts SET\s+name=\$3`).
		WithArgs(int64(1), int64(1), pgxmock.AnyArg(), canonical, pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"updated_at"}).AddRow(now))
	mock.ExpectExec(`UPDATE tickets SET contact_id`).
		WithArgs(int64(1), []int64{2}).
		WillReturnError(fmt.Errorf("deadlock detected"))
	mock.ExpectRollback()

	_, err := e.Merge(context.Background(), Request{
		CompanyID: 1, Key: Key{Kind: KindNumber, Value: canonical}, MasterID: 1, Operation: OpMerge,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "merge: migrate tickets")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEngine_Merge_LockFailure(t *testing.T) {
	e, mock := newMockEngine(t)

	mock.ExpectBegin()
	mock.ExpectQuery(lockGroupSQL).
		WithArgs(int64(1), "5511998765432").
		WillReturnError(fmt.Errorf("lock timeout"))
	mock.ExpectRollback()

	_, err := e.Merge(context.Background(), Request{
		CompanyID: 1, Key: Key{Kind: KindNumber, Value: "5511998765432"}, MasterID: 1, Operation: OpMerge,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "merge: lock group")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEngine_Merge_InvalidRequest(t *testing.T) {
	e, mock := newMockEngine(t)

	tests := []struct {
		name string
		req  Request
	}{
		{"unknown kind", Request{Key: Key{Kind: "email", Value: "a@b.com"}, Operation: OpMerge}},
		{"empty number key", Request{Key: Key{Kind: KindNumber, Value: "+()"}, Operation: OpMerge}},
		{"empty name key", Request{Key: Key{Kind: KindName, Value: "   "}, Operation: OpMerge}},
		{"unknown operation", Request{Key: Key{Kind: KindNumber, Value: "5511998765432"}, Operation: "archive"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Merge(context.Background(), tt.req)
			assert.True(t, errors.Is(err, ErrInvalidRequest))
		})
	}
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEngine_FindGroups(t *testing.T) {
	e, mock := newMockEngine(t)
	now := time.Now()
	canonical := "5511998765432"

	mock.ExpectQuery(`FROM contacts c WHERE c.company_id=\$1 AND NOT c.is_group AND c.canonical_number IS NOT NULL ORDER BY c.id`).
		WithArgs(int64(1)).
		WillReturnRows(contactRows(
			contact.Contact{ID: 1, CompanyID: 1, Number: canonical, CanonicalNumber: contact.Ptr(canonical), CreatedAt: now, UpdatedAt: now},
			contact.Contact{ID: 2, CompanyID: 1, Number: "11998765432", CanonicalNumber: contact.Ptr(canonical), CreatedAt: now, UpdatedAt: now},
			contact.Contact{ID: 3, CompanyID: 1, Number: "5521987654321", CanonicalNumber: contact.Ptr("5521987654321"), CreatedAt: now, UpdatedAt: now},
		))

	groups, err := e.FindGroups(context.Background(), 1, KindNumber)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, Key{Kind: KindNumber, Value: canonical}, groups[0].Key)
	assert.Equal(t, []int64{1, 2}, groups[0].IDs())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEngine_FindGroups_Errors(t *testing.T) {
	e, mock := newMockEngine(t)

	_, err := e.FindGroups(context.Background(), 1, KeyKind("email"))
	assert.True(t, errors.Is(err, ErrInvalidRequest))

	mock.ExpectQuery(`FROM contacts c WHERE c.company_id=\$1 AND NOT c.is_group ORDER BY c.id`).
		WithArgs(int64(1)).
		WillReturnError(fmt.Errorf("connection reset"))
	_, err = e.FindGroups(context.Background(), 1, KindName)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "merge: find groups")
	assert.NoError(t, mock.ExpectationsWereMet())
}
