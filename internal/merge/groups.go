package merge

import (
	"context"
	"sort"

	"github.com/rotisserie/eris"

	"github.com/sells-group/contact-identity/internal/contact"
)

// Group is a set of two or more contacts sharing a key.
type Group struct {
	Key      Key               `json:"key" yaml:"key"`
	Contacts []contact.Contact `json:"contacts" yaml:"contacts"`
}

// IDs returns the member IDs in order.
func (g Group) IDs() []int64 { return contactIDs(g.Contacts) }

// FindGroups lists the duplicate groups of a company for kind, ordered by
// key. Members are ordered by ID.
func (e *Engine) FindGroups(ctx context.Context, companyID int64, kind KeyKind) ([]Group, error) {
	if !kind.valid() {
		return nil, eris.Wrapf(ErrInvalidRequest, "merge: key kind %q", kind)
	}

	where := `c.company_id=$1 AND NOT c.is_group`
	if kind == KindNumber {
		where += ` AND c.canonical_number IS NOT NULL`
	}
	rows, err := e.pool.Query(ctx, `SELECT `+contact.Columns+` FROM contacts c WHERE `+where+` ORDER BY c.id`, companyID)
	if err != nil {
		return nil, eris.Wrap(err, "merge: find groups")
	}
	defer rows.Close()

	contacts, err := contact.ScanRows(rows)
	if err != nil {
		return nil, eris.Wrap(err, "merge: find groups")
	}
	return groupContacts(contacts, kind), nil
}

func groupContacts(contacts []contact.Contact, kind KeyKind) []Group {
	byKey := make(map[string][]contact.Contact)
	for _, c := range contacts {
		if k := GroupKey(&c, kind); k != "" {
			byKey[k] = append(byKey[k], c)
		}
	}

	var groups []Group
	for k, members := range byKey {
		if len(members) < 2 {
			continue
		}
		groups = append(groups, Group{Key: Key{Kind: kind, Value: k}, Contacts: members})
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].Key.Value < groups[j].Key.Value })
	return groups
}
