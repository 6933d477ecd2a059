package merge

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/contact-identity/internal/contact"
)

func TestApplyFields(t *testing.T) {
	tests := []struct {
		name       string
		master     contact.Contact
		dup        contact.Contact
		want       contact.Contact
		wantFilled []string
	}{
		{
			name:       "fills empty email",
			master:     contact.Contact{ID: 1, Name: "Maria", Number: "5511998765432"},
			dup:        contact.Contact{ID: 2, Name: "Maria S", Number: "11998765432", Email: "a@b.com"},
			want:       contact.Contact{ID: 1, Name: "Maria", Number: "5511998765432", Email: "a@b.com"},
			wantFilled: []string{"email"},
		},
		{
			name:   "never overwrites non-empty values",
			master: contact.Contact{ID: 1, Name: "Maria", Number: "5511998765432", Email: "m@x.com", Language: "pt"},
			dup:    contact.Contact{ID: 2, Name: "Other", Number: "11998765432", Email: "a@b.com", Language: "en"},
			want:   contact.Contact{ID: 1, Name: "Maria", Number: "5511998765432", Email: "m@x.com", Language: "pt"},
		},
		{
			name:       "replaces empty name",
			master:     contact.Contact{ID: 1, Number: "5511998765432"},
			dup:        contact.Contact{ID: 2, Name: "Maria", Number: "11998765432"},
			want:       contact.Contact{ID: 1, Name: "Maria", Number: "5511998765432"},
			wantFilled: []string{"name"},
		},
		{
			name:       "replaces name that spells the number",
			master:     contact.Contact{ID: 1, Name: "+55 11 99876-5432", Number: "5511998765432"},
			dup:        contact.Contact{ID: 2, Name: "Maria", Number: "11998765432"},
			want:       contact.Contact{ID: 1, Name: "Maria", Number: "5511998765432"},
			wantFilled: []string{"name"},
		},
		{
			name: "replaces name that spells the canonical number",
			master: contact.Contact{ID: 1, Name: "+55 11 99876-5432", Number: "11998765432",
				CanonicalNumber: contact.Ptr("5511998765432")},
			dup: contact.Contact{ID: 2, Name: "Maria", Number: "5511998765432",
				CanonicalNumber: contact.Ptr("5511998765432")},
			want: contact.Contact{ID: 1, Name: "Maria", Number: "11998765432",
				CanonicalNumber: contact.Ptr("5511998765432")},
			wantFilled: []string{"name"},
		},
		{
			name:   "keeps placeholder name when duplicate only has one too",
			master: contact.Contact{ID: 1, Name: "5511998765432", Number: "5511998765432"},
			dup:    contact.Contact{ID: 2, Name: "11998765432", Number: "11998765432"},
			want:   contact.Contact{ID: 1, Name: "5511998765432", Number: "5511998765432"},
		},
		{
			name:   "pending master takes canonical number and identifiers",
			master: contact.Contact{ID: 1, Name: "Maria", Number: "123456789012345"},
			dup: contact.Contact{ID: 2, Name: "Maria", Number: "5511998765432",
				CanonicalNumber: contact.Ptr("5511998765432"), LidJID: contact.Ptr("123456789012345@lid"),
				RemoteJID: contact.Ptr("5511998765432@s.whatsapp.net"), ProfilePicURL: "https://pic"},
			want: contact.Contact{ID: 1, Name: "Maria", Number: "5511998765432",
				CanonicalNumber: contact.Ptr("5511998765432"), LidJID: contact.Ptr("123456789012345@lid"),
				RemoteJID: contact.Ptr("5511998765432@s.whatsapp.net"), ProfilePicURL: "https://pic"},
			wantFilled: []string{"profile_pic_url", "canonical_number", "lid_jid", "remote_jid"},
		},
		{
			name: "keeps master identifiers",
			master: contact.Contact{ID: 1, Number: "5511998765432", CanonicalNumber: contact.Ptr("5511998765432"),
				LidJID: contact.Ptr("1@lid")},
			dup: contact.Contact{ID: 2, Number: "11998765432", CanonicalNumber: contact.Ptr("5511998765432"),
				LidJID: contact.Ptr("2@lid")},
			want: contact.Contact{ID: 1, Number: "5511998765432", CanonicalNumber: contact.Ptr("5511998765432"),
				LidJID: contact.Ptr("1@lid")},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			master := tt.master
			filled := ApplyFields(&master, &tt.dup)
			assert.Equal(t, tt.want, master)
			assert.Equal(t, tt.wantFilled, filled)
		})
	}
}

func TestGroupKey(t *testing.T) {
	tests := []struct {
		name string
		c    contact.Contact
		kind KeyKind
		want string
	}{
		{"number uses canonical", contact.Contact{Number: "11998765432", CanonicalNumber: contact.Ptr("5511998765432")}, KindNumber, "5511998765432"},
		{"pending has no number key", contact.Contact{Number: "123456789012345"}, KindNumber, ""},
		{"group never groups", contact.Contact{Number: "1203", IsGroup: true, CanonicalNumber: contact.Ptr("1203")}, KindNumber, ""},
		{"name folds case and spaces", contact.Contact{Name: "  Maria   SILVA ", Number: "1"}, KindName, "maria silva"},
		{"placeholder name has no key", contact.Contact{Name: "5511998765432", Number: "5511998765432"}, KindName, ""},
		{"canonical placeholder has no key", contact.Contact{Name: "+55 11 99876-5432", Number: "11998765432",
			CanonicalNumber: contact.Ptr("5511998765432")}, KindName, ""},
		{"name folds sharp s", contact.Contact{Name: "Strauß", Number: "1"}, KindName, "strauss"},
		{"unknown kind", contact.Contact{Name: "Maria"}, KeyKind("email"), ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, GroupKey(&tt.c, tt.kind))
		})
	}
}

func TestKey_Normalize(t *testing.T) {
	assert.Equal(t, Key{Kind: KindNumber, Value: "5511998765432"}, Key{Kind: KindNumber, Value: "+55 (11) 99876-5432"}.Normalize())
	assert.Equal(t, Key{Kind: KindName, Value: "maria silva"}, Key{Kind: KindName, Value: "Maria  Silva"}.Normalize())
	assert.Equal(t, "name:maria silva", Key{Kind: KindName, Value: "maria silva"}.String())
}

func TestGroupContacts(t *testing.T) {
	contacts := []contact.Contact{
		{ID: 1, Name: "Maria", Number: "5511998765432", CanonicalNumber: contact.Ptr("5511998765432")},
		{ID: 2, Name: "maria", Number: "11998765432", CanonicalNumber: contact.Ptr("5511998765432")},
		{ID: 3, Name: "João", Number: "5521987654321", CanonicalNumber: contact.Ptr("5521987654321")},
		{ID: 4, Name: "JOÃO", Number: "123456789012345"},
	}

	byNumber := groupContacts(contacts, KindNumber)
	assert.Len(t, byNumber, 1)
	assert.Equal(t, []int64{1, 2}, byNumber[0].IDs())

	byName := groupContacts(contacts, KindName)
	assert.Len(t, byName, 2)
	assert.Equal(t, "joão", byName[0].Key.Value)
	assert.Equal(t, []int64{3, 4}, byName[0].IDs())
	assert.Equal(t, "maria", byName[1].Key.Value)
	assert.Equal(t, []int64{1, 2}, byName[1].IDs())
}

func TestGroupContacts_FoldedNames(t *testing.T) {
	contacts := []contact.Contact{
		{ID: 1, Name: "Strauß", Number: "5511998765432", CanonicalNumber: contact.Ptr("5511998765432")},
		{ID: 2, Name: "Strauss", Number: "5521987654321", CanonicalNumber: contact.Ptr("5521987654321")},
		{ID: 3, Name: "ﬁona", Number: "5531987654321", CanonicalNumber: contact.Ptr("5531987654321")},
		{ID: 4, Name: "Fiona", Number: "5541987654321", CanonicalNumber: contact.Ptr("5541987654321")},
	}

	byName := groupContacts(contacts, KindName)
	assert.Len(t, byName, 2)
	assert.Equal(t, "fiona", byName[0].Key.Value)
	assert.Equal(t, []int64{3, 4}, byName[0].IDs())
	assert.Equal(t, "strauss", byName[1].Key.Value)
	assert.Equal(t, []int64{1, 2}, byName[1].IDs())
}
