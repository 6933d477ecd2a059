package merge

import "github.com/sells-group/contact-identity/internal/contact"

// ApplyFields copies dup's values into master wherever master is empty and
// returns the names of the fields it filled. A non-empty master value is
// never overwritten, except a name that is empty or only spells the
// master's own number.
func ApplyFields(master, dup *contact.Contact) []string {
	var filled []string
	fill := func(name string, dst *string, src string) {
		if *dst == "" && src != "" {
			*dst = src
			filled = append(filled, name)
		}
	}

	if contact.IsPlaceholderName(master.Name, master.Number, master.Canonical()) &&
		!contact.IsPlaceholderName(dup.Name, dup.Number, dup.Canonical()) {
		master.Name = dup.Name
		filled = append(filled, "name")
	}
	fill("email", &master.Email, dup.Email)
	fill("profile_pic_url", &master.ProfilePicURL, dup.ProfilePicURL)
	fill("language", &master.Language, dup.Language)

	if master.Canonical() == "" && dup.Canonical() != "" {
		master.CanonicalNumber = contact.Ptr(dup.Canonical())
		master.Number = dup.Number
		filled = append(filled, "canonical_number")
	}
	if master.LID() == "" && dup.LID() != "" {
		master.LidJID = contact.Ptr(dup.LID())
		filled = append(filled, "lid_jid")
	}
	if master.Remote() == "" && dup.Remote() != "" {
		master.RemoteJID = contact.Ptr(dup.Remote())
		filled = append(filled, "remote_jid")
	}
	return filled
}
