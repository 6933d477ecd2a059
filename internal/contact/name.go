package contact

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// NameKey folds a display name into a comparison key: NFKC normalized, case
// folded, with whitespace runs collapsed. Names with the same key are equal
// for name matching and duplicate grouping.
func NameKey(name string) string {
	// Casers carry state and are not shared between goroutines.
	folded := cases.Fold().String(norm.NFKC.String(name))
	return strings.Join(strings.Fields(folded), " ")
}

// IsPlaceholderName reports whether name is empty or only spells one of the
// contact's numbers, e.g. "+55 11 99876-5432". Pass the raw and the
// canonical number; empty numbers are ignored.
func IsPlaceholderName(name string, numbers ...string) bool {
	n := strings.TrimSpace(name)
	if n == "" {
		return true
	}
	var digits strings.Builder
	for _, r := range n {
		switch {
		case unicode.IsLetter(r):
			return false
		case r >= '0' && r <= '9':
			digits.WriteRune(r)
		}
	}
	if digits.Len() == 0 {
		return false
	}
	for _, number := range numbers {
		if number != "" && digits.String() == number {
			return true
		}
	}
	return false
}
