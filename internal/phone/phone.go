// Package phone canonicalizes raw phone input into digit-only E.164 keys.
package phone

import (
	"strconv"
	"strings"

	"github.com/nyaruka/phonenumbers"
	"go.uber.org/zap"
)

// DefaultRegion is used when a Normalizer is built without a region.
const DefaultRegion = "BR"

// Digit-length bounds shared by the resolution components.
const (
	MinPassthroughDigits = 10
	MaxIdentifierDigits  = 20
	MaxPhoneDigits       = 13
	MinPhoneShapedDigits = 8
)

// Kind classifies a canonical value by its digit length.
type Kind int

const (
	// KindUnknown is an empty or out-of-range value.
	KindUnknown Kind = iota
	// KindPhone is a value of at most 13 digits.
	KindPhone
	// KindPlatformID is a 14 to 20 digit value, usually a LID or Meta ID.
	KindPlatformID
)

func (k Kind) String() string {
	switch k {
	case KindPhone:
		return "phone"
	case KindPlatformID:
		return "platform_id"
	default:
		return "unknown"
	}
}

// Result is the outcome of Normalize. Canonical is empty when the input could
// not be turned into a comparison key.
type Result struct {
	Canonical string
	Digits    string
	// Valid is true only when Canonical came from a strict E.164 parse.
	Valid bool
}

// Normalizer parses numbers against a default region.
type Normalizer struct {
	region      string
	countryCode string
}

// New creates a Normalizer for the given ISO region code.
func New(region string) *Normalizer {
	region = strings.ToUpper(strings.TrimSpace(region))
	if region == "" {
		region = DefaultRegion
	}
	n := &Normalizer{region: region}
	if cc := phonenumbers.GetCountryCodeForRegion(region); cc > 0 {
		n.countryCode = strconv.Itoa(cc)
	}
	return n
}

// Region returns the default region of the normalizer.
func (n *Normalizer) Region() string {
	return n.region
}

// Normalize strips separators, repairs a doubled country prefix and parses the
// result. Digit strings of 10 to 20 digits that are not valid numbers are
// passed through unchanged so platform identifiers keep a stable key.
func (n *Normalizer) Normalize(raw string) Result {
	digits := Digits(raw)
	if digits == "" {
		return Result{}
	}

	if canonical, ok := n.parse(digits); ok {
		return Result{Canonical: canonical, Digits: digits, Valid: true}
	}

	if collapsed, ok := n.collapseDoubledPrefix(digits); ok {
		if canonical, ok := n.parse(collapsed); ok {
			return Result{Canonical: canonical, Digits: digits, Valid: true}
		}
	}

	if len(digits) >= MinPassthroughDigits && len(digits) <= MaxIdentifierDigits {
		return Result{Canonical: digits, Digits: digits}
	}

	zap.L().Debug("phone: unparseable input",
		zap.String("raw", raw),
		zap.Int("digits", len(digits)),
	)
	return Result{Digits: digits}
}

// parse tries the default region first and then the international form.
func (n *Normalizer) parse(digits string) (string, bool) {
	if len(digits) > MaxIdentifierDigits {
		return "", false
	}
	if num, err := phonenumbers.Parse(digits, n.region); err == nil && phonenumbers.IsValidNumber(num) {
		return strings.TrimPrefix(phonenumbers.Format(num, phonenumbers.E164), "+"), true
	}
	if num, err := phonenumbers.Parse("+"+digits, ""); err == nil && phonenumbers.IsValidNumber(num) {
		return strings.TrimPrefix(phonenumbers.Format(num, phonenumbers.E164), "+"), true
	}
	return "", false
}

// collapseDoubledPrefix turns "5555..." into "55..." for the default region.
func (n *Normalizer) collapseDoubledPrefix(digits string) (string, bool) {
	if n.countryCode == "" {
		return "", false
	}
	if !strings.HasPrefix(digits, n.countryCode+n.countryCode) {
		return "", false
	}
	return digits[len(n.countryCode):], true
}

// Digits returns only the ASCII digits of s.
func Digits(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if c := s[i]; c >= '0' && c <= '9' {
			b.WriteByte(c)
		}
	}
	return b.String()
}

// Classify reports whether a canonical value is phone-shaped or a platform
// identifier, using digit length only.
func Classify(canonical string) Kind {
	switch l := len(Digits(canonical)); {
	case l == 0:
		return KindUnknown
	case l <= MaxPhoneDigits:
		return KindPhone
	case l <= MaxIdentifierDigits:
		return KindPlatformID
	default:
		return KindUnknown
	}
}

// IsPhoneShaped reports whether s has 8 to 13 digits.
func IsPhoneShaped(s string) bool {
	l := len(Digits(s))
	return l >= MinPhoneShapedDigits && l <= MaxPhoneDigits
}

// InStorableRange reports whether s has 10 to 20 digits, the range accepted
// for a concrete contact number.
func InStorableRange(s string) bool {
	l := len(Digits(s))
	return l >= MinPassthroughDigits && l <= MaxIdentifierDigits
}

// LastDigits returns the trailing n digits of s, or all of them if shorter.
func LastDigits(s string, n int) string {
	d := Digits(s)
	if len(d) <= n {
		return d
	}
	return d[len(d)-n:]
}
