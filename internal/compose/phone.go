package compose

import (
	"regexp"
	"strings"
)

var phoneSeparators = regexp.MustCompile(`[\s\-.()]`)

// minPhoneDigits is the shortest number accepted as a recipient.
const minPhoneDigits = 10

// NormalizePhone turns a customer-entered phone number into the bare
// international form used by the channel ("33612345678").
//
// A leading "+" is dropped and a national "0" prefix is replaced by
// countryCode. ok is false when nothing usable remains.
func NormalizePhone(raw, countryCode string) (phone string, ok bool) {
	p := phoneSeparators.ReplaceAllString(strings.TrimSpace(raw), "")
	p = strings.TrimPrefix(p, "+")
	if strings.HasPrefix(p, "00") {
		p = p[2:]
	}
	if strings.HasPrefix(p, "0") && countryCode != "" {
		p = countryCode + p[1:]
	}
	if len(p) < minPhoneDigits {
		return "", false
	}
	for _, r := range p {
		if r < '0' || r > '9' {
			return "", false
		}
	}
	return p, true
}
