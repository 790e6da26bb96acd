package notification

import (
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

const ellipsis = "..."

var (
	boldRe       = regexp.MustCompile(`\*\*(.+?)\*\*`)
	spaceRe      = regexp.MustCompile(`\s+`)
	blankLinesRe = regexp.MustCompile(`\n{3,}`)
	nonDigitRe   = regexp.MustCompile(`\D`)
)

// stripBold removes **bold** markers.
func stripBold(s string) string { return boldRe.ReplaceAllString(s, "$1") }

// boldAs rewrites **x** with the medium's own marker, e.g. "*" for WhatsApp.
func boldAs(s, marker string) string {
	return boldRe.ReplaceAllString(s, marker+"${1}"+marker)
}

// collapseWhitespace joins all whitespace runs into single spaces.
func collapseWhitespace(s string) string {
	return strings.TrimSpace(spaceRe.ReplaceAllString(s, " "))
}

// collapseBlankLines limits consecutive newlines to two.
func collapseBlankLines(s string) string {
	return strings.TrimSpace(blankLinesRe.ReplaceAllString(s, "\n\n"))
}

// truncate cuts s to at most max runes, ending with an ellipsis when cut.
func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	if max <= len(ellipsis) {
		return string([]rune(s)[:max])
	}
	return string([]rune(s)[:max-len(ellipsis)]) + ellipsis
}

// splitTitle returns the first line without bold markers and the remaining lines.
func splitTitle(msg string) (title, body string) {
	msg = strings.TrimSpace(msg)
	title, body, _ = strings.Cut(msg, "\n")
	return strings.TrimSpace(stripBold(title)), strings.TrimSpace(body)
}

// Azerbaijani mobile operator prefixes for 9-digit local numbers.
var localMobilePrefixes = []string{"10", "50", "51", "55", "60", "70", "77", "99"}

const countryCode = "994"

// NormalizePhone returns +<digits> in international form, or "" when phone
// has no digits. A 9-digit local mobile gets the 994 country code; a
// leading trunk 0 is dropped first.
func NormalizePhone(phone string) string {
	digits := nonDigitRe.ReplaceAllString(phone, "")
	if digits == "" {
		return ""
	}
	if strings.HasPrefix(digits, "00") {
		digits = digits[2:]
	} else if len(digits) == 10 && digits[0] == '0' {
		digits = digits[1:]
	}
	if len(digits) == 9 {
		for _, p := range localMobilePrefixes {
			if strings.HasPrefix(digits, p) {
				digits = countryCode + digits
				break
			}
		}
	}
	return "+" + digits
}

func trimSlash(s string) string { return strings.TrimRight(s, "/") }

func itoa(n int64) string { return strconv.FormatInt(n, 10) }
