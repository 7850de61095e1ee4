package tardis

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var sizePattern = regexp.MustCompile(`^(\d+(?:\.\d+)?)([KMG])?B?$`)

// ParseSize parses a human size like "40G", "512M", "1024" or "900KB" into
// a byte count. Unknown suffixes are rejected.
func ParseSize(s string) (int64, error) {
	m := sizePattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return 0, usageErrorf("invalid size %q", s)
	}

	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, usageErrorf("invalid size %q: %s", s, err)
	}

	var multiplier float64 = 1
	switch m[2] {
	case "K":
		multiplier = 1024
	case "M":
		multiplier = 1024 * 1024
	case "G":
		multiplier = 1024 * 1024 * 1024
	case "":
		multiplier = 1
	}

	return int64(value * multiplier), nil
}

// IsSize is the predicate form of ParseSize.
func IsSize(s string) bool {
	_, err := ParseSize(s)
	return err == nil
}

// FormatSize renders n bytes using the K/M/G vocabulary: truncating (not
// rounding) division, with the fractional ".0" stripped when the one
// decimal digit kept happens to be zero.
func FormatSize(n int64) string {
	const (
		kb = 1 << 10
		mb = 1 << 20
		gb = 1 << 30
	)

	switch {
	case n < kb:
		return fmt.Sprintf("%dB", n)
	case n < mb:
		return fmt.Sprintf("%dK", n/kb)
	case n < gb:
		return fmt.Sprintf("%sM", formatOneDecimal(n, mb))
	default:
		return fmt.Sprintf("%sG", formatOneDecimal(n, gb))
	}
}

// formatOneDecimal divides n by unit, keeps one decimal digit truncated
// (not rounded), and strips a trailing ".0".
func formatOneDecimal(n int64, unit int64) string {
	whole := n / unit
	remainder := n % unit
	tenths := remainder * 10 / unit

	if tenths == 0 {
		return strconv.FormatInt(whole, 10)
	}
	return fmt.Sprintf("%d.%d", whole, tenths)
}

// FormatMinutes breaks m minutes into weeks/days/hours/minutes, omitting
// zero components, pluralising with "s", joined by ", ".
func FormatMinutes(m int64) string {
	const (
		minutesPerHour = 60
		minutesPerDay  = minutesPerHour * 24
		minutesPerWeek = minutesPerDay * 7
	)

	weeks := m / minutesPerWeek
	m %= minutesPerWeek
	days := m / minutesPerDay
	m %= minutesPerDay
	hours := m / minutesPerHour
	m %= minutesPerHour
	minutes := m

	var parts []string
	parts = appendUnit(parts, weeks, "week")
	parts = appendUnit(parts, days, "day")
	parts = appendUnit(parts, hours, "hour")
	parts = appendUnit(parts, minutes, "minute")

	if len(parts) == 0 {
		return "0 minutes"
	}
	return strings.Join(parts, ", ")
}

func appendUnit(parts []string, n int64, unit string) []string {
	if n == 0 {
		return parts
	}
	if n == 1 {
		return append(parts, fmt.Sprintf("1 %s", unit))
	}
	return append(parts, fmt.Sprintf("%d %ss", n, unit))
}
