package payments

import (
	"fmt"
	"strings"
)

// FormatAmount renders an amount in minor units as a human-readable decimal
// string with thousands separators, e.g. 1234567 -> "12.345,67".
func FormatAmount(minor int64) string {
	negative := minor < 0
	if negative {
		minor = -minor
	}
	whole := minor / 100
	cents := minor % 100

	digits := fmt.Sprintf("%d", whole)
	var b strings.Builder
	if negative {
		b.WriteByte('-')
	}
	for i, d := range digits {
		if i > 0 && (len(digits)-i)%3 == 0 {
			b.WriteByte('.')
		}
		b.WriteRune(d)
	}
	fmt.Fprintf(&b, ",%02d", cents)
	return b.String()
}
