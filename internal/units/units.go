// Package units formats byte counts for human-readable output, the same
// convention kopia's cli package uses for transfer totals and estimates.
package units

import (
	"fmt"
	"strconv"
	"strings"
)

var decimalUnitNames = []string{"", "K", "M", "G", "T"}

// BytesStringBase10 formats n bytes using decimal (1000-based) units, e.g.
// "1.2 KB", "99 MB", "900 KB".
func BytesStringBase10(n int64) string {
	return toDecimalUnitString(float64(n), "B")
}

func toDecimalUnitString(f float64, suffix string) string {
	i := 0
	for f >= 900 && i < len(decimalUnitNames)-1 {
		f /= 1000
		i++
	}

	name := decimalUnitNames[len(decimalUnitNames)-1]
	if i < len(decimalUnitNames) {
		name = decimalUnitNames[i]
	}

	if i == 0 {
		return fmt.Sprintf("%v %v", int64(f), suffix)
	}

	s := strconv.FormatFloat(f, 'f', 1, 64)
	s = strings.TrimSuffix(s, ".0")

	return fmt.Sprintf("%v %v%v", s, name, suffix)
}
