package ledger

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Bill number prefixes.
const (
	PurchaseBillPrefix = "PB"
	SalesBillPrefix    = "SB"
)

const fallbackNumberLayout = "20060102150405"

// NextBillNumber returns the number following last in the PREFIX-NNNN
// sequence. When there is no previous number, or its suffix is not a plain
// integer, a timestamp based number built from now is returned instead.
func NextBillNumber(prefix, last string, now time.Time) string {
	seq, ok := parseSequence(prefix, last)
	if !ok {
		return prefix + "-" + now.UTC().Format(fallbackNumberLayout)
	}
	return fmt.Sprintf("%s-%04d", prefix, seq+1)
}

func parseSequence(prefix, number string) (int64, bool) {
	suffix, found := strings.CutPrefix(strings.TrimSpace(number), prefix+"-")
	if !found || suffix == "" {
		return 0, false
	}
	for _, r := range suffix {
		if r < '0' || r > '9' {
			return 0, false
		}
	}
	seq, err := strconv.ParseInt(suffix, 10, 64)
	if err != nil {
		return 0, false
	}
	return seq, true
}
