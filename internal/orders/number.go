package orders

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Order numbers are human-referenceable: ORD-YYYYMMDD-NNNN with a 4-digit
// sequence that resets daily.
const numberPrefix = "ORD"

// NumberFor formats the order number for the given day and daily sequence.
func NumberFor(day time.Time, seq int) string {
	return fmt.Sprintf("%s-%s-%04d", numberPrefix, day.UTC().Format("20060102"), seq)
}

// DayPrefix returns the matching prefix for all order numbers of a day,
// usable in a LIKE scan when computing the next sequence.
func DayPrefix(day time.Time) string {
	return fmt.Sprintf("%s-%s-", numberPrefix, day.UTC().Format("20060102"))
}

// SequenceOf extracts the daily sequence from an order number. Returns 0 for
// anything that does not parse.
func SequenceOf(number string) int {
	parts := strings.Split(number, "-")
	if len(parts) != 3 {
		return 0
	}
	n, err := strconv.Atoi(parts[2])
	if err != nil {
		return 0
	}
	return n
}
