package money

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Amounts are naira stored as int64 kobo (1 NGN = 100 kobo). The wire format
// is a plain decimal string with at most two fractional digits ("2500.00").

var (
	ErrInvalidAmount  = errors.New("invalid amount")
	ErrNegativeAmount = errors.New("amount must be positive")
)

// MaxTransferKobo is the per-transaction cap: NGN 10,000,000.
const MaxTransferKobo int64 = 10_000_000 * 100

// ParseKobo parses a decimal string like "2500" or "2500.50" into kobo.
// More than two fractional digits is rejected rather than rounded.
func ParseKobo(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, ErrInvalidAmount
	}

	negative := false
	if s[0] == '+' || s[0] == '-' {
		negative = s[0] == '-'
		s = s[1:]
	}

	whole, frac, _ := strings.Cut(s, ".")
	if whole == "" {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	if len(frac) > 2 {
		return 0, fmt.Errorf("%w: more than 2 decimal places in %q", ErrInvalidAmount, s)
	}

	naira, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}

	var kobo int64
	if frac != "" {
		// Pad "5" to "50" so "2500.5" means 50 kobo.
		for len(frac) < 2 {
			frac += "0"
		}
		kobo, err = strconv.ParseInt(frac, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
		}
	}

	total := naira*100 + kobo
	if negative {
		total = -total
	}
	return total, nil
}

// FormatKobo renders kobo as the canonical two-decimal wire string.
// This exact rendering also feeds the transaction hash, so both endpoints
// must agree on it byte for byte.
func FormatKobo(kobo int64) string {
	sign := ""
	if kobo < 0 {
		sign = "-"
		kobo = -kobo
	}
	return fmt.Sprintf("%s%d.%02d", sign, kobo/100, kobo%100)
}
