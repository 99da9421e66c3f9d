package transform

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/shopspring/decimal"
)

// ErrMissing marks an empty field.
var ErrMissing = errors.New("missing value")

var (
	errNotNumber   = errors.New("not a number")
	errNotWhole    = errors.New("not a whole number")
	errNotPositive = errors.New("must be positive")
	errNegative    = errors.New("negative")
	errTooLarge    = errors.New("too large")
)

var maxPrice = decimal.New(1, 10) // numeric(12,2) holds values below 10^10

var (
	// 1200, 1,200, 3.0 and 1,200.00
	wholeQuantity = regexp.MustCompile(`^(\d{1,3}(,\d{3})+|\d+)(\.0+)?$`)
	// 2.5 and 1,5
	fractionalQuantity = regexp.MustCompile(`^\d+[.,]\d+$`)

	plainAmount      = regexp.MustCompile(`^\d+(\.\d+)?$`)
	commaGrouped     = regexp.MustCompile(`^\d{1,3}(,\d{3})+(\.\d+)?$`)
	dotGroupedComma  = regexp.MustCompile(`^\d{1,3}(\.\d{3})+,\d{1,2}$`)
	decimalCommaOnly = regexp.MustCompile(`^\d+,\d{1,2}$`)
)

// ParseQuantity coerces s to a positive integer. It accepts a leading '+',
// comma thousands separators in groups of three and integral decimals such
// as "3.0". Anything else, exponents included, is rejected.
func ParseQuantity(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, ErrMissing
	}
	neg := false
	switch {
	case strings.HasPrefix(s, "+"):
		s = s[1:]
	case strings.HasPrefix(s, "-"):
		neg, s = true, s[1:]
	}

	if !wholeQuantity.MatchString(s) {
		if fractionalQuantity.MatchString(s) {
			return 0, errNotWhole
		}
		return 0, errNotNumber
	}
	if i := strings.IndexByte(s, '.'); i >= 0 {
		s = s[:i]
	}
	d, err := decimal.NewFromString(strings.ReplaceAll(s, ",", ""))
	if err != nil {
		return 0, errNotNumber
	}
	if neg || !d.IsPositive() {
		return 0, errNotPositive
	}
	if d.GreaterThan(decimal.NewFromInt(math.MaxInt32)) {
		return 0, errTooLarge
	}
	return int(d.IntPart()), nil
}

// errUnparsablePrice is returned for text that is not an amount at all, as
// opposed to a negative or oversized amount.
var errUnparsablePrice = errors.New("not a price")

// ParsePrice coerces s to a non-negative amount rounded to cents (half away
// from zero). Currency symbols and codes at either end are dropped: "$1,234.50",
// "EUR 12.00" and "12.00 €" all parse. Commas group thousands only in groups
// of three. A comma followed by one or two digits is a decimal comma, either
// alone ("9,99") or after dot grouping ("1.234,56").
//
// Empty input returns ErrMissing and text that is not an amount returns an
// error wrapping errUnparsablePrice; both are subject to the price policy.
func ParsePrice(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, ErrMissing
	}

	neg := false
	if strings.HasPrefix(s, "-") {
		neg, s = true, s[1:]
	}
	s = strings.TrimFunc(s, isCurrencyRune)
	if strings.HasPrefix(s, "-") {
		neg, s = true, strings.TrimLeftFunc(s[1:], unicode.IsSpace)
	}
	if s == "" {
		return decimal.Zero, fmt.Errorf("%w: no digits", errUnparsablePrice)
	}
	for _, r := range s {
		if !(r >= '0' && r <= '9') && r != '.' && r != ',' {
			return decimal.Zero, fmt.Errorf("%w: unexpected %q", errUnparsablePrice, r)
		}
	}

	plain, ok := canonicalAmount(s)
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: bad grouping in %q", errUnparsablePrice, s)
	}
	d, err := decimal.NewFromString(plain)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", errUnparsablePrice, err)
	}
	if neg && !d.IsZero() {
		return decimal.Zero, errNegative
	}
	d = d.Round(2)
	if d.GreaterThanOrEqual(maxPrice) {
		return decimal.Zero, errTooLarge
	}
	return d, nil
}

func isCurrencyRune(r rune) bool {
	return unicode.IsSpace(r) || unicode.IsLetter(r) || unicode.Is(unicode.Sc, r)
}

// canonicalAmount rewrites a digits-and-separators amount into plain
// "1234.56" form. It reports false when the separators are not one of the
// accepted layouts.
func canonicalAmount(s string) (string, bool) {
	switch {
	case plainAmount.MatchString(s):
		return s, true
	case commaGrouped.MatchString(s):
		return strings.ReplaceAll(s, ",", ""), true
	case dotGroupedComma.MatchString(s):
		return strings.Replace(strings.ReplaceAll(s, ".", ""), ",", ".", 1), true
	case decimalCommaOnly.MatchString(s):
		return strings.Replace(s, ",", ".", 1), true
	}
	return "", false
}

// ParseDate tries layouts in order and returns the calendar date of the
// first match at midnight UTC.
func ParseDate(s string, layouts []string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, ErrMissing
	}
	for _, layout := range layouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), nil
		}
	}
	return time.Time{}, fmt.Errorf("matches none of %d layouts", len(layouts))
}
