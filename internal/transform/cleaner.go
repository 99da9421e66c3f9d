// Package transform validates and normalizes raw sales rows. Every row ends
// up either as a sales.Sale or as a sales.Rejection; nothing in this package
// returns an error for bad data.
package transform

import (
	"crypto/sha256"
	"errors"
	"slices"
	"fmt"
	"strings"
	"unicode/utf16"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"salesetl/internal/logging"
	"salesetl/internal/sales"
)

// PricePolicy decides what happens to a row whose price is missing or
// unparsable. Negative prices are always rejected.
type PricePolicy string

const (
	PriceReject PricePolicy = "reject"
	PriceZero   PricePolicy = "zero"
)

// DefaultDateLayouts is used when Options.DateLayouts is empty. Day-first
// layouts come first so they win ambiguous input.
var DefaultDateLayouts = []string{
	"02-01-06",
	"2006-01-02",
	"02-01-2006",
	"02/01/2006",
	"2006/01/02",
	"2-1-2006",
	"02.01.2006",
}

// Options configures a Cleaner.
type Options struct {
	PricePolicy PricePolicy
	DateLayouts []string

	// DedupeRows rejects rows identical to an earlier accepted row.
	DedupeRows bool

	// Logger defaults to the global logger.
	Logger *zerolog.Logger
}

// RowResult is the outcome for one raw row. Exactly one of Sale and
// Rejection is meaningful.
type RowResult struct {
	Sale      sales.Sale
	Rejection *sales.Rejection
}

func (r RowResult) OK() bool { return r.Rejection == nil }

// Cleaner turns raw rows into sales. It is stateful when DedupeRows is set,
// so use one Cleaner per run and from one goroutine.
type Cleaner struct {
	opt  Options
	text *textNormalizer
	log  zerolog.Logger
	seen map[[sha256.Size]byte]struct{}
}

func NewCleaner(opt Options) *Cleaner {
	if opt.PricePolicy == "" {
		opt.PricePolicy = PriceReject
	}
	if len(opt.DateLayouts) == 0 {
		opt.DateLayouts = DefaultDateLayouts
	}
	log := logging.Logger
	if opt.Logger != nil {
		log = *opt.Logger
	}
	return &Cleaner{
		opt:  opt,
		text: newTextNormalizer(),
		log:  log,
		seen: make(map[[sha256.Size]byte]struct{}),
	}
}

// Row cleans one record. Checks run in a fixed order (quantity, price, date,
// product name, retailer name, text widths) and the first failure is the
// rejection reason.
func (c *Cleaner) Row(raw sales.RawSale) RowResult {
	s := sales.Sale{
		Line:   raw.Line,
		SaleID: strings.TrimSpace(raw.SaleID),
		Product: sales.Product{
			Name:     c.text.Normalize(raw.ProductName),
			Brand:    c.text.Normalize(raw.Brand),
			Category: c.text.Normalize(raw.Category),
		},
		Retailer: sales.Retailer{
			Name:     c.text.Normalize(raw.RetailerName),
			Channel:  c.text.Normalize(raw.Channel),
			Location: c.text.Normalize(raw.Location),
		},
	}

	qty, err := ParseQuantity(raw.Quantity)
	if err != nil {
		return reject(raw, sales.ReasonInvalidQuantity, sales.ColQuantity, raw.Quantity, err)
	}
	s.Quantity = qty

	price, err := ParsePrice(raw.Price)
	switch {
	case err == nil:
		s.Price = price
	case c.opt.PricePolicy == PriceZero && (errors.Is(err, ErrMissing) || errors.Is(err, errUnparsablePrice)):
		s.Price = decimal.Zero
	default:
		return reject(raw, sales.ReasonInvalidPrice, sales.ColPrice, raw.Price, err)
	}

	day, err := ParseDate(raw.Date, c.opt.DateLayouts)
	if err != nil {
		return reject(raw, sales.ReasonInvalidDate, sales.ColDate, raw.Date, err)
	}
	s.Date = sales.NewDate(day)

	if s.Product.Name == "" {
		return reject(raw, sales.ReasonMissingProduct, sales.ColProductName, raw.ProductName, ErrMissing)
	}
	if s.Retailer.Name == "" {
		return reject(raw, sales.ReasonMissingRetailer, sales.ColRetailerName, raw.RetailerName, ErrMissing)
	}
	for _, f := range []struct {
		col, raw, clean string
		max             int
	}{
		{sales.ColSaleID, raw.SaleID, s.SaleID, sales.MaxSaleIDLen},
		{sales.ColProductName, raw.ProductName, s.Product.Name, sales.MaxTextLen},
		{sales.ColBrand, raw.Brand, s.Product.Brand, sales.MaxTextLen},
		{sales.ColCategory, raw.Category, s.Product.Category, sales.MaxTextLen},
		{sales.ColRetailerName, raw.RetailerName, s.Retailer.Name, sales.MaxTextLen},
		{sales.ColChannel, raw.Channel, s.Retailer.Channel, sales.MaxTextLen},
		{sales.ColLocation, raw.Location, s.Retailer.Location, sales.MaxTextLen},
	} {
		if n := textWidth(f.clean); n > f.max {
			return reject(raw, sales.ReasonTooLong, f.col, f.raw, fmt.Errorf("%d characters, limit %d", n, f.max))
		}
	}

	if c.opt.DedupeRows {
		fp := fingerprint(s)
		if _, dup := c.seen[fp]; dup {
			return RowResult{Rejection: &sales.Rejection{
				Line:   raw.Line,
				Reason: sales.ReasonDuplicate,
				Detail: "identical to an earlier row",
			}}
		}
		c.seen[fp] = struct{}{}
	}

	return RowResult{Sale: s}
}

// textWidth counts UTF-16 code units, which is what nvarchar limits. It is
// never less than the rune count that varchar limits on Postgres.
func textWidth(s string) int {
	n := 0
	for _, r := range s {
		n += utf16.RuneLen(r)
	}
	return n
}

func reject(raw sales.RawSale, reason sales.Reason, field, value string, err error) RowResult {
	return RowResult{Rejection: &sales.Rejection{
		Line:   raw.Line,
		Reason: reason,
		Field:  field,
		Value:  value,
		Detail: err.Error(),
	}}
}

// Clean runs Row over rows and gathers the distinct dimension values of the
// accepted sales in first-seen order. Rejections from extraction can be
// passed as prior; all rejections come back ordered by line.
func (c *Cleaner) Clean(rows []sales.RawSale, prior ...sales.Rejection) *Batch {
	b := &Batch{
		Rejected: append([]sales.Rejection(nil), prior...),
	}
	products := make(map[string]int)
	retailers := make(map[string]int)
	dates := make(map[string]struct{})

	for _, raw := range rows {
		res := c.Row(raw)
		if !res.OK() {
			b.Rejected = append(b.Rejected, *res.Rejection)
			continue
		}
		s := res.Sale
		b.Accepted = append(b.Accepted, s)

		if i, ok := products[s.Product.Key()]; !ok {
			products[s.Product.Key()] = len(b.Products)
			b.Products = append(b.Products, s.Product)
		} else if b.Products[i] != s.Product {
			b.Conflicts++
			c.log.Warn().
				Int("line", s.Line).
				Str("product", s.Product.Name).
				Str("kept_brand", b.Products[i].Brand).
				Str("kept_category", b.Products[i].Category).
				Str("brand", s.Product.Brand).
				Str("category", s.Product.Category).
				Msg("product attributes differ from first occurrence; keeping first")
		}

		if i, ok := retailers[s.Retailer.Key()]; !ok {
			retailers[s.Retailer.Key()] = len(b.Retailers)
			b.Retailers = append(b.Retailers, s.Retailer)
		} else if b.Retailers[i] != s.Retailer {
			b.Conflicts++
			c.log.Warn().
				Int("line", s.Line).
				Str("retailer", s.Retailer.Name).
				Str("kept_channel", b.Retailers[i].Channel).
				Str("kept_location", b.Retailers[i].Location).
				Str("channel", s.Retailer.Channel).
				Str("location", s.Retailer.Location).
				Msg("retailer attributes differ from first occurrence; keeping first")
		}

		if _, ok := dates[s.Date.Key()]; !ok {
			dates[s.Date.Key()] = struct{}{}
			b.Dates = append(b.Dates, s.Date)
		}
	}

	slices.SortStableFunc(b.Rejected, func(x, y sales.Rejection) int { return x.Line - y.Line })
	for _, r := range b.Rejected {
		c.log.Warn().
			Int("line", r.Line).
			Str("reason", string(r.Reason)).
			Str("field", r.Field).
			Str("value", r.Value).
			Str("detail", r.Detail).
			Msg("row rejected")
	}
	return b
}
