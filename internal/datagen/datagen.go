// Package datagen produces synthetic sales exports with the kind of mess real
// retailer feeds carry: inconsistent casing and spacing, currency decorations,
// mixed date formats, and a controlled share of rows that must be rejected.
//
// Output is reproducible for a given seed.
package datagen

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/jszwec/csvutil"

	"salesetl/internal/sales"
)

// Options controls a Generator. Zero values take the defaults below.
type Options struct {
	Seed uint64

	// Products and Retailers size the catalogues rows are drawn from.
	Products  int // default 20
	Retailers int // default 6

	// DefectRate is the probability that a row carries exactly one defect
	// the cleaner must reject. Default 0.15; negative disables defects.
	DefectRate float64

	// Start and End bound sale dates. Default is calendar year 2024.
	Start, End time.Time
}

func (o Options) withDefaults() Options {
	if o.Products <= 0 {
		o.Products = 20
	}
	if o.Retailers <= 0 {
		o.Retailers = 6
	}
	if o.DefectRate == 0 {
		o.DefectRate = 0.15
	}
	if o.DefectRate < 0 {
		o.DefectRate = 0
	}
	if o.Start.IsZero() {
		o.Start = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	if o.End.IsZero() || !o.End.After(o.Start) {
		o.End = o.Start.AddDate(1, 0, -1)
	}
	return o
}

// Sample is a generated file body plus the rejections it was built to
// provoke, keyed by reason.
type Sample struct {
	Rows    []sales.RawSale
	Defects map[sales.Reason]int
}

// Generator draws rows from fixed product and retailer catalogues.
type Generator struct {
	f         *gofakeit.Faker
	opt       Options
	products  []sales.Product
	retailers []sales.Retailer
	next      int
}

var (
	channels = []string{"Online", "Retail", "Wholesale", "Marketplace"}

	// Layouts here must all be accepted by transform.DefaultDateLayouts.
	dateLayouts = []string{"02-01-06", "2006-01-02", "02/01/2006", "2-1-2006", "02.01.2006"}

	badQuantities = []string{"abc", "0", "-3", "2.5", "two"}
	badDates      = []string{"31-02-24", "2024-13-01", "not a date", "00/00/0000", "yesterday"}
)

// New builds a Generator and its catalogues.
func New(opt Options) *Generator {
	opt = opt.withDefaults()
	g := &Generator{f: gofakeit.New(opt.Seed), opt: opt}

	seen := make(map[string]struct{})
	for len(g.products) < opt.Products {
		name := g.f.ProductName()
		if hasKey(seen, name) {
			name = fmt.Sprintf("%s %d", name, len(g.products))
		}
		seen[strings.ToLower(name)] = struct{}{}
		g.products = append(g.products, sales.Product{
			Name:     name,
			Brand:    g.f.Company(),
			Category: g.f.ProductCategory(),
		})
	}

	seen = make(map[string]struct{})
	for len(g.retailers) < opt.Retailers {
		name := g.f.Company()
		if hasKey(seen, name) {
			name = fmt.Sprintf("%s %d", name, len(g.retailers))
		}
		seen[strings.ToLower(name)] = struct{}{}
		g.retailers = append(g.retailers, sales.Retailer{
			Name:     name,
			Channel:  channels[g.f.IntRange(0, len(channels)-1)],
			Location: g.f.City(),
		})
	}
	return g
}

func hasKey(m map[string]struct{}, name string) bool {
	_, ok := m[strings.ToLower(name)]
	return ok
}

// Generate returns n rows. Line numbers assume a header on line 1 and one
// physical line per row.
func (g *Generator) Generate(n int) Sample {
	s := Sample{
		Rows:    make([]sales.RawSale, 0, n),
		Defects: make(map[sales.Reason]int),
	}
	for i := 0; i < n; i++ {
		row := g.row()
		if g.f.Float64Range(0, 1) < g.opt.DefectRate {
			s.Defects[g.spoil(&row)]++
		}
		s.Rows = append(s.Rows, row)
	}
	return s
}

func (g *Generator) row() sales.RawSale {
	g.next++
	pi := g.f.IntRange(0, len(g.products)-1)
	p := g.products[pi]
	r := g.retailers[g.f.IntRange(0, len(g.retailers)-1)]
	day := g.f.DateRange(g.opt.Start, g.opt.End)

	return sales.RawSale{
		SaleID:       strconv.Itoa(g.next),
		ProductID:    strconv.Itoa(1000 + pi),
		ProductName:  g.scuff(p.Name),
		Brand:        g.scuff(p.Brand),
		Category:     p.Category,
		RetailerName: g.scuff(r.Name),
		Channel:      g.scuff(r.Channel),
		Location:     r.Location,
		Quantity:     strconv.Itoa(g.f.IntRange(1, 25)),
		Price:        g.decoratePrice(g.f.Price(0.5, 500)),
		Date:         day.Format(dateLayouts[g.f.IntRange(0, len(dateLayouts)-1)]),
		Line:         g.next + 1,
	}
}

// scuff changes casing and spacing but never the normalized value.
func (g *Generator) scuff(s string) string {
	switch g.f.IntRange(0, 5) {
	case 0:
		return strings.ToUpper(s)
	case 1:
		return strings.ToLower(s)
	case 2:
		return "  " + s + " "
	case 3:
		return strings.Join(strings.Fields(s), "   ")
	default:
		return s
	}
}

func (g *Generator) decoratePrice(v float64) string {
	amount := strconv.FormatFloat(v, 'f', 2, 64)
	switch g.f.IntRange(0, 5) {
	case 0:
		return "$" + amount
	case 1:
		return amount + " EUR"
	case 2:
		return "€" + amount
	case 3:
		return " " + amount + " "
	default:
		return amount
	}
}

// spoil applies one defect to row and reports the reason the cleaner is
// expected to give. Defects are chosen so that earlier checks still pass.
func (g *Generator) spoil(row *sales.RawSale) sales.Reason {
	switch g.f.IntRange(0, 5) {
	case 0:
		row.Quantity = badQuantities[g.f.IntRange(0, len(badQuantities)-1)]
		return sales.ReasonInvalidQuantity
	case 1:
		row.Price = "-" + strings.TrimSpace(strings.TrimLeft(row.Price, "$€ "))
		return sales.ReasonInvalidPrice
	case 2:
		row.Price = ""
		return sales.ReasonInvalidPrice
	case 3:
		row.Date = badDates[g.f.IntRange(0, len(badDates)-1)]
		return sales.ReasonInvalidDate
	case 4:
		row.ProductName = strings.Repeat(" ", g.f.IntRange(0, 2))
		return sales.ReasonMissingProduct
	default:
		row.RetailerName = ""
		return sales.ReasonMissingRetailer
	}
}

// Write encodes rows as CSV with a header, using delimiter between fields.
func Write(w io.Writer, rows []sales.RawSale, delimiter rune) error {
	cw := csv.NewWriter(w)
	cw.Comma = delimiter
	enc := csvutil.NewEncoder(cw)
	if len(rows) == 0 {
		if err := enc.EncodeHeader(sales.RawSale{}); err != nil {
			return fmt.Errorf("write header: %w", err)
		}
	}
	for _, r := range rows {
		if err := enc.Encode(r); err != nil {
			return fmt.Errorf("write line %d: %w", r.Line, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteFile writes rows to path, replacing any existing file.
func WriteFile(path string, rows []sales.RawSale, delimiter rune) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := Write(f, rows, delimiter); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
