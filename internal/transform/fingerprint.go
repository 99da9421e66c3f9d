package transform

import (
	"crypto/sha256"
	"strconv"
	"strings"

	"salesetl/internal/sales"
)

const fieldSep = "\x1f"

// fingerprint is a SHA-256 over the cleaned fields of s in a fixed order,
// each written as name=value. Two rows share a fingerprint only if they are
// identical after cleaning, SaleID included.
func fingerprint(s sales.Sale) [sha256.Size]byte {
	fields := [...]struct{ name, value string }{
		{sales.ColSaleID, s.SaleID},
		{sales.ColProductName, s.Product.Name},
		{sales.ColBrand, s.Product.Brand},
		{sales.ColCategory, s.Product.Category},
		{sales.ColRetailerName, s.Retailer.Name},
		{sales.ColChannel, s.Retailer.Channel},
		{sales.ColLocation, s.Retailer.Location},
		{sales.ColQuantity, strconv.Itoa(s.Quantity)},
		{sales.ColPrice, s.Price.StringFixed(2)},
		{sales.ColDate, s.Date.Key()},
	}

	var b strings.Builder
	b.Grow(len(fields) * 20)
	for i, f := range fields {
		if i > 0 {
			b.WriteString(fieldSep)
		}
		b.WriteString(f.name)
		b.WriteByte('=')
		b.WriteString(f.value)
	}
	return sha256.Sum256([]byte(b.String()))
}
