// Package sales holds the record types that flow through the pipeline:
// raw CSV rows, cleaned sales, the star-schema dimension values derived from
// them, and per-record rejections.
package sales

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// DateLayout is the canonical text form of a calendar date and the natural
// key of the date dimension.
const DateLayout = "2006-01-02"

// Column names of the input file. These are the external contract with the
// data file and must match the header exactly.
const (
	ColSaleID       = "SaleID"
	ColProductID    = "ProductID"
	ColProductName  = "ProductName"
	ColBrand        = "Brand"
	ColCategory     = "Category"
	ColRetailerID   = "RetailerID"
	ColRetailerName = "RetailerName"
	ColChannel      = "Channel"
	ColLocation     = "Location"
	ColQuantity     = "Quantity"
	ColPrice        = "Price"
	ColDate         = "Date"
)

// RequiredColumns must be present in the input header. The ID columns are
// optional.
var RequiredColumns = []string{
	ColProductName, ColBrand, ColCategory,
	ColRetailerName, ColChannel, ColLocation,
	ColQuantity, ColPrice, ColDate,
}

// RawSale is one input row exactly as read from the file. No field is
// validated.
type RawSale struct {
	SaleID       string `csv:"SaleID,omitempty"`
	ProductID    string `csv:"ProductID,omitempty"`
	ProductName  string `csv:"ProductName"`
	Brand        string `csv:"Brand"`
	Category     string `csv:"Category"`
	RetailerID   string `csv:"RetailerID,omitempty"`
	RetailerName string `csv:"RetailerName"`
	Channel      string `csv:"Channel"`
	Location     string `csv:"Location"`
	Quantity     string `csv:"Quantity"`
	Price        string `csv:"Price"`
	Date         string `csv:"Date"`

	// Line is the 1-based line number in the source file (header is line 1).
	Line int `csv:"-"`
}

// Product is a product dimension value. Name is already normalized and is
// the natural key.
type Product struct {
	Name     string
	Brand    string
	Category string
}

func (p Product) Key() string { return p.Name }

// Retailer is a retailer dimension value. Name is the natural key.
type Retailer struct {
	Name     string
	Channel  string
	Location string
}

func (r Retailer) Key() string { return r.Name }

// Date is a date dimension value with its derived calendar attributes.
type Date struct {
	Date       time.Time
	Day        int
	Month      int
	Year       int
	Quarter    int
	DayOfWeek  string
	WeekOfYear int
}

// Key returns the date as YYYY-MM-DD.
func (d Date) Key() string { return d.Date.Format(DateLayout) }

// NewDate derives all calendar attributes from t. Only the calendar date of
// t is kept.
func NewDate(t time.Time) Date {
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	_, week := day.ISOWeek()
	return Date{
		Date:       day,
		Day:        day.Day(),
		Month:      int(day.Month()),
		Year:       day.Year(),
		Quarter:    (int(day.Month())-1)/3 + 1,
		DayOfWeek:  day.Weekday().String(),
		WeekOfYear: week,
	}
}

// Sale is a cleaned, valid sales record ready for loading.
type Sale struct {
	Line     int
	SaleID   string
	Product  Product
	Retailer Retailer
	Date     Date
	Quantity int
	Price    decimal.Decimal
}

// Reason classifies why a record was rejected.
type Reason string

const (
	ReasonMissingProduct  Reason = "missing_product_name"
	ReasonMissingRetailer Reason = "missing_retailer_name"
	ReasonInvalidQuantity Reason = "invalid_quantity"
	ReasonInvalidPrice    Reason = "invalid_price"
	ReasonInvalidDate     Reason = "invalid_date"
	ReasonMalformed       Reason = "malformed_record"
	ReasonDuplicate       Reason = "duplicate_row"
	ReasonTooLong         Reason = "text_too_long"
)

// Column width limits of the warehouse text columns. Longer values are
// rejected during cleaning rather than failing the insert.
const (
	MaxTextLen   = 255
	MaxSaleIDLen = 64
)

// Rejection records a single excluded input row.
type Rejection struct {
	Line   int
	Reason Reason
	Field  string
	Value  string
	Detail string
}

func (r Rejection) Error() string {
	msg := fmt.Sprintf("line %d: %s", r.Line, r.Reason)
	if r.Field != "" {
		msg += fmt.Sprintf(" %s=%q", r.Field, r.Value)
	}
	if r.Detail != "" {
		msg += ": " + r.Detail
	}
	return msg
}
