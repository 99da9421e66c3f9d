package extract

import (
	"encoding/csv"
	"errors"
	"io"
)

// csvReader wraps encoding/csv and remembers where each record started, so
// multi-line quoted fields still report the line of their first byte.
type csvReader struct {
	cr   *csv.Reader
	line int
}

func newCSVReader(r io.Reader, opt Options) *csvReader {
	cr := csv.NewReader(r)
	cr.Comma = opt.Delimiter
	if cr.Comma == 0 {
		cr.Comma = ','
	}
	cr.LazyQuotes = opt.LazyQuotes
	// Field count is checked against the header by the decoder, which turns
	// a short or long record into a rejection instead of a read error.
	cr.FieldsPerRecord = -1
	return &csvReader{cr: cr}
}

func (c *csvReader) Read() ([]string, error) {
	rec, err := c.cr.Read()
	if err != nil {
		var pe *csv.ParseError
		if errors.As(err, &pe) {
			c.line = pe.StartLine
		} else if err != io.EOF {
			c.line++
		}
		return nil, err
	}
	c.line, _ = c.cr.FieldPos(0)
	return rec, nil
}

func (c *csvReader) Line() int { return c.line }
