package extract

import (
	"fmt"
	"io"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// htmlReader serves the rows of one HTML table as records. The first row is
// the header whether it uses th or td cells. Line is the 1-based row number.
type htmlReader struct {
	rows [][]string
	next int
}

func newHTMLReader(r io.Reader, selector string) (*htmlReader, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	if strings.TrimSpace(selector) == "" {
		selector = "table"
	}

	table := doc.Find(selector).First()
	if table.Length() == 0 {
		return nil, fmt.Errorf("html: no element matches %q", selector)
	}

	var rows [][]string
	table.Find("tr").Each(func(_ int, tr *goquery.Selection) {
		cells := tr.Find("th, td")
		if cells.Length() == 0 {
			return
		}
		row := make([]string, 0, cells.Length())
		cells.Each(func(_ int, cell *goquery.Selection) {
			row = append(row, strings.TrimSpace(cell.Text()))
		})
		rows = append(rows, row)
	})
	return &htmlReader{rows: rows}, nil
}

func (h *htmlReader) Read() ([]string, error) {
	if h.next >= len(h.rows) {
		return nil, io.EOF
	}
	row := h.rows[h.next]
	h.next++
	return row, nil
}

func (h *htmlReader) Line() int { return h.next }
