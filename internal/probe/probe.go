// Package probe inspects the head of a sales export and suggests the input
// settings to load it with: field delimiter, character encoding and the date
// layout most of its dates use. It also reports missing required columns so a
// bad file can be caught before a run.
package probe

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"
	"unicode/utf8"

	"salesetl/internal/sales"
	"salesetl/internal/transform"
)

const defaultSampleBytes = 64 << 10

// Delimiters tried by the sniffer, in order of preference on a tie.
var candidateDelimiters = []rune{',', ';', '\t', '|'}

// Options controls Probe.
type Options struct {
	// SampleBytes bounds how much of the file is read. Default 64 KiB.
	SampleBytes int

	// DateLayouts are the candidate layouts. Default transform.DefaultDateLayouts.
	DateLayouts []string
}

// Column is the coarse type of one input column over the sample.
type Column struct {
	Name     string
	Type     string // integer, amount, date or text
	NonEmpty int
}

// Result is what Probe learned from the sample.
type Result struct {
	Delimiter rune

	// BOM names the byte order mark found at the start of the file, if any.
	BOM string

	// Encoding is a suggested INPUT_ENCODING label.
	Encoding string

	Header     []string
	Missing    []string
	Columns    []Column
	SampleRows int

	// DateLayouts counts, per layout, the Date values it is the first
	// candidate to parse. DateLayout is the most common one.
	DateLayouts map[string]int
	DateLayout  string

	// UnparsableDates counts Date values no candidate parses.
	UnparsableDates int

	// AmbiguousDates counts Date values that two candidates read as
	// different days, such as 03/04/2024 when both day-first and
	// month-first layouts are candidates.
	AmbiguousDates int
}

// Probe reads the head of path.
func Probe(path string, opt Options) (Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return Result{}, fmt.Errorf("probe: %w", err)
	}
	defer f.Close()

	n := opt.SampleBytes
	if n <= 0 {
		n = defaultSampleBytes
	}
	buf := make([]byte, n)
	m, err := io.ReadFull(f, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return Result{}, fmt.Errorf("probe: read %s: %w", path, err)
	}
	return Sample(buf[:m], m == n, opt)
}

// Sample probes an in-memory sample. truncated reports that data was cut
// from a longer file; the trailing partial line is then dropped.
func Sample(data []byte, truncated bool, opt Options) (Result, error) {
	layouts := opt.DateLayouts
	if len(layouts) == 0 {
		layouts = transform.DefaultDateLayouts
	}

	var res Result
	data, res.BOM = stripBOM(data)
	if strings.HasPrefix(res.BOM, "utf-16") {
		return res, fmt.Errorf("probe: %s input is not supported; re-save the file as UTF-8", res.BOM)
	}
	if truncated {
		if i := bytes.LastIndexByte(data, '\n'); i >= 0 {
			data = data[:i+1]
		}
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return res, errors.New("probe: file is empty")
	}

	res.Encoding = "utf-8"
	if !utf8.Valid(data) {
		res.Encoding = "windows-1252"
	}

	res.Delimiter = sniffDelimiter(data)
	header, rows, err := readCSVSample(data, res.Delimiter)
	if err != nil {
		return res, fmt.Errorf("probe: %w", err)
	}
	res.Header = header
	res.SampleRows = len(rows)
	res.Missing = missingColumns(header)
	res.Columns = inferColumns(header, rows, layouts)

	if i := slices.Index(header, sales.ColDate); i >= 0 {
		countDateLayouts(&res, rows, i, layouts)
	}
	return res, nil
}

func stripBOM(data []byte) ([]byte, string) {
	switch {
	case bytes.HasPrefix(data, []byte{0xEF, 0xBB, 0xBF}):
		return data[3:], "utf-8"
	case bytes.HasPrefix(data, []byte{0xFF, 0xFE}):
		return data[2:], "utf-16le"
	case bytes.HasPrefix(data, []byte{0xFE, 0xFF}):
		return data[2:], "utf-16be"
	}
	return data, ""
}

// sniffDelimiter picks the candidate that splits the header into the most
// fields while keeping the first data rows at the same width.
func sniffDelimiter(data []byte) rune {
	best, bestScore := candidateDelimiters[0], -1
	for _, d := range candidateDelimiters {
		header, rows, err := readCSVSample(data, d)
		if err != nil || len(header) < 2 {
			continue
		}
		consistent := 0
		for _, r := range rows[:min(len(rows), 20)] {
			if len(r) == len(header) {
				consistent++
			}
		}
		score := len(header)*100 + consistent
		if score > bestScore {
			best, bestScore = d, score
		}
	}
	return best
}

// readCSVSample parses a header and the data rows of a sample. Rows whose
// field count differs from the header are kept; callers decide what to do
// with them.
func readCSVSample(data []byte, delimiter rune) ([]string, [][]string, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.Comma = delimiter
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	header, err := r.Read()
	if err != nil {
		return nil, nil, err
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}

	var rows [][]string
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return header, rows, err
		}
		rows = append(rows, rec)
	}
	return header, rows, nil
}

func missingColumns(header []string) []string {
	var out []string
	for _, c := range sales.RequiredColumns {
		if !slices.Contains(header, c) {
			out = append(out, c)
		}
	}
	return out
}

// inferColumns gives each column the most specific type every non-empty
// sample value satisfies.
func inferColumns(header []string, rows [][]string, layouts []string) []Column {
	out := make([]Column, len(header))
	for col, name := range header {
		allInt, allAmount, allDate := true, true, true
		n := 0
		for _, r := range rows {
			if col >= len(r) {
				continue
			}
			v := strings.TrimSpace(r[col])
			if v == "" {
				continue
			}
			n++
			if allInt {
				if _, err := strconv.ParseInt(strings.TrimPrefix(v, "+"), 10, 64); err != nil {
					allInt = false
				}
			}
			if allAmount {
				if _, err := transform.ParsePrice(v); err != nil {
					allAmount = false
				}
			}
			if allDate {
				if _, err := transform.ParseDate(v, layouts); err != nil {
					allDate = false
				}
			}
		}

		typ := "text"
		switch {
		case n == 0:
		case allInt:
			typ = "integer"
		case allAmount:
			typ = "amount"
		case allDate:
			typ = "date"
		}
		out[col] = Column{Name: name, Type: typ, NonEmpty: n}
	}
	return out
}

func countDateLayouts(res *Result, rows [][]string, col int, layouts []string) {
	res.DateLayouts = make(map[string]int)
	for _, r := range rows {
		if col >= len(r) {
			continue
		}
		v := strings.TrimSpace(r[col])
		if v == "" {
			continue
		}

		first := ""
		var day string
		ambiguous := false
		for _, layout := range layouts {
			t, err := transform.ParseDate(v, []string{layout})
			if err != nil {
				continue
			}
			key := t.Format(sales.DateLayout)
			if first == "" {
				first, day = layout, key
			} else if key != day {
				ambiguous = true
			}
		}

		switch {
		case first == "":
			res.UnparsableDates++
		default:
			res.DateLayouts[first]++
			if ambiguous {
				res.AmbiguousDates++
			}
		}
	}

	bestN := 0
	for _, layout := range layouts {
		if n := res.DateLayouts[layout]; n > bestN {
			res.DateLayout, bestN = layout, n
		}
	}
}

// DelimiterName renders a delimiter for display.
func DelimiterName(d rune) string {
	if d == '\t' {
		return `\t`
	}
	return string(d)
}
