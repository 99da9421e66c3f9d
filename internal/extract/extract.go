// Package extract reads a raw sales file into memory. It checks that the
// header carries the required columns and decodes each record into a
// sales.RawSale without validating any field content.
package extract

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/jszwec/csvutil"

	"salesetl/internal/sales"
)

// ErrMissingColumns is returned when the input header lacks a required column.
var ErrMissingColumns = errors.New("missing required columns")

// Format selects the input parser.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatHTML Format = "html"
)

// Options controls how the input file is decoded.
type Options struct {
	// Format is inferred from the file extension when empty.
	Format Format

	// Encoding is a WHATWG label such as "utf-8" or "windows-1252".
	Encoding string

	Delimiter  rune
	LazyQuotes bool

	// TableSelector picks the table of an HTML export. Defaults to "table".
	TableSelector string
}

// Result is the whole input held in memory.
type Result struct {
	Header    []string
	Rows      []sales.RawSale
	Malformed []sales.Rejection
}

// recordReader yields raw records and the source line of the last one read.
type recordReader interface {
	Read() ([]string, error)
	Line() int
}

// Read opens path and decodes it. Missing or unreadable files and an
// incomplete header are returned as errors; undecodable records are
// collected in Result.Malformed.
func Read(ctx context.Context, path string, opt Options) (*Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("extract: open %s: %w", path, err)
	}
	defer f.Close()

	if opt.Format == "" {
		opt.Format = FormatFromPath(path)
	}
	res, err := FromReader(ctx, f, opt)
	if err != nil {
		return nil, fmt.Errorf("extract: %s: %w", path, err)
	}
	return res, nil
}

// FormatFromPath returns FormatHTML for .html and .htm files and FormatCSV
// otherwise.
func FormatFromPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".html", ".htm":
		return FormatHTML
	default:
		return FormatCSV
	}
}

// FromReader decodes r according to opt. Format defaults to CSV.
func FromReader(ctx context.Context, r io.Reader, opt Options) (*Result, error) {
	text, err := charsetReader(r, opt.Encoding)
	if err != nil {
		return nil, err
	}

	var src recordReader
	switch opt.Format {
	case "", FormatCSV:
		src = newCSVReader(text, opt)
	case FormatHTML:
		src, err = newHTMLReader(text, opt.TableSelector)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported format %q", opt.Format)
	}
	return decode(ctx, src)
}

func decode(ctx context.Context, src recordReader) (*Result, error) {
	hdr, err := src.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("%w: input is empty", ErrMissingColumns)
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	header := normalizeHeader(hdr)
	if missing := missingColumns(header); len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingColumns, strings.Join(missing, ", "))
	}

	dec, err := csvutil.NewDecoder(src, header...)
	if err != nil {
		return nil, fmt.Errorf("header: %w", err)
	}

	res := &Result{Header: header}
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var raw sales.RawSale
		err := dec.Decode(&raw)
		if err == io.EOF {
			break
		}
		if err != nil {
			res.Malformed = append(res.Malformed, sales.Rejection{
				Line:   src.Line(),
				Reason: sales.ReasonMalformed,
				Detail: err.Error(),
			})
			continue
		}
		raw.Line = src.Line()
		res.Rows = append(res.Rows, raw)
	}
	return res, nil
}

// normalizeHeader trims each cell and drops a leading byte order mark.
// Column names are otherwise matched exactly.
func normalizeHeader(hdr []string) []string {
	out := make([]string, len(hdr))
	for i, h := range hdr {
		if i == 0 {
			h = strings.TrimPrefix(h, "\uFEFF")
		}
		out[i] = strings.TrimSpace(h)
	}
	return out
}

func missingColumns(header []string) []string {
	have := make(map[string]struct{}, len(header))
	for _, h := range header {
		have[h] = struct{}{}
	}
	var missing []string
	for _, c := range sales.RequiredColumns {
		if _, ok := have[c]; !ok {
			missing = append(missing, c)
		}
	}
	return missing
}
