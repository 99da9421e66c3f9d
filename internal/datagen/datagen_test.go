package datagen

import (
	"bytes"
	"context"
	"reflect"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"salesetl/internal/extract"
	"salesetl/internal/transform"
)

func TestGenerate_SameSeedSameRows(t *testing.T) {
	t.Parallel()

	a := New(Options{Seed: 42}).Generate(50)
	b := New(Options{Seed: 42}).Generate(50)
	if !reflect.DeepEqual(a, b) {
		t.Fatalf("same seed produced different samples")
	}

	c := New(Options{Seed: 43}).Generate(50)
	if reflect.DeepEqual(a.Rows, c.Rows) {
		t.Fatalf("different seeds produced identical rows")
	}
}

func TestGenerate_NoDefects(t *testing.T) {
	t.Parallel()

	s := New(Options{Seed: 7, DefectRate: -1}).Generate(200)
	if len(s.Defects) != 0 {
		t.Fatalf("defects=%v, want none", s.Defects)
	}
	for i, r := range s.Rows {
		if r.Line != i+2 {
			t.Fatalf("row %d: line=%d want %d", i, r.Line, i+2)
		}
	}

	b := cleanAll(t, s, ',')
	if len(b.Rejected) != 0 {
		t.Fatalf("clean sample had rejections: %+v", b.Rejected[0])
	}
	if len(b.Products) > 20 || len(b.Retailers) > 6 {
		t.Fatalf("products=%d retailers=%d exceed the catalogues", len(b.Products), len(b.Retailers))
	}
}

// Every defect the generator plants is caught by the cleaner with the
// reason it promised, and nothing else is rejected.
func TestGenerate_DefectsMatchCleanerRejections(t *testing.T) {
	t.Parallel()

	for _, seed := range []uint64{1, 2, 3} {
		s := New(Options{Seed: seed, DefectRate: 0.4}).Generate(300)
		if len(s.Defects) == 0 {
			t.Fatalf("seed %d: no defects planted", seed)
		}

		b := cleanAll(t, s, ';')
		sum := b.Summary()

		want := 0
		for _, n := range s.Defects {
			want += n
		}
		if sum.Rejected != want {
			t.Fatalf("seed %d: rejected=%d want %d (%v vs %v)", seed, sum.Rejected, want, sum.ByReason, s.Defects)
		}
		for reason, n := range s.Defects {
			if sum.ByReason[reason] != n {
				t.Fatalf("seed %d: %s=%d want %d", seed, reason, sum.ByReason[reason], n)
			}
		}
		if sum.Accepted+sum.Rejected != len(s.Rows) {
			t.Fatalf("seed %d: accepted+rejected=%d want %d", seed, sum.Accepted+sum.Rejected, len(s.Rows))
		}
	}
}

func TestWrite_HeaderOnlyForEmpty(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	if err := Write(&buf, nil, ','); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got := strings.TrimSpace(buf.String())
	want := "SaleID,ProductID,ProductName,Brand,Category,RetailerID,RetailerName,Channel,Location,Quantity,Price,Date"
	if got != want {
		t.Fatalf("header=%q\nwant  %q", got, want)
	}
}

func cleanAll(t *testing.T, s Sample, delim rune) *transform.Batch {
	t.Helper()

	var buf bytes.Buffer
	if err := Write(&buf, s.Rows, delim); err != nil {
		t.Fatalf("Write: %v", err)
	}
	res, err := extract.FromReader(context.Background(), &buf, extract.Options{Delimiter: delim})
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(res.Rows) != len(s.Rows) || len(res.Malformed) != 0 {
		t.Fatalf("extract rows=%d malformed=%d want %d rows", len(res.Rows), len(res.Malformed), len(s.Rows))
	}
	for i := range res.Rows {
		if res.Rows[i].Line != s.Rows[i].Line {
			t.Fatalf("row %d: line=%d want %d", i, res.Rows[i].Line, s.Rows[i].Line)
		}
	}

	nop := zerolog.Nop()
	return transform.NewCleaner(transform.Options{Logger: &nop}).Clean(res.Rows)
}
