package storage

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"
)

type stubRepo struct{ MultiRepository }

func TestRegisterMulti_AndNewMulti(t *testing.T) {
	var gotDSN string
	RegisterMulti("stub-registry-test", func(ctx context.Context, cfg MultiConfig) (MultiRepository, error) {
		gotDSN = cfg.DSN
		return stubRepo{}, nil
	})

	repo, err := NewMulti(context.Background(), MultiConfig{Kind: "stub-registry-test", DSN: "dsn://x"})
	if err != nil {
		t.Fatalf("NewMulti: %v", err)
	}
	if _, ok := repo.(stubRepo); !ok {
		t.Fatalf("NewMulti returned %T", repo)
	}
	if gotDSN != "dsn://x" {
		t.Fatalf("factory saw DSN %q", gotDSN)
	}

	found := false
	for _, k := range Kinds() {
		if k == "stub-registry-test" {
			found = true
		}
	}
	if !found {
		t.Fatalf("Kinds()=%v missing stub", Kinds())
	}
}

func TestRegisterMulti_DuplicatePanics(t *testing.T) {
	f := func(context.Context, MultiConfig) (MultiRepository, error) { return stubRepo{}, nil }
	RegisterMulti("stub-dup-test", f)

	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on duplicate registration")
		}
	}()
	RegisterMulti("stub-dup-test", f)
}

func TestNewMulti_Errors(t *testing.T) {
	if _, err := NewMulti(context.Background(), MultiConfig{}); err == nil {
		t.Fatalf("expected error for empty kind")
	}
	_, err := NewMulti(context.Background(), MultiConfig{Kind: "oracle"})
	if err == nil || !strings.Contains(err.Error(), "oracle") {
		t.Fatalf("expected unsupported-kind error, got %v", err)
	}
}

func TestChunks(t *testing.T) {
	t.Parallel()

	var got [][2]int
	err := Chunks(5, 2, func(start, end int) error {
		got = append(got, [2]int{start, end})
		return nil
	})
	if err != nil {
		t.Fatalf("Chunks: %v", err)
	}
	want := [][2]int{{0, 2}, {2, 4}, {4, 5}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("windows=%v, want %v", got, want)
	}

	boom := errors.New("boom")
	calls := 0
	err = Chunks(10, 3, func(int, int) error { calls++; return boom })
	if !errors.Is(err, boom) || calls != 1 {
		t.Fatalf("Chunks should stop at first error; err=%v calls=%d", err, calls)
	}

	calls = 0
	_ = Chunks(0, 3, func(int, int) error { calls++; return nil })
	if calls != 0 {
		t.Fatalf("Chunks over zero items called fn %d times", calls)
	}
}

func TestNormalizeKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   any
		want string
	}{
		{"nil", nil, ""},
		{"string_trimmed", "  Acme Store ", "Acme Store"},
		{"bytes", []byte("Widget "), "Widget"},
		{"int64", int64(42), "42"},
		{"int", 7, "7"},
		{"midnight_date", time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC), "2024-03-15"},
		{"timestamp", time.Date(2024, 3, 15, 10, 30, 0, 0, time.UTC), "2024-03-15T10:30:00Z"},
		{"float", 1.5, "1.5"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizeKey(tt.in); got != tt.want {
				t.Fatalf("NormalizeKey(%v)=%q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestTableSpecColumnNames(t *testing.T) {
	t.Parallel()

	generated := TableSpec{
		PrimaryKey: &PrimaryKeySpec{Name: "product_id", Type: "serial"},
		Columns:    []ColumnSpec{{Name: "name"}, {Name: "brand"}},
	}
	if got := generated.ColumnNames(); !reflect.DeepEqual(got, []string{"name", "brand"}) {
		t.Fatalf("generated pk columns=%v", got)
	}

	natural := TableSpec{
		PrimaryKey: &PrimaryKeySpec{Name: "date", Type: "date"},
		Columns:    []ColumnSpec{{Name: "day"}},
	}
	if got := natural.ColumnNames(); !reflect.DeepEqual(got, []string{"date", "day"}) {
		t.Fatalf("natural pk columns=%v", got)
	}
}
