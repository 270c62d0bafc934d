package store

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestPgParamBuilder(t *testing.T) {
	pb := (&PostgresDialect{}).NewParamBuilder()
	if got := pb.Add("a"); got != "$1" {
		t.Fatalf("expected $1, got %s", got)
	}
	if got := pb.Add(42); got != "$2" {
		t.Fatalf("expected $2, got %s", got)
	}
	if pb.Count() != 2 {
		t.Fatalf("expected count 2, got %d", pb.Count())
	}
	params := pb.Params()
	if len(params) != 2 || params[0] != "a" || params[1] != 42 {
		t.Fatalf("unexpected params: %v", params)
	}
}

func TestSQLiteParamBuilder(t *testing.T) {
	pb := (&SQLiteDialect{}).NewParamBuilder()
	if got := pb.Add("a"); got != "?1" {
		t.Fatalf("expected ?1, got %s", got)
	}
	if got := pb.Add("b"); got != "?2" {
		t.Fatalf("expected ?2, got %s", got)
	}
}

func TestNewDialect(t *testing.T) {
	if d := NewDialect("sqlite"); d.Name() != "sqlite" {
		t.Fatalf("expected sqlite, got %s", d.Name())
	}
	if d := NewDialect("postgres"); d.Name() != "postgres" {
		t.Fatalf("expected postgres, got %s", d.Name())
	}
	// Unknown drivers fall back to postgres.
	if d := NewDialect(""); d.Name() != "postgres" {
		t.Fatalf("expected postgres fallback, got %s", d.Name())
	}
}

func TestMapError_UniqueViolation(t *testing.T) {
	pg := &PostgresDialect{}
	err := pg.MapError(fmt.Errorf(`ERROR: duplicate key value violates unique constraint "foo" (SQLSTATE 23505)`))
	if !errors.Is(err, ErrUniqueViolation) {
		t.Fatalf("expected ErrUniqueViolation, got %v", err)
	}

	sq := &SQLiteDialect{}
	err = sq.MapError(fmt.Errorf("constraint failed: UNIQUE constraint failed: _instances.id (1555)"))
	if !errors.Is(err, ErrUniqueViolation) {
		t.Fatalf("expected ErrUniqueViolation, got %v", err)
	}

	plain := fmt.Errorf("connection refused")
	if got := sq.MapError(plain); !errors.Is(got, plain) {
		t.Fatalf("unrelated errors should pass through, got %v", got)
	}
	if sq.MapError(nil) != nil {
		t.Fatal("nil should map to nil")
	}
}

func TestParseTimestamp(t *testing.T) {
	cases := []string{
		"2026-01-02T03:04:05Z",
		"2026-01-02T03:04:05.123456789Z",
		"2026-01-02 03:04:05.123456789+00:00",
		"2026-01-02 03:04:05",
	}
	for _, c := range cases {
		got, ok := parseTimestamp(c)
		if !ok {
			t.Fatalf("%q: expected parse", c)
		}
		if got.Year() != 2026 || got.Second() != 5 {
			t.Fatalf("%q: unexpected time %v", c, got)
		}
	}

	for _, c := range []string{"hello", "12345", "2026-01-02", "not-a-date-but-long-enough"} {
		if _, ok := parseTimestamp(c); ok {
			t.Fatalf("%q: expected no parse", c)
		}
	}
}

func TestNormalizeValue(t *testing.T) {
	if got := normalizeValue(nil); got != nil {
		t.Fatalf("expected nil, got %v", got)
	}
	if got := normalizeValue([]byte("plain text")); got != "plain text" {
		t.Fatalf("expected string passthrough, got %v", got)
	}
	if got := normalizeValue("2026-01-02T03:04:05Z"); got.(time.Time).Year() != 2026 {
		t.Fatalf("expected parsed time, got %v", got)
	}
	if got := normalizeValue(int64(7)); got != int64(7) {
		t.Fatalf("expected int64 passthrough, got %v", got)
	}
}
