package repos

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"

	"clinic-inventory-ledger/internal/ledger"
)

func TestMapTimeout(t *testing.T) {
	wrapped := fmt.Errorf("begin tx: %w", context.DeadlineExceeded)
	if err := mapTimeout(wrapped); !errors.Is(err, ledger.ErrTimeout) {
		t.Fatalf("expected ErrTimeout for wrapped deadline, got %v", err)
	}

	refused := errors.New("connection refused")
	if err := mapTimeout(refused); !errors.Is(err, refused) {
		t.Fatalf("non-deadline error must pass through, got %v", err)
	}
	if errors.Is(mapTimeout(refused), ledger.ErrTimeout) {
		t.Fatalf("non-deadline error must not become ErrTimeout")
	}

	if err := mapTimeout(nil); err != nil {
		t.Fatalf("nil must pass through, got %v", err)
	}
}

func TestIsUniqueViolation(t *testing.T) {
	dup := fmt.Errorf("insert projection: %w", &pgconn.PgError{Code: "23505"})
	if !isUniqueViolation(dup) {
		t.Fatalf("expected wrapped 23505 to count as unique violation")
	}
	if isUniqueViolation(&pgconn.PgError{Code: "23503"}) {
		t.Fatalf("fk violation must not count as unique violation")
	}
	if isUniqueViolation(errors.New("duplicate key value")) {
		t.Fatalf("plain error must not count as unique violation")
	}
	if isUniqueViolation(nil) {
		t.Fatalf("nil must not count as unique violation")
	}
}
