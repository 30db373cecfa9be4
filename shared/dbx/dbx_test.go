package dbx

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
)

type fakeTx struct {
	pgx.Tx
	committed  bool
	rolledBack bool
}

func (t *fakeTx) Commit(ctx context.Context) error {
	t.committed = true
	return ctx.Err()
}

func (t *fakeTx) Rollback(ctx context.Context) error {
	t.rolledBack = true
	return nil
}

type fakeBeginner struct {
	tx *fakeTx
}

func (b *fakeBeginner) BeginTx(ctx context.Context, _ pgx.TxOptions) (pgx.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return b.tx, nil
}

func TestWithinTxCommitsOnSuccess(t *testing.T) {
	tx := &fakeTx{}
	err := WithinTx(context.Background(), &fakeBeginner{tx: tx}, time.Second, func(context.Context, pgx.Tx) error {
		return nil
	})
	if err != nil {
		t.Fatalf("within tx: %v", err)
	}
	if !tx.committed || tx.rolledBack {
		t.Fatalf("expected commit without rollback, got committed=%v rolledBack=%v", tx.committed, tx.rolledBack)
	}
}

func TestWithinTxRollsBackOnFnError(t *testing.T) {
	tx := &fakeTx{}
	boom := errors.New("boom")
	err := WithinTx(context.Background(), &fakeBeginner{tx: tx}, time.Second, func(context.Context, pgx.Tx) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected fn error, got %v", err)
	}
	if tx.committed || !tx.rolledBack {
		t.Fatalf("expected rollback without commit, got committed=%v rolledBack=%v", tx.committed, tx.rolledBack)
	}
}

func TestWithinTxDeadlineSurfacesAsDeadlineExceeded(t *testing.T) {
	tx := &fakeTx{}
	err := WithinTx(context.Background(), &fakeBeginner{tx: tx}, time.Millisecond, func(ctx context.Context, _ pgx.Tx) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context.DeadlineExceeded, got %v", err)
	}
	if !tx.rolledBack {
		t.Fatalf("expected rollback after deadline")
	}
}

func TestWithinTxExpiredContextFailsBegin(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	tx := &fakeTx{}
	err := WithinTx(ctx, &fakeBeginner{tx: tx}, 0, func(context.Context, pgx.Tx) error {
		t.Fatal("fn must not run when begin fails")
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if tx.committed || tx.rolledBack {
		t.Fatalf("no tx should have been touched")
	}
}

func TestWithinTxNilBeginner(t *testing.T) {
	err := WithinTx(context.Background(), nil, time.Second, func(context.Context, pgx.Tx) error {
		return nil
	})
	if err == nil {
		t.Fatalf("expected error for nil pool")
	}
}
