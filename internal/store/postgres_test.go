package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atmx/opinion-engine/internal/model"
)

func TestMapPgError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"no rows", fmt.Errorf("get market: %w", pgx.ErrNoRows), ErrNotFound},
		{"lock timeout", &pgconn.PgError{Code: codeLockNotAvailable}, model.ErrLockTimeout},
		{"serialization", &pgconn.PgError{Code: codeSerializationFailure}, model.ErrConcurrentUpdate},
		{"deadlock", fmt.Errorf("update: %w", &pgconn.PgError{Code: codeDeadlockDetected}), model.ErrConcurrentUpdate},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := mapPgError(tt.err); !errors.Is(got, tt.want) {
				t.Errorf("mapPgError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}

	other := &pgconn.PgError{Code: "23505"}
	if got := mapPgError(other); got != error(other) {
		t.Errorf("unrelated error rewritten: %v", got)
	}
	if mapPgError(nil) != nil {
		t.Error("nil should stay nil")
	}
}

// newTestPostgres connects to ENGINE_TEST_DATABASE_URL and applies the
// migrations. Tests that need it are skipped when the variable is unset.
func newTestPostgres(t *testing.T) *PostgresStore {
	t.Helper()
	url := os.Getenv("ENGINE_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("ENGINE_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)

	s := NewPostgresStore(pool, time.Second)
	if err := s.RunMigrations(ctx); err != nil {
		t.Fatalf("migrations: %v", err)
	}
	return s
}

func TestPostgresStore_TradeAndResolve(t *testing.T) {
	s := newTestPostgres(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	suffix := uuid.New().String()[:8]
	userID := "pg-user-" + suffix
	m := &model.Market{
		ID:          uuid.New().String(),
		Opinion:     "Postgres is the only database you need",
		Description: "Integration test",
		ExpiryTime:  now.Add(time.Hour),
		YesPool:     d("500"),
		NoPool:      d("500"),
		FeePercent:  d("1"),
		Status:      model.StatusOpen,
		UserID:      userID,
		CreatedAt:   now,
	}

	err := s.RunInTx(ctx, func(tx Tx) error {
		if err := tx.CreateUser(ctx, &model.User{ID: userID, Balance: d("100.5"), CreatedAt: now}); err != nil {
			return err
		}
		return tx.CreateMarket(ctx, m)
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	err = s.RunInTx(ctx, func(tx Tx) error {
		locked, err := tx.LockMarket(ctx, m.ID)
		if err != nil {
			return err
		}
		locked.YesPool = d("454.545454545454545455")
		locked.NoPool = d("550")
		if err := tx.UpdateMarket(ctx, locked); err != nil {
			return err
		}
		return tx.SavePosition(ctx, &model.Position{
			UserID: userID, MarketID: m.ID,
			YesShares: d("45.454545454545454545"), NoShares: d("0"),
			CreatedAt: now, UpdatedAt: now,
		})
	})
	if err != nil {
		t.Fatalf("trade tx: %v", err)
	}

	got, err := s.GetMarket(ctx, m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.YesPool.Equal(d("454.545454545454545455")) {
		t.Errorf("yes pool = %s, precision lost", got.YesPool)
	}

	if _, err := s.GetPosition(ctx, "nobody", m.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing position: got %v, want ErrNotFound", err)
	}
	if err := s.RunInTx(ctx, func(tx Tx) error {
		return tx.CreateUser(ctx, &model.User{ID: userID, CreatedAt: now})
	}); !errors.Is(err, model.ErrUserExists) {
		t.Errorf("duplicate user: got %v, want ErrUserExists", err)
	}

	var marked int
	err = s.RunInTx(ctx, func(tx Tx) error {
		locked, err := tx.LockMarket(ctx, m.ID)
		if err != nil {
			return err
		}
		yes := model.SideYes
		locked.Status = model.StatusResolved
		locked.ResolvedOutcome = &yes
		locked.ResolvedAt = &now
		if err := tx.UpdateMarket(ctx, locked); err != nil {
			return err
		}
		marked, err = tx.MarkWinningPositions(ctx, m.ID, model.SideYes)
		return err
	})
	if err != nil {
		t.Fatalf("resolve tx: %v", err)
	}
	if marked != 1 {
		t.Errorf("marked %d positions, want 1", marked)
	}

	p, err := s.GetPosition(ctx, userID, m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if p.PayoutStatus != model.PayoutUnclaimed {
		t.Errorf("payout status = %q, want UNCLAIMED", p.PayoutStatus)
	}
}

func TestPostgresStore_Rollback(t *testing.T) {
	s := newTestPostgres(t)
	ctx := context.Background()
	userID := "pg-rollback-" + uuid.New().String()[:8]

	boom := errors.New("boom")
	err := s.RunInTx(ctx, func(tx Tx) error {
		if err := tx.CreateUser(ctx, &model.User{ID: userID, Balance: d("1"), CreatedAt: time.Now()}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("got %v, want boom", err)
	}
	if _, err := s.GetUser(ctx, userID); !errors.Is(err, ErrNotFound) {
		t.Errorf("rolled-back user visible: %v", err)
	}
}
