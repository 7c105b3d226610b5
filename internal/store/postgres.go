package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/opinion-engine/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgreSQL error codes surfaced as retryable concurrency errors.
const (
	codeLockNotAvailable     = "55P03"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
// Row locks are taken with SELECT ... FOR UPDATE and bounded by a
// per-transaction lock_timeout.
type PostgresStore struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
}

// NewPostgresStore creates a new PostgreSQL-backed store. A zero
// lockTimeout leaves the server default in place.
func NewPostgresStore(pool *pgxpool.Pool, lockTimeout time.Duration) *PostgresStore {
	return &PostgresStore{pool: pool, lockTimeout: lockTimeout}
}

// RunMigrations applies embedded SQL files in lexicographic order and
// tracks them in a schema_migrations table. Each file runs in its own
// transaction.
func (s *PostgresStore) RunMigrations(ctx context.Context) error {
	const createTracker = `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);`
	if _, err := s.pool.Exec(ctx, createTracker); err != nil {
		return fmt.Errorf("postgres: create schema_migrations table: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("postgres: read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		var exists bool
		err := s.pool.QueryRow(ctx,
			"SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE filename = $1)",
			entry.Name(),
		).Scan(&exists)
		if err != nil {
			return fmt.Errorf("postgres: check migration %s: %w", entry.Name(), err)
		}
		if exists {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("postgres: read migration %s: %w", entry.Name(), err)
		}

		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("postgres: begin tx for %s: %w", entry.Name(), err)
		}
		if _, err := tx.Exec(ctx, string(data)); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("postgres: exec migration %s: %w", entry.Name(), err)
		}
		if _, err := tx.Exec(ctx,
			"INSERT INTO schema_migrations (filename) VALUES ($1)",
			entry.Name(),
		); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("postgres: record migration %s: %w", entry.Name(), err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("postgres: commit migration %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// RunInTx runs fn inside a READ COMMITTED transaction. Row locks taken
// through the Tx are released on commit or rollback.
func (s *PostgresStore) RunInTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return mapPgError(fmt.Errorf("begin tx: %w", err))
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if s.lockTimeout > 0 {
		// SET does not accept bind parameters.
		stmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return mapPgError(fmt.Errorf("set lock_timeout: %w", err))
		}
	}

	if err := fn(&pgTx{q: tx}); err != nil {
		return mapPgError(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return mapPgError(fmt.Errorf("commit tx: %w", err))
	}
	return nil
}

// mapPgError translates driver errors into the engine's taxonomy.
func mapPgError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeLockNotAvailable:
			return fmt.Errorf("%w: %v", model.ErrLockTimeout, err)
		case codeSerializationFailure, codeDeadlockDetected:
			return fmt.Errorf("%w: %v", model.ErrConcurrentUpdate, err)
		}
	}
	return err
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

// --- Reader ---

const marketColumns = `id, opinion, description, expiry_time,
	yes_pool::TEXT, no_pool::TEXT, fee_percent::TEXT,
	status, resolved_outcome, user_id, created_at, resolved_at`

func (s *PostgresStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	return getMarket(ctx, s.pool, id, false)
}

func (s *PostgresStore) ListMarkets(ctx context.Context, f MarketFilter) ([]model.Market, int, error) {
	var (
		where []string
		args  []any
	)
	if f.CreatorID != "" {
		args = append(args, f.CreatorID)
		where = append(where, fmt.Sprintf("user_id = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM markets"+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count markets: %w", err)
	}

	query := "SELECT " + marketColumns + " FROM markets" + clause + " ORDER BY created_at, id"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list markets: %w", err)
	}
	defer rows.Close()

	markets := []model.Market{}
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, 0, err
		}
		markets = append(markets, *m)
	}
	return markets, total, rows.Err()
}

func (s *PostgresStore) ListExpiredMarkets(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id FROM markets WHERE status = 'OPEN' AND expiry_time <= $1 ORDER BY id`, now)
	if err != nil {
		return nil, fmt.Errorf("list expired markets: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	return getUser(ctx, s.pool, id, false)
}

func (s *PostgresStore) GetPosition(ctx context.Context, userID, marketID string) (*model.Position, error) {
	return getPosition(ctx, s.pool, userID, marketID, false)
}

const positionColumns = `user_id, market_id, yes_shares::TEXT, no_shares::TEXT,
	payout_status, payout_amount::TEXT, claimed_at, created_at, updated_at`

func (s *PostgresStore) ListPositions(ctx context.Context, marketID string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE market_id = $1 ORDER BY created_at, user_id`,
		marketID)
	if err != nil {
		return nil, fmt.Errorf("list positions %s: %w", marketID, err)
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

func (s *PostgresStore) ListTrades(ctx context.Context, marketID, userID string) ([]model.Trade, error) {
	query := `SELECT id, user_id, market_id, side, action,
	                 amount_in::TEXT, amount_out::TEXT, fee::TEXT, price::TEXT, created_at
	          FROM trades WHERE market_id = $1`
	args := []any{marketID}
	if userID != "" {
		query += " AND user_id = $2"
		args = append(args, userID)
	}
	query += " ORDER BY created_at, id"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list trades %s: %w", marketID, err)
	}
	defer rows.Close()

	var trades []model.Trade
	for rows.Next() {
		var t model.Trade
		var in, out, fee, price string
		if err := rows.Scan(&t.ID, &t.UserID, &t.MarketID, &t.Side, &t.Action,
			&in, &out, &fee, &price, &t.CreatedAt); err != nil {
			return nil, err
		}
		if err := parseNumerics(
			numeric{&t.AmountIn, in}, numeric{&t.AmountOut, out},
			numeric{&t.Fee, fee}, numeric{&t.Price, price},
		); err != nil {
			return nil, fmt.Errorf("trade %s: %w", t.ID, err)
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

func (s *PostgresStore) ListFees(ctx context.Context, marketID string) ([]model.FeeRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, market_id, trade_id, asset, amount::TEXT, created_at
		 FROM platform_fees WHERE market_id = $1 ORDER BY created_at, id`, marketID)
	if err != nil {
		return nil, fmt.Errorf("list fees %s: %w", marketID, err)
	}
	defer rows.Close()

	var fees []model.FeeRecord
	for rows.Next() {
		var f model.FeeRecord
		var amount string
		if err := rows.Scan(&f.ID, &f.MarketID, &f.TradeID, &f.Asset, &amount, &f.CreatedAt); err != nil {
			return nil, err
		}
		if err := parseNumerics(numeric{&f.Amount, amount}); err != nil {
			return nil, fmt.Errorf("fee %s: %w", f.ID, err)
		}
		fees = append(fees, f)
	}
	return fees, rows.Err()
}

// --- Tx ---

type pgTx struct {
	q querier
}

func (tx *pgTx) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	return getMarket(ctx, tx.q, id, false)
}

func (tx *pgTx) LockMarket(ctx context.Context, id string) (*model.Market, error) {
	return getMarket(ctx, tx.q, id, true)
}

func (tx *pgTx) CreateMarket(ctx context.Context, m *model.Market) error {
	_, err := tx.q.Exec(ctx,
		`INSERT INTO markets (id, opinion, description, expiry_time, yes_pool, no_pool, fee_percent,
		                      status, resolved_outcome, user_id, created_at, resolved_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8, $9, $10, $11, $12)`,
		m.ID, m.Opinion, m.Description, m.ExpiryTime,
		m.YesPool.String(), m.NoPool.String(), m.FeePercent.String(),
		m.Status, sideOrNil(m.ResolvedOutcome), m.UserID, m.CreatedAt, m.ResolvedAt,
	)
	if err != nil {
		return fmt.Errorf("create market %s: %w", m.ID, err)
	}
	return nil
}

func (tx *pgTx) UpdateMarket(ctx context.Context, m *model.Market) error {
	tag, err := tx.q.Exec(ctx,
		`UPDATE markets
		 SET yes_pool = $2::NUMERIC, no_pool = $3::NUMERIC,
		     status = $4, resolved_outcome = $5, resolved_at = $6
		 WHERE id = $1`,
		m.ID, m.YesPool.String(), m.NoPool.String(),
		m.Status, sideOrNil(m.ResolvedOutcome), m.ResolvedAt,
	)
	if err != nil {
		return fmt.Errorf("update market %s: %w", m.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("market %s: %w", m.ID, ErrNotFound)
	}
	return nil
}

func (tx *pgTx) CreateUser(ctx context.Context, u *model.User) error {
	tag, err := tx.q.Exec(ctx,
		`INSERT INTO users (id, balance, created_at) VALUES ($1, $2::NUMERIC, $3)
		 ON CONFLICT (id) DO NOTHING`,
		u.ID, u.Balance.String(), u.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create user %s: %w", u.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("user %s: %w", u.ID, model.ErrUserExists)
	}
	return nil
}

func (tx *pgTx) LockUser(ctx context.Context, id string) (*model.User, error) {
	return getUser(ctx, tx.q, id, true)
}

func (tx *pgTx) UpdateUserBalance(ctx context.Context, id string, balance decimal.Decimal) error {
	tag, err := tx.q.Exec(ctx,
		`UPDATE users SET balance = $2::NUMERIC WHERE id = $1`, id, balance.String())
	if err != nil {
		return fmt.Errorf("update balance %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	return nil
}

func (tx *pgTx) LockPosition(ctx context.Context, userID, marketID string) (*model.Position, error) {
	return getPosition(ctx, tx.q, userID, marketID, true)
}

func (tx *pgTx) SavePosition(ctx context.Context, p *model.Position) error {
	var payout *string
	if p.PayoutAmount != nil {
		v := p.PayoutAmount.String()
		payout = &v
	}
	_, err := tx.q.Exec(ctx,
		`INSERT INTO positions (user_id, market_id, yes_shares, no_shares,
		                        payout_status, payout_amount, claimed_at, created_at, updated_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5, $6::NUMERIC, $7, $8, $9)
		 ON CONFLICT (user_id, market_id) DO UPDATE SET
		     yes_shares = EXCLUDED.yes_shares,
		     no_shares = EXCLUDED.no_shares,
		     payout_status = EXCLUDED.payout_status,
		     payout_amount = EXCLUDED.payout_amount,
		     claimed_at = EXCLUDED.claimed_at,
		     updated_at = EXCLUDED.updated_at`,
		p.UserID, p.MarketID, p.YesShares.String(), p.NoShares.String(),
		string(p.PayoutStatus), payout, p.ClaimedAt, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save position %s/%s: %w", p.UserID, p.MarketID, err)
	}
	return nil
}

func (tx *pgTx) MarkWinningPositions(ctx context.Context, marketID string, outcome model.Side) (int, error) {
	column := "no_shares"
	if outcome == model.SideYes {
		column = "yes_shares"
	}
	tag, err := tx.q.Exec(ctx,
		`UPDATE positions SET payout_status = 'UNCLAIMED', updated_at = NOW()
		 WHERE market_id = $1 AND payout_status = '' AND `+column+` > 0`,
		marketID)
	if err != nil {
		return 0, fmt.Errorf("mark winners %s: %w", marketID, err)
	}
	return int(tag.RowsAffected()), nil
}

func (tx *pgTx) InsertTrade(ctx context.Context, t *model.Trade) error {
	_, err := tx.q.Exec(ctx,
		`INSERT INTO trades (id, user_id, market_id, side, action, amount_in, amount_out, fee, price, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10)`,
		t.ID, t.UserID, t.MarketID, t.Side, t.Action,
		t.AmountIn.String(), t.AmountOut.String(), t.Fee.String(), t.Price.String(),
		t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert trade %s: %w", t.ID, err)
	}
	return nil
}

func (tx *pgTx) InsertFee(ctx context.Context, f *model.FeeRecord) error {
	_, err := tx.q.Exec(ctx,
		`INSERT INTO platform_fees (id, market_id, trade_id, asset, amount, created_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6)`,
		f.ID, f.MarketID, f.TradeID, f.Asset, f.Amount.String(), f.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert fee %s: %w", f.ID, err)
	}
	return nil
}

// --- Row helpers ---

func getMarket(ctx context.Context, q querier, id string, forUpdate bool) (*model.Market, error) {
	query := "SELECT " + marketColumns + " FROM markets WHERE id = $1"
	if forUpdate {
		query += " FOR UPDATE"
	}
	m, err := scanMarket(q.QueryRow(ctx, query, id))
	if err != nil {
		return nil, mapPgError(fmt.Errorf("get market %s: %w", id, err))
	}
	return m, nil
}

func scanMarket(row rowScanner) (*model.Market, error) {
	var m model.Market
	var yesPool, noPool, fee string
	var outcome *string
	if err := row.Scan(&m.ID, &m.Opinion, &m.Description, &m.ExpiryTime,
		&yesPool, &noPool, &fee,
		&m.Status, &outcome, &m.UserID, &m.CreatedAt, &m.ResolvedAt); err != nil {
		return nil, err
	}
	if err := parseNumerics(
		numeric{&m.YesPool, yesPool}, numeric{&m.NoPool, noPool}, numeric{&m.FeePercent, fee},
	); err != nil {
		return nil, fmt.Errorf("market %s: %w", m.ID, err)
	}
	if outcome != nil {
		side := model.Side(*outcome)
		m.ResolvedOutcome = &side
	}
	return &m, nil
}

func getUser(ctx context.Context, q querier, id string, forUpdate bool) (*model.User, error) {
	query := "SELECT id, balance::TEXT, created_at FROM users WHERE id = $1"
	if forUpdate {
		query += " FOR UPDATE"
	}
	var u model.User
	var balance string
	if err := q.QueryRow(ctx, query, id).Scan(&u.ID, &balance, &u.CreatedAt); err != nil {
		return nil, mapPgError(fmt.Errorf("get user %s: %w", id, err))
	}
	if err := parseNumerics(numeric{&u.Balance, balance}); err != nil {
		return nil, fmt.Errorf("user %s: %w", id, err)
	}
	return &u, nil
}

func getPosition(ctx context.Context, q querier, userID, marketID string, forUpdate bool) (*model.Position, error) {
	query := "SELECT " + positionColumns + " FROM positions WHERE user_id = $1 AND market_id = $2"
	if forUpdate {
		query += " FOR UPDATE"
	}
	p, err := scanPosition(q.QueryRow(ctx, query, userID, marketID))
	if err != nil {
		return nil, mapPgError(fmt.Errorf("get position %s/%s: %w", userID, marketID, err))
	}
	return p, nil
}

func scanPosition(row rowScanner) (*model.Position, error) {
	var p model.Position
	var yes, no, status string
	var payout *string
	if err := row.Scan(&p.UserID, &p.MarketID, &yes, &no,
		&status, &payout, &p.ClaimedAt, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	if err := parseNumerics(numeric{&p.YesShares, yes}, numeric{&p.NoShares, no}); err != nil {
		return nil, fmt.Errorf("position %s/%s: %w", p.UserID, p.MarketID, err)
	}
	p.PayoutStatus = model.PayoutStatus(status)
	if payout != nil {
		amount, err := decimal.NewFromString(*payout)
		if err != nil {
			return nil, fmt.Errorf("position %s/%s payout: %w", p.UserID, p.MarketID, err)
		}
		p.PayoutAmount = &amount
	}
	return &p, nil
}

type numeric struct {
	dst *decimal.Decimal
	src string
}

func parseNumerics(fields ...numeric) error {
	for _, f := range fields {
		v, err := decimal.NewFromString(f.src)
		if err != nil {
			return fmt.Errorf("parse numeric %q: %w", f.src, err)
		}
		*f.dst = v
	}
	return nil
}

func sideOrNil(s *model.Side) *string {
	if s == nil {
		return nil
	}
	v := string(*s)
	return &v
}

var (
	_ Store = (*PostgresStore)(nil)
	_ Tx    = (*pgTx)(nil)
)
