package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"

	"lottery/pkg/chain"
	"lottery/pkg/models"
)

const contractKey = "contract_address"

// Store provides SQLite-based persistence for submitted purchases and
// observed lottery status. Wallet state is never stored.
type Store struct {
	db       *sql.DB
	decimals uint8
}

// NewStore creates a new SQLite store and runs migrations. decimals is used
// to format pool amounts read back from snapshots.
func NewStore(dbPath string, decimals uint8) (*Store, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// SQLite only supports one writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	store := &Store{db: db, decimals: decimals}

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return store, nil
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS purchases (
			tx_hash TEXT PRIMARY KEY,
			buyer TEXT NOT NULL,
			ticket_count INTEGER NOT NULL,
			value TEXT NOT NULL DEFAULT '0',
			gas_limit INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_purchases_buyer ON purchases(buyer, created_at DESC)`,
		`CREATE TABLE IF NOT EXISTS status_snapshots (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			is_active INTEGER NOT NULL,
			total_tickets INTEGER NOT NULL,
			pool TEXT NOT NULL DEFAULT '0',
			rewards_distributed INTEGER NOT NULL,
			observed_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_snapshots_observed ON status_snapshots(observed_at DESC)`,
		`CREATE TABLE IF NOT EXISTS system_state (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.Exec(migration); err != nil {
			return fmt.Errorf("executing migration: %w", err)
		}
	}

	log.Debug().Msg("Database migrations completed")
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordPurchase inserts a purchase. A repeated hash updates its status.
func (s *Store) RecordPurchase(ctx context.Context, p models.Purchase) error {
	query := `INSERT INTO purchases (tx_hash, buyer, ticket_count, value, gas_limit, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tx_hash) DO UPDATE SET status = excluded.status, updated_at = excluded.updated_at`

	value := "0"
	if p.Value != nil {
		value = p.Value.String()
	}
	created := p.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, query,
		p.TxHash, p.Buyer, p.Count, value, p.GasLimit, string(p.Status),
		created, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("recording purchase %s: %w", p.TxHash, err)
	}
	return nil
}

// UpdatePurchaseStatus sets the status of a recorded purchase.
func (s *Store) UpdatePurchaseStatus(ctx context.Context, txHash string, status models.PurchaseStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE purchases SET status = ?, updated_at = ? WHERE tx_hash = ?`,
		string(status), time.Now().UTC(), txHash)
	if err != nil {
		return fmt.Errorf("updating purchase %s: %w", txHash, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("updating purchase %s: not recorded", txHash)
	}
	return nil
}

// GetPurchase retrieves a purchase by hash, or nil if unknown.
func (s *Store) GetPurchase(ctx context.Context, txHash string) (*models.Purchase, error) {
	query := `SELECT tx_hash, buyer, ticket_count, value, gas_limit, status, created_at
		FROM purchases WHERE tx_hash = ?`

	p, err := scanPurchase(s.db.QueryRowContext(ctx, query, txHash))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// GetPurchases lists purchases newest first. An empty buyer lists all.
func (s *Store) GetPurchases(ctx context.Context, buyer string, limit int) ([]models.Purchase, error) {
	query := `SELECT tx_hash, buyer, ticket_count, value, gas_limit, status, created_at
		FROM purchases`
	var args []any
	if buyer != "" {
		query += ` WHERE buyer = ? COLLATE NOCASE`
		args = append(args, buyer)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying purchases: %w", err)
	}
	defer rows.Close()

	var purchases []models.Purchase
	for rows.Next() {
		p, err := scanPurchase(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		purchases = append(purchases, *p)
	}

	return purchases, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPurchase(row scanner) (*models.Purchase, error) {
	var (
		p      models.Purchase
		value  string
		status string
	)
	if err := row.Scan(&p.TxHash, &p.Buyer, &p.Count, &value, &p.GasLimit, &status, &p.CreatedAt); err != nil {
		return nil, err
	}
	v, ok := new(big.Int).SetString(value, 10)
	if !ok {
		return nil, fmt.Errorf("purchase %s: invalid value %q", p.TxHash, value)
	}
	p.Value = v
	p.Status = models.PurchaseStatus(status)
	return &p, nil
}

// RecordSnapshot appends an observed status.
func (s *Store) RecordSnapshot(ctx context.Context, snap models.StatusSnapshot) error {
	pool := "0"
	if snap.Status.PoolWei != nil {
		pool = snap.Status.PoolWei.String()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO status_snapshots (is_active, total_tickets, pool, rewards_distributed, observed_at)
		VALUES (?, ?, ?, ?, ?)`,
		snap.Status.IsActive, snap.Status.TotalTickets, pool, snap.Status.RewardsDistributed, snap.ObservedAt.UTC())
	if err != nil {
		return fmt.Errorf("recording snapshot: %w", err)
	}
	return nil
}

// GetSnapshots lists snapshots observed at or after since, newest first.
func (s *Store) GetSnapshots(ctx context.Context, since time.Time, limit int) ([]models.StatusSnapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT is_active, total_tickets, pool, rewards_distributed, observed_at
		FROM status_snapshots
		WHERE observed_at >= ?
		ORDER BY observed_at DESC, id DESC
		LIMIT ?`, since.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("querying snapshots: %w", err)
	}
	defer rows.Close()

	var snaps []models.StatusSnapshot
	for rows.Next() {
		var (
			snap models.StatusSnapshot
			pool string
		)
		if err := rows.Scan(&snap.Status.IsActive, &snap.Status.TotalTickets, &pool,
			&snap.Status.RewardsDistributed, &snap.ObservedAt); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		if err := s.fillPool(&snap.Status, pool); err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}

	return snaps, rows.Err()
}

// LatestSnapshot returns the newest snapshot, or nil if none.
func (s *Store) LatestSnapshot(ctx context.Context) (*models.StatusSnapshot, error) {
	snaps, err := s.GetSnapshots(ctx, time.Time{}, 1)
	if err != nil {
		return nil, err
	}
	if len(snaps) == 0 {
		return nil, nil
	}
	return &snaps[0], nil
}

func (s *Store) fillPool(st *models.LotteryStatus, pool string) error {
	v, ok := new(big.Int).SetString(pool, 10)
	if !ok {
		return fmt.Errorf("snapshot: invalid pool %q", pool)
	}
	st.PoolWei = v
	st.TotalPoolAmount = chain.FormatUnits(v, s.decimals)
	return nil
}

// BindContract records the contract address the ledger belongs to on first
// use and reports whether addr matches it afterwards.
func (s *Store) BindContract(ctx context.Context, addr string) (bool, error) {
	stored, err := s.GetSystemState(ctx, contractKey)
	if err != nil {
		return false, fmt.Errorf("reading bound contract: %w", err)
	}
	if stored == "" {
		return true, s.SetSystemState(ctx, contractKey, addr)
	}
	return strings.EqualFold(stored, addr), nil
}

// SetSystemState stores a key-value pair in system state.
func (s *Store) SetSystemState(ctx context.Context, key, value string) error {
	query := `INSERT INTO system_state (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`

	_, err := s.db.ExecContext(ctx, query, key, value, time.Now())
	return err
}

// GetSystemState retrieves a value from system state.
func (s *Store) GetSystemState(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM system_state WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}
