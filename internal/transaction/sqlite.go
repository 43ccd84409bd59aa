package transaction

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/mohammadhprp/admission/internal/clock"
)

// ErrInvalidAmount is returned for non-positive transaction amounts.
var ErrInvalidAmount = errors.New("amount must be greater than 0")

// Transaction is an admitted merchant transaction.
type Transaction struct {
	ID         string    `json:"id"`
	MerchantID string    `json:"merchant_id"`
	Amount     float64   `json:"amount"`
	Algorithm  string    `json:"algorithm"`
	CreatedAt  time.Time `json:"created_at"`
}

// SQLiteRecorder persists admitted transactions in SQLite. The database
// runs in WAL mode with a single connection, since SQLite supports one
// writer at a time.
type SQLiteRecorder struct {
	db        *sql.DB
	clock     clock.Clock
	logger    *zap.Logger
	closeOnce sync.Once

	insertStmt *sql.Stmt
	listStmt   *sql.Stmt
	pruneStmt  *sql.Stmt
}

// NewSQLiteRecorder opens (creating if needed) the database at path.
func NewSQLiteRecorder(path string, clk clock.Clock, logger *zap.Logger) (*SQLiteRecorder, error) {
	if path == "" {
		return nil, fmt.Errorf("db path cannot be empty")
	}
	if clk == nil {
		clk = clock.Real{}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	r := &SQLiteRecorder{
		db:     db,
		clock:  clk,
		logger: logger,
	}

	if err := r.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	if err := r.prepareStatements(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}

	return r, nil
}

func (r *SQLiteRecorder) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		merchant_id TEXT NOT NULL,
		amount REAL NOT NULL,
		algorithm TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_transactions_merchant ON transactions(merchant_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_transactions_created_at ON transactions(created_at);
	`

	_, err := r.db.Exec(schema)
	return err
}

func (r *SQLiteRecorder) prepareStatements() error {
	var err error

	r.insertStmt, err = r.db.Prepare(`
		INSERT INTO transactions (id, merchant_id, amount, algorithm, created_at)
		VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}

	r.listStmt, err = r.db.Prepare(`
		SELECT id, merchant_id, amount, algorithm, created_at
		FROM transactions
		WHERE merchant_id = ?
		ORDER BY created_at DESC, id
		LIMIT ?
	`)
	if err != nil {
		return fmt.Errorf("prepare list: %w", err)
	}

	r.pruneStmt, err = r.db.Prepare(`DELETE FROM transactions WHERE created_at < ?`)
	if err != nil {
		return fmt.Errorf("prepare prune: %w", err)
	}

	return nil
}

// Record stores an admitted transaction.
func (r *SQLiteRecorder) Record(ctx context.Context, merchantID, algorithm string, amount float64) (*Transaction, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	tx := &Transaction{
		ID:         uuid.NewString(),
		MerchantID: merchantID,
		Amount:     amount,
		Algorithm:  algorithm,
		CreatedAt:  r.clock.Now().UTC().Truncate(time.Millisecond),
	}

	if _, err := r.insertStmt.ExecContext(ctx, tx.ID, tx.MerchantID, tx.Amount, tx.Algorithm, tx.CreatedAt.UnixMilli()); err != nil {
		return nil, fmt.Errorf("insert transaction: %w", err)
	}

	r.logger.Debug("transaction recorded",
		zap.String("id", tx.ID),
		zap.String("merchant_id", merchantID),
		zap.String("algorithm", algorithm),
	)
	return tx, nil
}

// Page sizes of List
const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// List returns the latest transactions of a merchant, newest first. A
// non-positive limit selects DefaultListLimit; larger ones are clamped to
// MaxListLimit.
func (r *SQLiteRecorder) List(ctx context.Context, merchantID string, limit int) ([]Transaction, error) {
	switch {
	case limit <= 0:
		limit = DefaultListLimit
	case limit > MaxListLimit:
		limit = MaxListLimit
	}

	rows, err := r.listStmt.QueryContext(ctx, merchantID, limit)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var out []Transaction
	for rows.Next() {
		var (
			tx        Transaction
			createdAt int64
		)
		if err := rows.Scan(&tx.ID, &tx.MerchantID, &tx.Amount, &tx.Algorithm, &createdAt); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		tx.CreatedAt = time.UnixMilli(createdAt).UTC()
		out = append(out, tx)
	}
	return out, rows.Err()
}

// Prune deletes transactions older than olderThan and reports how many
// were removed.
func (r *SQLiteRecorder) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := r.clock.Now().Add(-olderThan).UnixMilli()

	res, err := r.pruneStmt.ExecContext(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune transactions: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the database.
func (r *SQLiteRecorder) Close() error {
	var err error
	r.closeOnce.Do(func() {
		for _, stmt := range []*sql.Stmt{r.insertStmt, r.listStmt, r.pruneStmt} {
			if stmt != nil {
				stmt.Close()
			}
		}
		err = r.db.Close()
	})
	return err
}
