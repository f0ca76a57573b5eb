// Package snapshot persists the tracker's bounded state — the rolling
// candle window plus the latest price — to SQLite, so a restart resumes
// with a warm chart instead of an empty one. Each save replaces the
// previous snapshot in one transaction; at most the rolling window is
// ever on disk.
package snapshot

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"coinwatchv1/internal/model"

	_ "github.com/mattn/go-sqlite3"
)

// StoreConfig configures the snapshot store.
type StoreConfig struct {
	DBPath string // path to SQLite database file, e.g. "data/coinwatch.db"
}

// Store is a single-writer SQLite snapshot store.
type Store struct {
	db *sql.DB

	// Metrics hook (optional): observes save latency in seconds.
	OnSaveDur func(seconds float64)
}

// DB returns the underlying sql.DB for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// New opens the snapshot database with WAL mode and initializes the schema.
// The database directory is created if it does not exist.
func New(cfg StoreConfig) (*Store, error) {
	if dir := filepath.Dir(cfg.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("snapshot dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", cfg.DBPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("snapshot open: %w", err)
	}

	// Single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		return nil, fmt.Errorf("snapshot schema: %w", err)
	}

	log.Printf("[snapshot] opened database at %s", cfg.DBPath)
	return &Store{db: db}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS window_candles (
			symbol       TEXT    NOT NULL,
			pos          INTEGER NOT NULL,
			window_start INTEGER NOT NULL,
			open         INTEGER NOT NULL,
			high         INTEGER NOT NULL,
			low          INTEGER NOT NULL,
			close        INTEGER NOT NULL,
			PRIMARY KEY (symbol, pos)
		);

		CREATE TABLE IF NOT EXISTS tracker_state (
			symbol       TEXT    PRIMARY KEY,
			latest_price INTEGER NOT NULL,
			saved_at     INTEGER NOT NULL
		);
	`)
	return err
}

// Save replaces the stored snapshot for symbol in one transaction.
func (s *Store) Save(ctx context.Context, symbol string, latest int64, candles []model.Candle) error {
	start := time.Now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("snapshot begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM window_candles WHERE symbol = ?`, symbol); err != nil {
		return fmt.Errorf("snapshot clear: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO window_candles (symbol, pos, window_start, open, high, low, close)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("snapshot prepare: %w", err)
	}
	defer stmt.Close()

	// pos keys the row: window starts are not unique (count-based windows
	// can share a start timestamp when ticks share one).
	for i, c := range candles {
		if _, err := stmt.ExecContext(ctx,
			c.Symbol, i, c.WindowStart.UnixNano(), c.Open, c.High, c.Low, c.Close); err != nil {
			return fmt.Errorf("snapshot insert: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO tracker_state (symbol, latest_price, saved_at)
		VALUES (?, ?, ?)
		ON CONFLICT(symbol) DO UPDATE SET latest_price = excluded.latest_price, saved_at = excluded.saved_at`,
		symbol, latest, time.Now().Unix()); err != nil {
		return fmt.Errorf("snapshot state: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("snapshot commit: %w", err)
	}

	if s.OnSaveDur != nil {
		s.OnSaveDur(time.Since(start).Seconds())
	}
	return nil
}

// Load reads the stored snapshot for symbol. Returns latest price 0 and an
// empty slice when no snapshot exists.
func (s *Store) Load(ctx context.Context, symbol string) (int64, []model.Candle, error) {
	var latest int64
	err := s.db.QueryRowContext(ctx,
		`SELECT latest_price FROM tracker_state WHERE symbol = ?`, symbol).Scan(&latest)
	if err == sql.ErrNoRows {
		return 0, nil, nil
	}
	if err != nil {
		return 0, nil, fmt.Errorf("snapshot state read: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT symbol, window_start, open, high, low, close
		FROM window_candles WHERE symbol = ?
		ORDER BY pos ASC`, symbol)
	if err != nil {
		return 0, nil, fmt.Errorf("snapshot read: %w", err)
	}
	defer rows.Close()

	var candles []model.Candle
	for rows.Next() {
		var c model.Candle
		var startNS int64
		if err := rows.Scan(&c.Symbol, &startNS, &c.Open, &c.High, &c.Low, &c.Close); err != nil {
			return 0, nil, fmt.Errorf("snapshot scan: %w", err)
		}
		c.WindowStart = time.Unix(0, startNS).UTC()
		candles = append(candles, c)
	}
	if err := rows.Err(); err != nil {
		return 0, nil, fmt.Errorf("snapshot rows: %w", err)
	}
	return latest, candles, nil
}

// Run saves a snapshot every interval and once more on shutdown. The
// source callback supplies a consistent (latest, window) pair. Blocks
// until ctx is cancelled.
func (s *Store) Run(ctx context.Context, symbol string, interval time.Duration, source func() (int64, []model.Candle)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Final save with a fresh context; ctx is already cancelled.
			saveCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			latest, candles := source()
			if err := s.Save(saveCtx, symbol, latest, candles); err != nil {
				log.Printf("[snapshot] final save failed: %v", err)
			}
			cancel()
			return
		case <-ticker.C:
			latest, candles := source()
			if latest == 0 && len(candles) == 0 {
				continue
			}
			if err := s.Save(ctx, symbol, latest, candles); err != nil {
				log.Printf("[snapshot] periodic save failed: %v", err)
			}
		}
	}
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
