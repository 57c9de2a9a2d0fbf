// Package history persists successfully published funding updates to
// Postgres so operators can audit what the relayer wrote on chain.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type FundingUpdate struct {
	Exchange    string
	MarketIndex uint16
	FundingRate int64
	Signature   string
	PublishedAt int64
}

type Store struct {
	db *sql.DB
}

func NewStore(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetConnMaxIdleTime(30 * time.Second)
	db.SetMaxIdleConns(2)
	db.SetMaxOpenConns(8)

	pingCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS funding_updates (
	id BIGSERIAL PRIMARY KEY,
	exchange TEXT NOT NULL,
	market_index INT NOT NULL,
	funding_rate BIGINT NOT NULL,
	signature TEXT NOT NULL,
	published_at BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS funding_updates_market_idx
	ON funding_updates (exchange, market_index, published_at);
`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate funding_updates: %w", err)
	}
	return nil
}

// RecordFundingUpdates inserts one row per published update in a single
// transaction.
func (s *Store) RecordFundingUpdates(ctx context.Context, updates []FundingUpdate) error {
	if len(updates) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	const insert = `
INSERT INTO funding_updates (exchange, market_index, funding_rate, signature, published_at)
VALUES ($1, $2, $3, $4, $5)
`
	for _, update := range updates {
		if _, err := tx.ExecContext(ctx, insert,
			update.Exchange,
			int32(update.MarketIndex),
			update.FundingRate,
			update.Signature,
			update.PublishedAt,
		); err != nil {
			return fmt.Errorf("insert funding update for %s market %d: %w", update.Exchange, update.MarketIndex, err)
		}
	}
	return tx.Commit()
}

// RecentUpdates returns the latest published updates for one market, newest
// first.
func (s *Store) RecentUpdates(ctx context.Context, exchange string, marketIndex uint16, limit int) ([]FundingUpdate, error) {
	const query = `
SELECT exchange, market_index, funding_rate, signature, published_at
FROM funding_updates
WHERE exchange = $1 AND market_index = $2
ORDER BY published_at DESC
LIMIT $3
`
	rows, err := s.db.QueryContext(ctx, query, exchange, int32(marketIndex), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []FundingUpdate
	for rows.Next() {
		var update FundingUpdate
		var marketIdx int32
		if err := rows.Scan(&update.Exchange, &marketIdx, &update.FundingRate, &update.Signature, &update.PublishedAt); err != nil {
			return nil, err
		}
		update.MarketIndex = uint16(marketIdx)
		out = append(out, update)
	}
	return out, rows.Err()
}
