package journal

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/aristath/tranche/internal/domain"
)

const accountKey = "account"

// CachedAccount is the last good account state read from the broker
type CachedAccount struct {
	Account   domain.AccountSnapshot           `msgpack:"account"`
	Positions map[string]domain.BrokerPosition `msgpack:"positions"`
	StoredAt  time.Time                        `msgpack:"stored_at"`
}

// SnapshotCache keeps the last good broker snapshot in the cache database so
// a failed account refresh can fall back to it.
type SnapshotCache struct {
	db     *sql.DB
	maxAge time.Duration
	log    zerolog.Logger
}

// NewSnapshotCache creates the cache. Entries older than maxAge are ignored;
// zero keeps them forever.
func NewSnapshotCache(db *sql.DB, maxAge time.Duration, log zerolog.Logger) *SnapshotCache {
	return &SnapshotCache{
		db:     db,
		maxAge: maxAge,
		log:    log.With().Str("component", "snapshot_cache").Logger(),
	}
}

// Store saves the account and positions
func (c *SnapshotCache) Store(account domain.AccountSnapshot, positions map[string]domain.BrokerPosition) error {
	entry := CachedAccount{Account: account, Positions: positions, StoredAt: time.Now().UTC()}
	payload, err := msgpack.Marshal(&entry)
	if err != nil {
		return fmt.Errorf("encode account snapshot: %w", err)
	}

	_, err = c.db.Exec(`INSERT INTO snapshot_cache (key, payload, stored_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET payload = excluded.payload, stored_at = excluded.stored_at`,
		accountKey, payload, entry.StoredAt.Unix())
	if err != nil {
		return fmt.Errorf("store account snapshot: %w", err)
	}
	return nil
}

// Load returns the cached account. ok is false when nothing usable is cached.
func (c *SnapshotCache) Load() (entry CachedAccount, ok bool, err error) {
	var payload []byte
	err = c.db.QueryRow(`SELECT payload FROM snapshot_cache WHERE key = ?`, accountKey).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return CachedAccount{}, false, nil
	}
	if err != nil {
		return CachedAccount{}, false, fmt.Errorf("load account snapshot: %w", err)
	}

	if err := msgpack.Unmarshal(payload, &entry); err != nil {
		return CachedAccount{}, false, fmt.Errorf("decode account snapshot: %w", err)
	}

	if c.maxAge > 0 && time.Since(entry.StoredAt) > c.maxAge {
		c.log.Debug().Time("stored_at", entry.StoredAt).Msg("Cached account snapshot too old")
		return CachedAccount{}, false, nil
	}
	return entry, true, nil
}
