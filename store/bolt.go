package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/klauspost/compress/zstd"
	"go.etcd.io/bbolt"

	contentsearch "github.com/wolfeidau/content-search"
	"github.com/wolfeidau/content-search/telemetry"
)

const (
	// compressionThreshold is the payload size above which values are
	// zstd-compressed. Smaller payloads are not worth the overhead.
	compressionThreshold = 2 * 1024
)

// envelope wraps a stored payload with its expiry and encoding.
type envelope struct {
	Payload    []byte    `json:"payload"`
	ExpiresAt  time.Time `json:"expiresAt,omitzero"`
	Compressed bool      `json:"compressed,omitempty"`
}

func (e *envelope) expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// BoltKV implements KV on a bbolt database, one bucket per namespace.
type BoltKV struct {
	db      *bbolt.DB
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	logger  *slog.Logger
	now     func() time.Time
	noSync  bool
}

// BoltOption configures a BoltKV.
type BoltOption func(*BoltKV)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) BoltOption {
	return func(b *BoltKV) {
		b.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) BoltOption {
	return func(b *BoltKV) {
		b.now = now
	}
}

// WithNoSync disables fsync per transaction.
// WARNING: This improves write performance but risks data loss on crash.
// Use only for testing or benchmarking, never in production.
func WithNoSync(noSync bool) BoltOption {
	return func(b *BoltKV) {
		b.noSync = noSync
	}
}

// OpenBolt opens (or creates) a bbolt-backed store at path.
func OpenBolt(path string, opts ...BoltOption) (*BoltKV, error) {
	b := &BoltKV{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  b.noSync,
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	b.db = db

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	b.encoder = enc

	dec, err := zstd.NewReader(nil)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	b.decoder = dec

	b.logger.Debug("opened store", "path", path, "noSync", b.noSync)
	return b, nil
}

// Close closes the underlying database and codec.
func (b *BoltKV) Close() error {
	if b.encoder != nil {
		_ = b.encoder.Close()
	}
	if b.decoder != nil {
		b.decoder.Close()
	}
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}

// Get retrieves the value for key in namespace ns. An expired entry is
// deleted lazily and reported as ErrNotFound.
func (b *BoltKV) Get(ctx context.Context, ns, key string) ([]byte, error) {
	start := b.now()

	var (
		payload []byte
		expired bool
	)
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(ns))
		if bucket == nil {
			return contentsearch.ErrNotFound
		}
		raw := bucket.Get([]byte(key))
		if raw == nil {
			return contentsearch.ErrNotFound
		}

		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return fmt.Errorf("decoding envelope: %w", err)
		}
		if env.expired(b.now()) {
			expired = true
			return contentsearch.ErrNotFound
		}

		var err error
		payload, err = b.decode(&env)
		return err
	})

	if expired {
		// best effort lazy delete of the expired entry
		_ = b.db.Update(func(tx *bbolt.Tx) error {
			if bucket := tx.Bucket([]byte(ns)); bucket != nil {
				return bucket.Delete([]byte(key))
			}
			return nil
		})
	}

	outcome := "hit"
	switch {
	case errors.Is(err, contentsearch.ErrNotFound):
		outcome = "miss"
	case err != nil:
		outcome = "error"
	}
	telemetry.RecordStoreOp(ctx, ns, "get", outcome, b.now().Sub(start))

	if err != nil {
		return nil, err
	}
	return payload, nil
}

// Set stores value under key in namespace ns, creating the namespace
// bucket on first use.
func (b *BoltKV) Set(ctx context.Context, ns, key string, value []byte, ttl time.Duration) error {
	start := b.now()

	env := envelope{Payload: value}
	if ttl > 0 {
		env.ExpiresAt = b.now().Add(ttl)
	}
	if len(value) > compressionThreshold {
		env.Payload = b.encoder.EncodeAll(value, nil)
		env.Compressed = true
	}

	raw, err := json.Marshal(&env)
	if err != nil {
		return fmt.Errorf("encoding envelope: %w", err)
	}

	err = b.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists([]byte(ns))
		if err != nil {
			return fmt.Errorf("creating bucket %s: %w", ns, err)
		}
		return bucket.Put([]byte(key), raw)
	})

	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	telemetry.RecordStoreOp(ctx, ns, "set", outcome, b.now().Sub(start))
	return err
}

// Delete removes key from namespace ns.
func (b *BoltKV) Delete(ctx context.Context, ns, key string) error {
	start := b.now()

	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(ns))
		if bucket == nil {
			return nil
		}
		return bucket.Delete([]byte(key))
	})

	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	telemetry.RecordStoreOp(ctx, ns, "delete", outcome, b.now().Sub(start))
	return err
}

// List returns all live keys in namespace ns.
func (b *BoltKV) List(ctx context.Context, ns string) ([]string, error) {
	start := b.now()

	var keys []string
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(ns))
		if bucket == nil {
			return nil
		}
		now := b.now()
		return bucket.ForEach(func(k, v []byte) error {
			var env envelope
			if err := json.Unmarshal(v, &env); err != nil {
				return fmt.Errorf("decoding envelope for %s: %w", k, err)
			}
			if env.expired(now) {
				return nil
			}
			keys = append(keys, string(k))
			return nil
		})
	})

	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	telemetry.RecordStoreOp(ctx, ns, "list", outcome, b.now().Sub(start))

	if err != nil {
		return nil, err
	}
	return keys, nil
}

// Reap deletes expired entries across all namespaces and returns the
// count removed. Callers run it periodically; Get also removes expired
// entries lazily, so Reap only bounds space held by keys never read
// again.
func (b *BoltKV) Reap(ctx context.Context) (int, error) {
	var deleted int
	err := b.db.Update(func(tx *bbolt.Tx) error {
		now := b.now()
		return tx.ForEach(func(name []byte, bucket *bbolt.Bucket) error {
			var stale [][]byte
			err := bucket.ForEach(func(k, v []byte) error {
				var env envelope
				if err := json.Unmarshal(v, &env); err != nil {
					// unreadable entries are removed rather than
					// kept forever
					stale = append(stale, append([]byte(nil), k...))
					return nil
				}
				if env.expired(now) {
					stale = append(stale, append([]byte(nil), k...))
				}
				return nil
			})
			if err != nil {
				return err
			}
			for _, k := range stale {
				if err := bucket.Delete(k); err != nil {
					return fmt.Errorf("deleting %s: %w", k, err)
				}
				deleted++
			}
			return nil
		})
	})
	if err != nil {
		return deleted, fmt.Errorf("reaping expired entries: %w", err)
	}
	if deleted > 0 {
		b.logger.Debug("reaped expired entries", "deleted", deleted)
	}
	return deleted, nil
}

func (b *BoltKV) decode(env *envelope) ([]byte, error) {
	if !env.Compressed {
		return env.Payload, nil
	}
	payload, err := b.decoder.DecodeAll(env.Payload, nil)
	if err != nil {
		return nil, fmt.Errorf("decompressing payload: %w", err)
	}
	return payload, nil
}

var _ KV = (*BoltKV)(nil)
