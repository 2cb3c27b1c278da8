package discovery

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"

	"crdtstore/internal/logging"
)

var (
	bucketScheme = []byte("scheme")
	keyLatest    = []byte("latest")
)

// CachedSource wraps an upstream Source with a durable last-known-good
// cache: a single bbolt bucket holding the latest scheme, msgpack-
// encoded to match this engine's other control-structure codec. It
// extends "a failing tick keeps the previous scheme in force" across
// process restarts: a node that crashes and restarts before its first
// successful discovery tick still has the last scheme it saw, instead
// of starting with zero partitions.
type CachedSource struct {
	upstream Source
	db       *bolt.DB
	logger   *slog.Logger

	have   bool
	cached Scheme
}

// NewCachedSource opens (or creates) the bbolt cache at dbPath and loads
// whatever scheme was last persisted, if any.
func NewCachedSource(upstream Source, dbPath string, logger *slog.Logger) (*CachedSource, error) {
	db, err := bolt.Open(dbPath, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("discovery: open cache %s: %w", dbPath, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketScheme)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("discovery: init cache bucket: %w", err)
	}

	c := &CachedSource{
		upstream: upstream,
		db:       db,
		logger:   logging.Default(logger).With("component", "discovery-cache"),
	}
	sch, ok, err := c.load()
	if err != nil {
		c.logger.Warn("failed to load cached scheme, starting scheme-less", "error", err)
	} else if ok {
		c.cached = sch
		c.have = true
		c.logger.Info("loaded last known scheme from cache", "version", sch.Version)
	}
	return c, nil
}

func (c *CachedSource) load() (Scheme, bool, error) {
	var sch Scheme
	var found bool
	err := c.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketScheme).Get(keyLatest)
		if data == nil {
			return nil
		}
		found = true
		return msgpack.Unmarshal(data, &sch)
	})
	return sch, found, err
}

func (c *CachedSource) save(sch Scheme) error {
	data, err := msgpack.Marshal(sch)
	if err != nil {
		return fmt.Errorf("discovery: encode scheme: %w", err)
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketScheme).Put(keyLatest, data)
	})
}

// Next tries the upstream Source first. On success the scheme is
// persisted to the cache and returned. On failure, the last persisted
// scheme is returned instead of propagating the error, provided one
// exists; otherwise the error is returned as-is since there is nothing
// to fall back to yet.
func (c *CachedSource) Next(ctx context.Context) (Scheme, error) {
	sch, err := c.upstream.Next(ctx)
	if err != nil {
		if c.have {
			c.logger.Warn("discovery tick failed, keeping last known scheme", "error", err, "version", c.cached.Version)
			return c.cached, nil
		}
		return Scheme{}, err
	}
	if err := c.save(sch); err != nil {
		c.logger.Warn("failed to persist scheme to cache", "error", err)
	}
	c.cached, c.have = sch, true
	return sch, nil
}

// Close releases the bbolt database. It does not close the upstream
// Source; callers that opened one are responsible for it.
func (c *CachedSource) Close() error { return c.db.Close() }
