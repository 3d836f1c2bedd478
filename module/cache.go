package module

import (
	"context"
	"errors"

	badger "github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

// CacheOptions configures the fetch cache.
type CacheOptions struct {
	// Dir is the directory for the badger data files. Ignored when InMemory.
	Dir string
	// InMemory keeps the cache in memory only.
	InMemory bool
}

// CacheFetcher stores every successful fetch and serves the stored copy
// when the upstream fetch fails.
type CacheFetcher struct {
	upstream Fetcher
	db       *badger.DB
	log      *zap.Logger
}

func NewCacheFetcher(upstream Fetcher, opts CacheOptions, log *zap.Logger) (*CacheFetcher, error) {
	if !opts.InMemory && opts.Dir == "" {
		return nil, errors.New("module: cache dir is required for on-disk mode")
	}
	if log == nil {
		log = zap.NewNop()
	}
	dbOpts := badger.DefaultOptions(opts.Dir)
	if opts.InMemory {
		dbOpts = badger.DefaultOptions("").WithInMemory(true)
	}
	dbOpts = dbOpts.WithLogger(badgerLogger{log.Named("badger").Sugar()})
	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, err
	}
	return &CacheFetcher{upstream: upstream, db: db, log: log.Named("cache")}, nil
}

func (c *CacheFetcher) Fetch(ctx context.Context, locator string) ([]byte, error) {
	data, err := c.upstream.Fetch(ctx, locator)
	if err == nil {
		if serr := c.store(locator, data); serr != nil {
			c.log.Warn("cache store failed", zap.String("locator", locator), zap.Error(serr))
		}
		return data, nil
	}
	if ctx.Err() != nil {
		return nil, err
	}

	cached, cerr := c.lookup(locator)
	if cerr != nil {
		return nil, err
	}
	c.log.Info("serving cached copy", zap.String("locator", locator), zap.Error(err))
	return cached, nil
}

func (c *CacheFetcher) store(locator string, data []byte) error {
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(locator), data)
	})
}

func (c *CacheFetcher) lookup(locator string) ([]byte, error) {
	var val []byte
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(locator))
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	return val, err
}

func (c *CacheFetcher) Close() error {
	return c.db.Close()
}

// badgerLogger routes badger's logging to zap, dropping debug and info.
type badgerLogger struct {
	s *zap.SugaredLogger
}

func (l badgerLogger) Errorf(f string, v ...interface{})   { l.s.Errorf(f, v...) }
func (l badgerLogger) Warningf(f string, v ...interface{}) { l.s.Warnf(f, v...) }
func (badgerLogger) Infof(string, ...interface{})          {}
func (badgerLogger) Debugf(string, ...interface{})         {}
