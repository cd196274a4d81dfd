package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

// BadgerConfig configures the badger engine.
type BadgerConfig struct {
	// Path is the directory for database files. Ignored when InMemory is true.
	Path string
	// InMemory keeps everything in RAM. Useful for tests.
	InMemory bool
	// SyncWrites fsyncs every commit.
	SyncWrites bool
	// GCInterval is how often value log GC runs. Zero disables it.
	GCInterval time.Duration
	// ConflictRetry bounds how long Update keeps retrying write conflicts.
	ConflictRetry time.Duration
	Logger        *zap.SugaredLogger
}

// BadgerEngine implements Engine on top of badger's serializable transactions.
// Two engines racing on the same key get badger.ErrConflict; Update retries
// the whole transaction function with exponential backoff so callers see
// plain compare-and-set semantics.
type BadgerEngine struct {
	db     *badger.DB
	cfg    BadgerConfig
	stopCh chan struct{}
	doneCh chan struct{}
}

type badgerLogger struct{ l *zap.SugaredLogger }

func (b badgerLogger) Errorf(f string, a ...interface{})   { b.l.Errorf(f, a...) }
func (b badgerLogger) Warningf(f string, a ...interface{}) { b.l.Warnf(f, a...) }
func (b badgerLogger) Infof(f string, a ...interface{})    { b.l.Debugf(f, a...) }
func (b badgerLogger) Debugf(f string, a ...interface{})   { b.l.Debugf(f, a...) }

// OpenBadger opens (or creates) a badger database.
func OpenBadger(cfg BadgerConfig) (*BadgerEngine, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent database")
	}
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(badgerLogger{cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}
	if cfg.ConflictRetry <= 0 {
		cfg.ConflictRetry = 2 * time.Second
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	e := &BadgerEngine{db: db, cfg: cfg}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		e.stopCh = make(chan struct{})
		e.doneCh = make(chan struct{})
		go e.runGC()
	}
	return e, nil
}

// Update runs fn in a badger read-write transaction, retrying on conflict.
func (e *BadgerEngine) Update(ctx context.Context, fn func(tx Txn) error) error {
	op := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		err := e.db.Update(func(txn *badger.Txn) error {
			return fn(&badgerTxn{txn: txn, writable: true})
		})
		if errors.Is(err, badger.ErrConflict) {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 5 * time.Millisecond
	bo.MaxInterval = 100 * time.Millisecond
	bo.MaxElapsedTime = e.cfg.ConflictRetry
	return backoff.Retry(op, backoff.WithContext(bo, ctx))
}

// View runs fn in a badger read-only transaction.
func (e *BadgerEngine) View(ctx context.Context, fn func(tx Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return e.db.View(func(txn *badger.Txn) error {
		return fn(&badgerTxn{txn: txn})
	})
}

// Close stops GC and closes the database.
func (e *BadgerEngine) Close() error {
	if e.stopCh != nil {
		close(e.stopCh)
		<-e.doneCh
	}
	return e.db.Close()
}

func (e *BadgerEngine) runGC() {
	defer close(e.doneCh)
	ticker := time.NewTicker(e.cfg.GCInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			// ErrNoRewrite only means there was nothing worth collecting.
			if err := e.db.RunValueLogGC(0.5); err != nil && !errors.Is(err, badger.ErrNoRewrite) && e.cfg.Logger != nil {
				e.cfg.Logger.Warnw("badger value log GC failed", "error", err)
			}
		}
	}
}

type badgerTxn struct {
	txn      *badger.Txn
	writable bool
}

func (t *badgerTxn) Get(key string) ([]byte, error) {
	item, err := t.txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, errKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	return item.ValueCopy(nil)
}

func (t *badgerTxn) Set(key string, value []byte) error {
	if !t.writable {
		return errReadOnly
	}
	return t.txn.Set([]byte(key), value)
}

func (t *badgerTxn) Delete(key string) error {
	if !t.writable {
		return errReadOnly
	}
	return t.txn.Delete([]byte(key))
}

func (t *badgerTxn) Scan(prefix string, fn func(key string, value []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(prefix)
	it := t.txn.NewIterator(opts)
	defer it.Close()
	p := []byte(prefix)
	for it.Seek(p); it.ValidForPrefix(p); it.Next() {
		item := it.Item()
		v, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if err := fn(string(item.KeyCopy(nil)), v); err != nil {
			return err
		}
	}
	return nil
}
