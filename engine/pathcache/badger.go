package pathcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/WessleyAI/warmpath/engine/domain"
)

// Key layout:
//
//	p/<from>/<to>            -> JSON CachedPath
//	t/<person>/<from>/<to>   -> empty, one per person on the entry
//
// Both carry the entry's TTL, so badger drops expired entries on its own;
// DeleteExpired only catches entries expired by an injected clock.
const (
	pathPrefix  = "p/"
	touchPrefix = "t/"
)

// BadgerConfig configures an embedded cache store.
type BadgerConfig struct {
	// Path is the data directory. Ignored when InMemory is set.
	Path       string
	InMemory   bool
	SyncWrites bool
	Logger     *slog.Logger
	// Now sets entry TTLs; defaults to time.Now.
	Now func() time.Time
}

// BadgerBackend keeps entries in an embedded badger database for
// single-node deployments that want the cache to survive restarts.
type BadgerBackend struct {
	db  *badger.DB
	now func() time.Time
}

type badgerLogger struct{ l *slog.Logger }

func (b badgerLogger) Errorf(f string, a ...interface{})   { b.l.Error(fmt.Sprintf(f, a...)) }
func (b badgerLogger) Warningf(f string, a ...interface{}) { b.l.Warn(fmt.Sprintf(f, a...)) }
func (b badgerLogger) Infof(f string, a ...interface{})    { b.l.Debug(fmt.Sprintf(f, a...)) }
func (b badgerLogger) Debugf(f string, a ...interface{})   { b.l.Debug(fmt.Sprintf(f, a...)) }

// OpenBadger opens (creating if needed) the database described by cfg.
func OpenBadger(cfg BadgerConfig) (*BadgerBackend, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, errors.New("pathcache: badger path is required")
		}
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("pathcache: create %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(badgerLogger{cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("pathcache: open badger: %w", err)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &BadgerBackend{db: db, now: cfg.Now}, nil
}

// Close closes the database.
func (b *BadgerBackend) Close() error { return b.db.Close() }

func pathKey(from, to string) []byte {
	return []byte(pathPrefix + from + "/" + to)
}

func touchKey(person, from, to string) []byte {
	return []byte(touchPrefix + person + "/" + from + "/" + to)
}

func (b *BadgerBackend) Get(_ context.Context, from, to string, now time.Time) (domain.CachedPath, error) {
	var e domain.CachedPath
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(pathKey(from, to))
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error { return json.Unmarshal(v, &e) })
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return domain.CachedPath{}, ErrMiss
	}
	if err != nil {
		return domain.CachedPath{}, err
	}
	if e.Expired(now) {
		return domain.CachedPath{}, ErrMiss
	}
	return e, nil
}

func (b *BadgerBackend) Put(_ context.Context, e domain.CachedPath) error {
	val, err := json.Marshal(e)
	if err != nil {
		return err
	}
	ttl := e.ExpiresAt.Sub(b.now())
	if ttl <= 0 {
		return nil
	}
	return b.db.Update(func(txn *badger.Txn) error {
		if err := txn.SetEntry(badger.NewEntry(pathKey(e.From, e.To), val).WithTTL(ttl)); err != nil {
			return err
		}
		for _, id := range touched(e) {
			if err := txn.SetEntry(badger.NewEntry(touchKey(id, e.From, e.To), nil).WithTTL(ttl)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *BadgerBackend) DeleteTouching(_ context.Context, personID string) (int, error) {
	prefix := []byte(touchPrefix + personID + "/")
	var pairs [][2]string
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			rest := strings.TrimPrefix(string(it.Item().Key()), string(prefix))
			from, to, ok := strings.Cut(rest, "/")
			if ok {
				pairs = append(pairs, [2]string{from, to})
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, p := range pairs {
		deleted, err := b.delete(p[0], p[1])
		if err != nil {
			return n, err
		}
		if deleted {
			n++
		}
	}
	return n, nil
}

// delete removes an entry and its touch keys.
func (b *BadgerBackend) delete(from, to string) (bool, error) {
	found := false
	err := b.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(pathKey(from, to))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		var e domain.CachedPath
		if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &e) }); err != nil {
			return err
		}
		found = true
		for _, id := range touched(e) {
			if err := txn.Delete(touchKey(id, from, to)); err != nil {
				return err
			}
		}
		return txn.Delete(pathKey(from, to))
	})
	return found, err
}

func (b *BadgerBackend) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	var expired [][2]string
	err := b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(pathPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var e domain.CachedPath
			if err := it.Item().Value(func(v []byte) error { return json.Unmarshal(v, &e) }); err != nil {
				return err
			}
			if e.Expired(now) {
				expired = append(expired, [2]string{e.From, e.To})
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, p := range expired {
		if ok, err := b.delete(p[0], p[1]); err != nil {
			return n, err
		} else if ok {
			n++
		}
	}
	return n, nil
}
