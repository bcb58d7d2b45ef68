// Package kvstore holds the gob codec and key layout shared by the components
// that keep state in a transactional key-value database.
package kvstore

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"

	"github.com/bvkgo/kv"
	"github.com/bvkgo/kvbadger"
	"github.com/dgraph-io/badger/v4"
)

const (
	PocketsDir   = "/pockets"
	BalancesDir  = "/custody/balances"
	RolesDir     = "/roles"
	WhitelistDir = "/whitelist"
	QuotersDir   = "/custody/quoters"
	ApprovalsDir = "/custody/approvals"
	FundingDir   = "/custody/funding"
	NoncesDir    = "/api/signatures"
	MetaDir      = "/meta"
)

// Key joins dir with escaped name parts.
func Key(dir string, parts ...string) string {
	key := dir
	for _, p := range parts {
		key += "/" + url.PathEscape(p)
	}
	return key
}

// IsNotExist reports whether err means the key was not found.
func IsNotExist(err error) bool {
	return errors.Is(err, os.ErrNotExist)
}

// Get reads and gob-decodes the value at key.
func Get[T any](ctx context.Context, g kv.Getter, key string) (*T, error) {
	value, err := g.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("get %q: %w", key, err)
	}
	v := new(T)
	if err := gob.NewDecoder(value).Decode(v); err != nil {
		return nil, fmt.Errorf("decode %q: %w", key, err)
	}
	return v, nil
}

// Set gob-encodes value at key.
func Set[T any](ctx context.Context, s kv.Setter, key string, value *T) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(value); err != nil {
		return fmt.Errorf("encode %q: %w", key, err)
	}
	return s.Set(ctx, key, &buf)
}

// Exists reports whether key holds a value.
func Exists(ctx context.Context, g kv.Getter, key string) (bool, error) {
	if _, err := g.Get(ctx, key); err != nil {
		if IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Ascend calls fn for every value under dir in key order.
func Ascend[T any](ctx context.Context, r kv.Reader, dir string, fn func(key string, value *T) error) error {
	begin, end := PathRange(dir)
	it, err := r.Ascend(ctx, begin, end)
	if err != nil {
		return err
	}
	defer kv.Close(it)

	for k, v, err := it.Fetch(ctx, false); err == nil; k, v, err = it.Fetch(ctx, true) {
		gv := new(T)
		if err := gob.NewDecoder(v).Decode(gv); err != nil {
			return fmt.Errorf("decode %q: %w", k, err)
		}
		if err := fn(k, gv); err != nil {
			return err
		}
	}
	if _, _, err := it.Fetch(ctx, false); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("ascend %q: %w", dir, err)
	}
	return nil
}

// PathRange returns the key range covering every child of dir.
func PathRange(dir string) (begin string, end string) {
	dir = path.Clean(dir)
	if dir == "/" {
		return "", ""
	}
	return dir + "/", dir + string('/'+1)
}

// DB is a badger-backed database plus the handle needed to close it.
type DB struct {
	kv.Database
	bdb *badger.DB
}

// Open opens (or creates) the badger database in dir.
func Open(dir string) (*DB, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	bdb, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open state db %s: %w", dir, err)
	}
	return &DB{Database: kvbadger.New(bdb, isGoodKey), bdb: bdb}, nil
}

// Close releases the underlying database.
func (d *DB) Close() error {
	return d.bdb.Close()
}

func isGoodKey(k string) bool {
	return path.IsAbs(k) && k == path.Clean(k)
}
