// Package store persists the small bits of state worth keeping between
// runs: the regional API base the vendor last redirected us to, and the
// most recent auth token the probe delivered.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
)

var (
	bucketState = []byte("state")

	keyAPIBase = []byte("api_base")
	keyToken   = []byte("auth_token")
)

var ErrNotFound = errors.New("store: key not found")

type Store struct {
	db *bbolt.DB
}

func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); nil != err {
		return nil, fmt.Errorf("create state directory: %v", err)
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 3 * time.Second}) //nolint:exhaustruct
	if nil != err {
		return nil, fmt.Errorf("open state database %s: %v", path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketState)
		return err
	})
	if nil != err {
		closeErr := db.Close()
		return nil, errors.Join(fmt.Errorf("initialize state database: %v", err), closeErr)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if err := s.db.Close(); nil != err {
		return fmt.Errorf("close state database: %v", err)
	}

	return nil
}

func (s *Store) PreferredAPIBase() (string, error) {
	return s.get(keyAPIBase)
}

func (s *Store) SetPreferredAPIBase(base string) error {
	return s.set(keyAPIBase, base)
}

func (s *Store) Token() (string, error) {
	return s.get(keyToken)
}

func (s *Store) SetToken(token string) error {
	return s.set(keyToken, token)
}

func (s *Store) get(key []byte) (string, error) {
	var out string
	err := s.db.View(func(tx *bbolt.Tx) error {
		value := tx.Bucket(bucketState).Get(key)
		if value == nil {
			return ErrNotFound
		}
		out = string(value)

		return nil
	})
	if nil != err {
		if errors.Is(err, ErrNotFound) {
			return "", ErrNotFound
		}

		return "", fmt.Errorf("read state key %s: %v", key, err)
	}

	return out, nil
}

func (s *Store) set(key []byte, value string) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if value == "" {
			return tx.Bucket(bucketState).Delete(key)
		}

		return tx.Bucket(bucketState).Put(key, []byte(value))
	})
	if nil != err {
		return fmt.Errorf("write state key %s: %v", key, err)
	}

	return nil
}
