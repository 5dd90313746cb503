// Package store persists markets and accounts in a luxfi/database
// key-value store. Records are JSON-encoded; every Commit goes through a
// single batch so all records of one logical operation land atomically.
package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/luxfi/database"

	"github.com/luxfi/perp/pkg/perp"
)

var (
	marketPrefix  = []byte("market/")
	accountPrefix = []byte("account/")
)

// Store implements perp.LedgerStore over a database.Database.
type Store struct {
	db database.Database
}

// New wraps an open database.
func New(db database.Database) *Store {
	return &Store{db: db}
}

func marketKey(index uint16) []byte {
	key := make([]byte, len(marketPrefix)+2)
	copy(key, marketPrefix)
	binary.BigEndian.PutUint16(key[len(marketPrefix):], index)
	return key
}

func accountKey(id string) []byte {
	return append(append([]byte{}, accountPrefix...), id...)
}

// Market loads one market record.
func (s *Store) Market(index uint16) (*perp.Market, error) {
	raw, err := s.db.Get(marketKey(index))
	if err == database.ErrNotFound {
		return nil, perp.ErrInvalidMarketIndex
	}
	if err != nil {
		return nil, fmt.Errorf("load market %d: %w", index, err)
	}
	var m perp.Market
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode market %d: %w", index, err)
	}
	return &m, nil
}

// Account loads one account record.
func (s *Store) Account(id string) (*perp.Account, error) {
	raw, err := s.db.Get(accountKey(id))
	if err == database.ErrNotFound {
		return nil, perp.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load account %s: %w", id, err)
	}
	var a perp.Account
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, fmt.Errorf("decode account %s: %w", id, err)
	}
	return &a, nil
}

// Markets lists every market in index order.
func (s *Store) Markets() ([]*perp.Market, error) {
	iter := s.db.NewIteratorWithPrefix(marketPrefix)
	defer iter.Release()

	var out []*perp.Market
	for iter.Next() {
		var m perp.Market
		if err := json.Unmarshal(iter.Value(), &m); err != nil {
			return nil, fmt.Errorf("decode market record: %w", err)
		}
		out = append(out, &m)
	}
	return out, iter.Error()
}

// AccountIDs lists every known account ID.
func (s *Store) AccountIDs() ([]string, error) {
	iter := s.db.NewIteratorWithPrefix(accountPrefix)
	defer iter.Release()

	var out []string
	for iter.Next() {
		out = append(out, string(iter.Key()[len(accountPrefix):]))
	}
	return out, iter.Error()
}

// Commit writes every record in one batch.
func (s *Store) Commit(markets []*perp.Market, accounts []*perp.Account) error {
	batch := s.db.NewBatch()
	for _, m := range markets {
		raw, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("encode market %d: %w", m.Index, err)
		}
		if err := batch.Put(marketKey(m.Index), raw); err != nil {
			return err
		}
	}
	for _, a := range accounts {
		raw, err := json.Marshal(a)
		if err != nil {
			return fmt.Errorf("encode account %s: %w", a.ID, err)
		}
		if err := batch.Put(accountKey(a.ID), raw); err != nil {
			return err
		}
	}
	return batch.Write()
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
