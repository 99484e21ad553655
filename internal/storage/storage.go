package storage

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/bonomat/satsday/internal/ark"
	"github.com/bonomat/satsday/internal/config"
	"github.com/bonomat/satsday/internal/logging"

	"github.com/dgraph-io/badger/v4"
)

const (
	seenOutpointKeyPrefix = "seen_outpoint_"
	vtxoSnapshotKeyPrefix = "vtxo_snapshot_"
	vtxoSyncCursorKey     = "vtxo_sync_cursor"
)

// Storage is a badger-backed cache of chain-side state: the outpoints
// the poller has already examined and the last VTXO snapshot per game
// address. It is an optimisation only; the ledger remains the source of
// truth for settlement.
type Storage struct {
	db *badger.DB
}

var globalStorage = &Storage{}

func (s *Storage) Load() error {
	cfg := config.GetConfig()
	badgerOpts := badger.DefaultOptions(cfg.Storage.Directory).
		WithLogger(NewBadgerLogger()).
		// The default INFO logging is a bit verbose
		WithLoggingLevel(badger.WARNING)
	db, err := badger.Open(badgerOpts)
	if err != nil {
		return err
	}
	s.db = db
	return nil
}

func (s *Storage) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// MarkOutpointSeen records that the poller has examined an outpoint
func (s *Storage) MarkOutpointSeen(outpoint ark.Outpoint) error {
	key := seenOutpointKeyPrefix + outpoint.String()
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), []byte{1})
	})
	return err
}

// IsOutpointSeen reports whether the poller already examined an outpoint
func (s *Storage) IsOutpointSeen(outpoint ark.Outpoint) (bool, error) {
	key := seenOutpointKeyPrefix + outpoint.String()
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(key))
		return err
	})
	if err == badger.ErrKeyNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// UpdateVtxoSnapshot replaces the cached VTXO set for an address
func (s *Storage) UpdateVtxoSnapshot(
	address string,
	vtxos []ark.VtxoOutPoint,
) error {
	logger := logging.GetLogger()
	logger.Debugf(
		"caching %d VTXOs for address %s",
		len(vtxos),
		address,
	)
	key := vtxoSnapshotKeyPrefix + address
	data, err := json.Marshal(vtxos)
	if err != nil {
		return fmt.Errorf("failed to marshal vtxo snapshot: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	})
	return err
}

// GetVtxoSnapshot returns the cached VTXO set for an address, or nil
// when no snapshot has been taken yet
func (s *Storage) GetVtxoSnapshot(address string) ([]ark.VtxoOutPoint, error) {
	key := vtxoSnapshotKeyPrefix + address
	var ret []ark.VtxoOutPoint
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			return json.Unmarshal(v, &ret)
		})
	})
	if err == badger.ErrKeyNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return ret, nil
}

// UpdateSyncCursor records when the VTXO snapshot was last refreshed
func (s *Storage) UpdateSyncCursor(syncedAt time.Time) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		val := strconv.FormatInt(syncedAt.Unix(), 10)
		return txn.Set([]byte(vtxoSyncCursorKey), []byte(val))
	})
	return err
}

// GetSyncCursor returns the last snapshot refresh time, or the zero
// time when no sync has run
func (s *Storage) GetSyncCursor() (time.Time, error) {
	var syncedAt time.Time
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(vtxoSyncCursorKey))
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			unix, err := strconv.ParseInt(string(v), 10, 64)
			if err != nil {
				return err
			}
			syncedAt = time.Unix(unix, 0)
			return nil
		})
	})
	if err == badger.ErrKeyNotFound {
		return time.Time{}, nil
	}
	return syncedAt, err
}

func GetStorage() *Storage {
	return globalStorage
}

// BadgerLogger is a wrapper type to give our logger the expected interface
type BadgerLogger struct {
	*logging.Logger
}

func NewBadgerLogger() *BadgerLogger {
	return &BadgerLogger{
		Logger: logging.GetLogger(),
	}
}

func (b *BadgerLogger) Warningf(msg string, args ...any) {
	b.Logger.Warnf(msg, args...)
}
