// Package ledger remembers the checksum each guest run produced, so that a
// later run of the same guest with the same configuration, possibly on
// another machine, can be checked for divergence.
package ledger

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var checksumBucketName = []byte("checksums")

var ErrDiverged = errors.New("ledger: checksum diverged")

// ModuleHash identifies a guest binary.
type ModuleHash [sha256.Size]byte

func HashModule(wasm []byte) ModuleHash {
	return sha256.Sum256(wasm)
}

type Ledger struct {
	db *bolt.DB
}

// Open opens or creates the ledger database at path.
func Open(path string) (*Ledger, error) {
	db, err := bolt.Open(path, 0o666, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("ledger: opening %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(checksumBucketName)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger: creating bucket: %w", err)
	}
	return &Ledger{db: db}, nil
}

func (l *Ledger) Close() error {
	return l.db.Close()
}

func key(module ModuleHash, run string) []byte {
	k := make([]byte, 0, len(module)+len(run))
	k = append(k, module[:]...)
	return append(k, run...)
}

// Record stores checksum for the module and run configuration. It reports
// whether this was the first record for them, and returns an error wrapping
// ErrDiverged if an earlier record disagrees.
func (l *Ledger) Record(module ModuleHash, run string, checksum uint64) (first bool, err error) {
	err = l.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(checksumBucketName)
		k := key(module, run)
		if prev := bucket.Get(k); prev != nil {
			if len(prev) != 8 {
				return fmt.Errorf("ledger: corrupt record of %d bytes", len(prev))
			}
			if recorded := binary.LittleEndian.Uint64(prev); recorded != checksum {
				return fmt.Errorf("%w: run %q recorded %#016x, got %#016x", ErrDiverged, run, recorded, checksum)
			}
			return nil
		}
		first = true
		return bucket.Put(k, binary.LittleEndian.AppendUint64(nil, checksum))
	})
	return first, err
}

// Lookup returns the recorded checksum, if any.
func (l *Ledger) Lookup(module ModuleHash, run string) (checksum uint64, ok bool, err error) {
	err = l.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(checksumBucketName).Get(key(module, run))
		if len(v) == 8 {
			checksum, ok = binary.LittleEndian.Uint64(v), true
		}
		return nil
	})
	return checksum, ok, err
}
