package registry

import (
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

var bucketRegistry = []byte("registry")

// kvStore is the local, durable view of the registry tree. It is applied
// to by the raft FSM and read directly by Registry for local reads, the
// same split the teacher's storage.Store/WarrenFSM pair uses.
type kvStore struct {
	db *bolt.DB
}

func newKVStore(dataDir string) (*kvStore, error) {
	dbPath := filepath.Join(dataDir, "registry.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open registry database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketRegistry)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &kvStore{db: db}, nil
}

func (s *kvStore) set(key string, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRegistry).Put([]byte(key), value)
	})
}

func (s *kvStore) get(key string) ([]byte, bool, error) {
	var value []byte
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketRegistry).Get([]byte(key))
		if data == nil {
			return nil
		}
		found = true
		value = make([]byte, len(data))
		copy(value, data)
		return nil
	})
	return value, found, err
}

func (s *kvStore) delete(key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRegistry).Delete([]byte(key))
	})
}

// list returns every key under prefix (a slash-path directory), along with
// its raw value, used by the installers to scan all clusters of a type.
func (s *kvStore) list(prefix string) (map[string][]byte, error) {
	results := make(map[string][]byte)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketRegistry).Cursor()
		p := []byte(prefix)
		for k, v := c.Seek(p); k != nil && hasPrefix(k, p); k, v = c.Next() {
			value := make([]byte, len(v))
			copy(value, v)
			results[string(k)] = value
		}
		return nil
	})
	return results, err
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}

func (s *kvStore) close() error {
	return s.db.Close()
}
