package store

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketNetwork = []byte("network")
	bucketBackups = []byte("nvbackup")
	keyNetState   = []byte("state")
)

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketNetwork, bucketBackups} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) SaveNetworkState(state *NetworkState) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNetwork)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketNetwork)
		}
		// Use internal storage struct to persist the network key.
		st := networkStateStorage{
			PanID:          state.PanID,
			ExtPanID:       state.ExtPanID,
			Channels:       state.Channels,
			NetworkKey:     state.NetworkKey,
			Firmware:       state.Firmware,
			Formed:         state.Formed,
			CommissionedAt: state.CommissionedAt,
		}
		data, err := json.Marshal(st)
		if err != nil {
			return err
		}
		return b.Put(keyNetState, data)
	})
}

func (s *BoltStore) GetNetworkState() (*NetworkState, error) {
	var state NetworkState
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNetwork)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketNetwork)
		}
		data := b.Get(keyNetState)
		if data == nil {
			return fmt.Errorf("network state: %w", ErrNotFound)
		}
		var st networkStateStorage
		if err := json.Unmarshal(data, &st); err != nil {
			return err
		}
		state = NetworkState{
			PanID:          st.PanID,
			ExtPanID:       st.ExtPanID,
			Channels:       st.Channels,
			NetworkKey:     st.NetworkKey,
			Firmware:       st.Firmware,
			Formed:         st.Formed,
			CommissionedAt: st.CommissionedAt,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &state, nil
}

func (s *BoltStore) SaveBackup(backup *Backup) error {
	if backup.Name == "" {
		return fmt.Errorf("backup name is empty")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBackups)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketBackups)
		}
		data, err := json.Marshal(backup)
		if err != nil {
			return err
		}
		return b.Put([]byte(backup.Name), data)
	})
}

func (s *BoltStore) GetBackup(name string) (*Backup, error) {
	var backup Backup
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBackups)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketBackups)
		}
		data := b.Get([]byte(name))
		if data == nil {
			return fmt.Errorf("backup %s: %w", name, ErrNotFound)
		}
		return json.Unmarshal(data, &backup)
	})
	if err != nil {
		return nil, err
	}
	return &backup, nil
}

func (s *BoltStore) DeleteBackup(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBackups)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketBackups)
		}
		if b.Get([]byte(name)) == nil {
			return fmt.Errorf("backup %s: %w", name, ErrNotFound)
		}
		return b.Delete([]byte(name))
	})
}

// ListBackups returns all backups, newest first.
func (s *BoltStore) ListBackups() ([]*Backup, error) {
	var backups []*Backup
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBackups)
		if b == nil {
			return nil // no bucket = no backups
		}
		backups = make([]*Backup, 0, b.Stats().KeyN)
		return b.ForEach(func(k, v []byte) error {
			var backup Backup
			if err := json.Unmarshal(v, &backup); err != nil {
				return err
			}
			backups = append(backups, &backup)
			return nil
		})
	})
	sort.Slice(backups, func(i, j int) bool {
		return backups[i].CreatedAt.After(backups[j].CreatedAt)
	})
	return backups, err
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
