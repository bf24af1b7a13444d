package store

import "errors"

// ErrNotFound is returned when a requested entity does not exist in the store.
var ErrNotFound = errors.New("not found")

// Store defines the persistence interface.
type Store interface {
	// Network state
	SaveNetworkState(state *NetworkState) error
	GetNetworkState() (*NetworkState, error)

	// NV backups
	SaveBackup(b *Backup) error
	GetBackup(name string) (*Backup, error)
	DeleteBackup(name string) error
	ListBackups() ([]*Backup, error)

	// Close the store
	Close() error
}
