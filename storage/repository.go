// Package storage provides the storage abstractions shared by the session
// client and the reference backend: sealed record repositories for server-side
// state, and scoped key/value areas for client-side navigation hand-off.
package storage

import "errors"

var (
	// ErrNotFound is returned when a record or key does not exist.
	ErrNotFound = errors.New("not found")
	// ErrNamespaceNotFound is returned when a namespace has never been written.
	ErrNamespaceNotFound = errors.New("namespace not found")
)

// Repository stores sealed records grouped by namespace and record type.
type Repository interface {
	Put(namespace, recordType, recordID string, envelope *Envelope) error
	Get(namespace, recordType, recordID string) (*Envelope, error)
	Delete(namespace, recordType, recordID string) error
	List(namespace, recordType string) ([]string, error)
}
