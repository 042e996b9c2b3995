package domain

import "github.com/oklog/ulid/v2"

// NewID returns a new lexicographically sortable id for messages, requests
// and coordination records.
func NewID() string {
	return ulid.Make().String()
}
