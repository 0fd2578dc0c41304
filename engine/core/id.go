package core

import (
	"fmt"

	"github.com/segmentio/ksuid"
)

// ID is a sortable unique identifier for records created by this service.
type ID string

// NewID generates a new ksuid-backed ID.
func NewID() ID {
	return ID(ksuid.New().String())
}

// ParseID validates a raw string as an ID.
func ParseID(raw string) (ID, error) {
	if _, err := ksuid.Parse(raw); err != nil {
		return "", fmt.Errorf("core: invalid id %q: %w", raw, err)
	}
	return ID(raw), nil
}

func (i ID) String() string {
	return string(i)
}

// IsZero reports whether the ID is unset.
func (i ID) IsZero() bool {
	return i == ""
}
