package core

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// EntityRef identifies a source document owned by the domain layer.
// The AI core treats the referenced entity as an opaque text payload.
type EntityRef struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

func (r EntityRef) String() string {
	return r.Type + "/" + r.ID
}

// Validate checks that both parts of the reference are present.
func (r EntityRef) Validate() error {
	if strings.TrimSpace(r.Type) == "" {
		return errors.New("core: entity type is required")
	}
	if strings.TrimSpace(r.ID) == "" {
		return errors.New("core: entity id is required")
	}
	return nil
}

// ParseEntityRef parses a "type/id" string into an EntityRef.
func ParseEntityRef(raw string) (EntityRef, error) {
	parts := strings.SplitN(raw, "/", 2)
	if len(parts) != 2 {
		return EntityRef{}, fmt.Errorf("core: invalid entity ref %q", raw)
	}
	ref := EntityRef{Type: parts[0], ID: parts[1]}
	if err := ref.Validate(); err != nil {
		return EntityRef{}, err
	}
	return ref, nil
}

// SourceAccessor resolves a source document's text and last-modified time.
// The domain layer supplies the implementation.
type SourceAccessor interface {
	SourceText(ref EntityRef) (text string, updatedAt time.Time, err error)
}
