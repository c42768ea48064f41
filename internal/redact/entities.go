// Package redact finds sensitive text on rendered page images and paints
// opaque boxes over it.
package redact

import (
	"errors"
	"fmt"
	"strings"
)

// Entity is a category of sensitive text the engine can be asked to mask.
type Entity string

const (
	Person       Entity = "PERSON"
	EmailAddress Entity = "EMAIL_ADDRESS"
	PhoneNumber  Entity = "PHONE_NUMBER"
	URL          Entity = "URL"
)

// ErrUnknownEntity is returned by ParseEntities for labels outside the
// supported set.
var ErrUnknownEntity = errors.New("unknown entity")

// DefaultEntities is the label set used when a request does not name any.
var DefaultEntities = []Entity{Person, EmailAddress, PhoneNumber, URL}

// ParseEntities turns a comma separated list of labels into entities.
// Labels are case-insensitive and duplicates are dropped. An empty list
// selects DefaultEntities.
func ParseEntities(raw string) ([]Entity, error) {
	if strings.TrimSpace(raw) == "" {
		return append([]Entity(nil), DefaultEntities...), nil
	}

	seen := make(map[Entity]bool)
	var out []Entity
	for _, part := range strings.Split(raw, ",") {
		label := strings.ToUpper(strings.TrimSpace(part))
		if label == "" {
			continue
		}
		e := Entity(label)
		if !e.Valid() {
			return nil, fmt.Errorf("%w: %q", ErrUnknownEntity, part)
		}
		if seen[e] {
			continue
		}
		seen[e] = true
		out = append(out, e)
	}
	if len(out) == 0 {
		return append([]Entity(nil), DefaultEntities...), nil
	}
	return out, nil
}

// Valid reports whether e is one of the supported labels.
func (e Entity) Valid() bool {
	for _, d := range DefaultEntities {
		if e == d {
			return true
		}
	}
	return false
}

// Strings converts a label slice for logging and storage.
func Strings(entities []Entity) []string {
	out := make([]string, len(entities))
	for i, e := range entities {
		out[i] = string(e)
	}
	return out
}
