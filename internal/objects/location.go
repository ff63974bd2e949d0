package objects

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// LocalSchema names the on-device schema that never reaches the network.
const LocalSchema = "local"

const maxIdentifierLength = 63

var (
	// ErrInvalidLocation indicates that a location is missing a schema or table, or names an unusable identifier.
	ErrInvalidLocation = errors.New("objects: invalid location")

	identifierPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)
)

// Location identifies a collection of objects, either on a remote server or in local storage.
type Location struct {
	Address string `json:"address,omitempty"`
	Schema  string `json:"schema"`
	Table   string `json:"table"`
}

// NewLocation validates raw input and returns a Location.
func NewLocation(address, schema, table string) (Location, error) {
	location := Location{
		Address: strings.TrimSpace(address),
		Schema:  strings.TrimSpace(schema),
		Table:   strings.TrimSpace(table),
	}
	if err := location.Validate(); err != nil {
		return Location{}, err
	}
	return location, nil
}

// Validate reports whether the location can be used for storage or retrieval.
func (l Location) Validate() error {
	if err := ValidateIdentifier(l.Schema); err != nil {
		return fmt.Errorf("%w: schema: %v", ErrInvalidLocation, err)
	}
	if err := ValidateIdentifier(l.Table); err != nil {
		return fmt.Errorf("%w: table: %v", ErrInvalidLocation, err)
	}
	if l.IsLocal() && l.Address != "" {
		return fmt.Errorf("%w: local schema cannot carry an address", ErrInvalidLocation)
	}
	return nil
}

// ValidateIdentifier checks that a schema or table name is safe to use as a Postgres identifier.
func ValidateIdentifier(name string) error {
	if name == "" {
		return errors.New("empty")
	}
	if len(name) > maxIdentifierLength {
		return fmt.Errorf("exceeds %d characters", maxIdentifierLength)
	}
	if !identifierPattern.MatchString(name) {
		return fmt.Errorf("%q is not a valid identifier", name)
	}
	return nil
}

// IsLocal reports whether the location refers to on-device storage.
func (l Location) IsLocal() bool {
	return l.Schema == LocalSchema
}

// Equal compares locations structurally.
func (l Location) Equal(other Location) bool {
	return l.Address == other.Address && l.Schema == other.Schema && l.Table == other.Table
}

// Key returns the "<schema>.<table>" form used by change notifications.
func (l Location) Key() string {
	return l.Schema + "." + l.Table
}

// String returns a human readable form for logs.
func (l Location) String() string {
	if l.Address == "" {
		return l.Key()
	}
	return l.Address + "/" + l.Key()
}

// ParseKey splits a "<schema>.<table>" notification key.
func ParseKey(key string) (schema, table string, ok bool) {
	schema, table, found := strings.Cut(key, ".")
	if !found || schema == "" || table == "" {
		return "", "", false
	}
	return schema, table, true
}
