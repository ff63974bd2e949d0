// Package client binds a data source to a server address and schema so callers only name tables.
package client

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/trambar/internal/objects"
	"github.com/MarcoPoloResearchLab/trambar/internal/remote"
)

var errMissingSource = errors.New("data source is required")

// DataSource is the part of remote.Source the facade needs.
type DataSource interface {
	Find(ctx context.Context, query objects.Query) ([]objects.Object, error)
	Save(ctx context.Context, location objects.Location, list []objects.Object) ([]objects.Object, error)
	Remove(ctx context.Context, location objects.Location, list []objects.Object) ([]objects.Object, error)
	Start(ctx context.Context, location objects.Location) error
	Subscribe(ctx context.Context) (<-chan remote.Event, func())
}

// Context names the server and schema a Database works against.
type Context struct {
	Address string
	Schema  string
}

// FindOptions carries the optional parts of a find.
type FindOptions struct {
	Required bool
	Minimum  int
}

// Database is a context-bound view of a data source.
type Database struct {
	source  DataSource
	context Context
}

// New returns a Database bound to bound.
func New(source DataSource, bound Context) (*Database, error) {
	if source == nil {
		return nil, errMissingSource
	}
	return &Database{source: source, context: bound}, nil
}

// Context returns the bound context.
func (d *Database) Context() Context {
	return d.context
}

// Use returns a Database whose context takes the non-empty fields of override.
// Switching to the local schema drops the address.
func (d *Database) Use(override Context) *Database {
	next := d.context
	if override.Address != "" {
		next.Address = override.Address
	}
	if override.Schema != "" {
		next.Schema = override.Schema
	}
	if next.Schema == objects.LocalSchema {
		next.Address = ""
	}
	return &Database{source: d.source, context: next}
}

// Location resolves table against the bound context.
func (d *Database) Location(table string) (objects.Location, error) {
	address := d.context.Address
	if d.context.Schema == objects.LocalSchema {
		address = ""
	}
	return objects.NewLocation(address, d.context.Schema, table)
}

// Find returns the objects of table matching criteria.
func (d *Database) Find(ctx context.Context, table string, criteria objects.Criteria, options ...FindOptions) ([]objects.Object, error) {
	location, err := d.Location(table)
	if err != nil {
		return nil, err
	}
	query := objects.Query{Location: location, Criteria: criteria}
	for _, option := range options {
		query.Required = query.Required || option.Required
		if option.Minimum > query.Minimum {
			query.Minimum = option.Minimum
		}
	}
	return d.source.Find(ctx, query)
}

// FindOne returns the first object of table matching criteria, or nil when nothing does.
// With required set, an empty result is remote.ErrNotFound.
func (d *Database) FindOne(ctx context.Context, table string, criteria objects.Criteria, required bool) (objects.Object, error) {
	results, err := d.Find(ctx, table, criteria, FindOptions{Required: required})
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, nil
	}
	return results[0], nil
}

// Save stores list in table and returns the stored objects.
func (d *Database) Save(ctx context.Context, table string, list []objects.Object) ([]objects.Object, error) {
	location, err := d.Location(table)
	if err != nil {
		return nil, err
	}
	return d.source.Save(ctx, location, list)
}

// SaveOne stores a single object.
func (d *Database) SaveOne(ctx context.Context, table string, object objects.Object) (objects.Object, error) {
	saved, err := d.Save(ctx, table, []objects.Object{object})
	if err != nil {
		return nil, err
	}
	return single(saved)
}

// Remove deletes list from table.
func (d *Database) Remove(ctx context.Context, table string, list []objects.Object) ([]objects.Object, error) {
	location, err := d.Location(table)
	if err != nil {
		return nil, err
	}
	return d.source.Remove(ctx, location, list)
}

// RemoveOne deletes a single object.
func (d *Database) RemoveOne(ctx context.Context, table string, object objects.Object) (objects.Object, error) {
	removed, err := d.Remove(ctx, table, []objects.Object{object})
	if err != nil {
		return nil, err
	}
	return single(removed)
}

// Start checks that the bound server can be reached with the current session.
func (d *Database) Start(ctx context.Context) error {
	location, err := d.Location("session")
	if err != nil {
		return err
	}
	return d.source.Start(ctx, location)
}

// Subscribe streams the source's change events for the bound address and schema.
func (d *Database) Subscribe(ctx context.Context) (<-chan remote.Event, func()) {
	upstream, cleanup := d.source.Subscribe(ctx)
	filtered := make(chan remote.Event, cap(upstream))
	go func() {
		defer close(filtered)
		for event := range upstream {
			if !d.concerns(event.Location) {
				continue
			}
			select {
			case filtered <- event:
			case <-ctx.Done():
				return
			}
		}
	}()
	return filtered, cleanup
}

func (d *Database) concerns(location objects.Location) bool {
	if location.Schema == "" {
		return location.Address == "" || location.Address == d.context.Address
	}
	if location.Schema != d.context.Schema {
		return false
	}
	return location.IsLocal() || location.Address == d.context.Address
}

func single(list []objects.Object) (objects.Object, error) {
	switch len(list) {
	case 0:
		return nil, nil
	case 1:
		return list[0], nil
	default:
		return nil, fmt.Errorf("expected one object, got %d", len(list))
	}
}
