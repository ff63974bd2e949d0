// Package store keeps objects in generic Postgres row tables.
//
// Every table has the layout id, gn, deleted, ctime, mtime, details; an object is the
// reserved columns plus the keys of details.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/trambar/internal/objects"
)

const (
	// DefaultSchemaPattern admits the global schema and per-project schemas.
	DefaultSchemaPattern = `^(global|project_[a-z0-9_]+)$`
	defaultCacheSize     = 256

	selectColumns = "id, gn, deleted, ctime, mtime, details"
)

// Config wires a Store.
type Config struct {
	Pool          PgxPool
	SchemaPattern string
	CacheSize     int
	Logger        *zap.Logger
}

// Store reads and writes objects.
type Store struct {
	pool    PgxPool
	schemas *regexp.Regexp
	cache   *discoveryCache
	logger  *zap.Logger
}

// New validates cfg and returns a store.
func New(cfg Config) (*Store, error) {
	if cfg.Pool == nil {
		return nil, newServiceError(opStoreNew, "missing_pool", errMissingPool)
	}
	pattern := cfg.SchemaPattern
	if pattern == "" {
		pattern = DefaultSchemaPattern
	}
	schemas, err := regexp.Compile(pattern)
	if err != nil {
		return nil, newServiceError(opStoreNew, "invalid_schema_pattern", err)
	}
	size := cfg.CacheSize
	if size == 0 {
		size = defaultCacheSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{
		pool:    cfg.Pool,
		schemas: schemas,
		cache:   newDiscoveryCache(size),
		logger:  logger,
	}, nil
}

// AllowsSchema reports whether schema may be read or written.
func (s *Store) AllowsSchema(schema string) bool {
	return objects.ValidateIdentifier(schema) == nil && s.schemas.MatchString(schema)
}

// Invalidate drops cached discovery results of one table.
func (s *Store) Invalidate(schema, table string) {
	s.cache.invalidate(schema + "." + table)
}

// EnsureTable creates the table with its change trigger when missing.
func (s *Store) EnsureTable(ctx context.Context, schema, table string) error {
	if _, err := s.relation(schema, table); err != nil {
		return newServiceError(opEnsureTable, "invalid_location", err)
	}
	if _, err := s.pool.Exec(ctx, "SELECT ensure_object_table($1, $2)", schema, table); err != nil {
		s.logError(opEnsureTable, "exec_failed", err, zap.String("schema", schema), zap.String("table", table))
		return newServiceError(opEnsureTable, "exec_failed", err)
	}
	return nil
}

// Discover returns the ids and generations of the rows matching criteria.
func (s *Store) Discover(ctx context.Context, schema, table string, criteria objects.Criteria) ([]objects.Version, error) {
	relation, err := s.relation(schema, table)
	if err != nil {
		return nil, newServiceError(opDiscover, "invalid_location", err)
	}
	if versions, ok := s.cache.get(schema+"."+table, criteria); ok {
		return versions, nil
	}
	f, err := translate(criteria)
	if err != nil {
		return nil, newServiceError(opDiscover, "invalid_criteria", err)
	}

	rows, err := s.pool.Query(ctx, "SELECT id, gn FROM "+relation+f.where()+f.suffix(), f.args...)
	if err != nil {
		return nil, s.queryFailed(opDiscover, schema, table, err)
	}
	defer rows.Close()

	versions := make([]objects.Version, 0)
	for rows.Next() {
		var version objects.Version
		if err := rows.Scan(&version.ID, &version.GN); err != nil {
			return nil, s.queryFailed(opDiscover, schema, table, err)
		}
		versions = append(versions, version)
	}
	if err := rows.Err(); err != nil {
		return nil, s.queryFailed(opDiscover, schema, table, err)
	}
	s.cache.put(schema+"."+table, criteria, versions)
	return versions, nil
}

// Retrieve returns the rows with the given ids, deleted ones included.
func (s *Store) Retrieve(ctx context.Context, schema, table string, ids []int64) ([]objects.Object, error) {
	relation, err := s.relation(schema, table)
	if err != nil {
		return nil, newServiceError(opRetrieve, "invalid_location", err)
	}
	if len(ids) == 0 {
		return []objects.Object{}, nil
	}
	rows, err := s.pool.Query(ctx, "SELECT "+selectColumns+" FROM "+relation+" WHERE id = ANY($1) ORDER BY id", ids)
	if err != nil {
		return nil, s.queryFailed(opRetrieve, schema, table, err)
	}
	list, err := collect(rows)
	if err != nil {
		return nil, s.queryFailed(opRetrieve, schema, table, err)
	}
	return list, nil
}

// Find returns the rows matching criteria.
func (s *Store) Find(ctx context.Context, schema, table string, criteria objects.Criteria) ([]objects.Object, error) {
	relation, err := s.relation(schema, table)
	if err != nil {
		return nil, newServiceError(opFind, "invalid_location", err)
	}
	f, err := translate(criteria)
	if err != nil {
		return nil, newServiceError(opFind, "invalid_criteria", err)
	}
	rows, err := s.pool.Query(ctx, "SELECT "+selectColumns+" FROM "+relation+f.where()+f.suffix(), f.args...)
	if err != nil {
		return nil, s.queryFailed(opFind, schema, table, err)
	}
	list, err := collect(rows)
	if err != nil {
		return nil, s.queryFailed(opFind, schema, table, err)
	}
	return list, nil
}

// Save inserts objects without an id and patches the others, in one transaction.
// The stored rows come back in input order.
func (s *Store) Save(ctx context.Context, schema, table string, list []objects.Object) (saved []objects.Object, err error) {
	relation, err := s.relation(schema, table)
	if err != nil {
		return nil, newServiceError(opSave, "invalid_location", err)
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, s.queryFailed(opSave, schema, table, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		if commitErr := tx.Commit(ctx); commitErr != nil {
			saved = nil
			err = s.queryFailed(opSave, schema, table, commitErr)
		}
	}()

	insert := "INSERT INTO " + relation + " (deleted, details) VALUES ($1, $2::jsonb) RETURNING " + selectColumns
	update := "UPDATE " + relation + " SET details = details || $2::jsonb, deleted = COALESCE($3::boolean, deleted), gn = gn + 1, mtime = now() WHERE id = $1 RETURNING " + selectColumns

	saved = make([]objects.Object, 0, len(list))
	for index, object := range list {
		if object == nil {
			return nil, newServiceError(opSave, "invalid_object", fmt.Errorf("%w: element %d is null", objects.ErrInvalidObject, index))
		}
		details, err := encodeDetails(object)
		if err != nil {
			return nil, newServiceError(opSave, "invalid_object", err)
		}
		var row pgx.Row
		if id, ok := object.ID(); ok && id > 0 {
			var deleted any
			if flag, present := object[objects.FieldDeleted].(bool); present {
				deleted = flag
			}
			row = tx.QueryRow(ctx, update, id, details, deleted)
		} else {
			row = tx.QueryRow(ctx, insert, object.Deleted(), details)
		}
		stored, err := scanObject(row)
		if errors.Is(err, pgx.ErrNoRows) {
			id, _ := object.ID()
			return nil, newServiceError(opSave, "not_found", fmt.Errorf("%w: id %d", ErrObjectNotFound, id))
		}
		if err != nil {
			return nil, s.queryFailed(opSave, schema, table, err)
		}
		saved = append(saved, stored)
	}
	s.Invalidate(schema, table)
	return saved, nil
}

// CacheStats reports discovery cache hits and misses.
func (s *Store) CacheStats() (hits, misses int) {
	return s.cache.stats()
}

func (s *Store) relation(schema, table string) (string, error) {
	if err := objects.ValidateIdentifier(table); err != nil {
		return "", fmt.Errorf("%w: table: %v", objects.ErrInvalidLocation, err)
	}
	if !s.AllowsSchema(schema) {
		return "", fmt.Errorf("%w: %q", ErrInvalidSchema, schema)
	}
	return pgx.Identifier{schema, table}.Sanitize(), nil
}

func (s *Store) queryFailed(operation, schema, table string, err error) error {
	if isUndefinedTable(err) {
		return newServiceError(operation, "unknown_table", fmt.Errorf("%w: %s.%s", ErrUnknownTable, schema, table))
	}
	s.logError(operation, "query_failed", err, zap.String("schema", schema), zap.String("table", table))
	return newServiceError(operation, "query_failed", err)
}

func collect(rows pgx.Rows) ([]objects.Object, error) {
	defer rows.Close()
	list := make([]objects.Object, 0)
	for rows.Next() {
		object, err := scanObject(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, object)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return list, nil
}

func scanObject(row pgx.Row) (objects.Object, error) {
	var (
		id      int64
		gn      int64
		deleted bool
		ctime   time.Time
		mtime   time.Time
		details []byte
	)
	if err := row.Scan(&id, &gn, &deleted, &ctime, &mtime, &details); err != nil {
		return nil, err
	}
	object := objects.Object{}
	if len(details) > 0 {
		decoder := json.NewDecoder(bytes.NewReader(details))
		decoder.UseNumber()
		if err := decoder.Decode(&object); err != nil {
			return nil, fmt.Errorf("%w: details of %d: %v", objects.ErrInvalidObject, id, err)
		}
	}
	object[objects.FieldID] = id
	object[objects.FieldGN] = gn
	object[objects.FieldDeleted] = deleted
	object[objects.FieldCTime] = objects.FormatTime(ctime)
	object[objects.FieldMTime] = objects.FormatTime(mtime)
	return object, nil
}

var reservedColumns = map[string]struct{}{
	objects.FieldID:          {},
	objects.FieldGN:          {},
	objects.FieldCTime:       {},
	objects.FieldMTime:       {},
	objects.FieldRTime:       {},
	objects.FieldDeleted:     {},
	objects.FieldUncommitted: {},
}

func encodeDetails(object objects.Object) (string, error) {
	details := make(map[string]any, len(object))
	for key, value := range object {
		if _, reserved := reservedColumns[key]; reserved {
			continue
		}
		details[key] = value
	}
	encoded, err := json.Marshal(details)
	if err != nil {
		return "", fmt.Errorf("%w: %v", objects.ErrInvalidObject, err)
	}
	return string(encoded), nil
}
