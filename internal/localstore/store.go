// Package localstore keeps the tables of the local schema in an on-device SQLite database.
package localstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/MarcoPoloResearchLab/trambar/internal/matcher"
	"github.com/MarcoPoloResearchLab/trambar/internal/objects"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	// ErrInvalidTable indicates a table name that is not a valid identifier.
	ErrInvalidTable = errors.New("localstore: invalid table")
)

// Config wires a Store.
type Config struct {
	Database *gorm.DB
	Matcher  *matcher.Matcher
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store implements remote.LocalStore over GORM.
type Store struct {
	db      *gorm.DB
	matcher *matcher.Matcher
	clock   func() time.Time
	logger  *zap.Logger
}

// New validates cfg and returns a store.
func New(cfg Config) (*Store, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	match := cfg.Matcher
	if match == nil {
		match = matcher.New()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: cfg.Database, matcher: match, clock: clock, logger: logger}, nil
}

// Find returns the objects of table matching criteria, ordered by id.
func (s *Store) Find(ctx context.Context, table string, criteria objects.Criteria) ([]objects.Object, error) {
	if err := objects.ValidateIdentifier(table); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTable, err)
	}
	query := s.db.WithContext(ctx).Where("table_name = ?", table)
	if !criteria.IncludesDeleted() {
		if _, explicit := criteria[objects.FieldDeleted]; !explicit {
			query = query.Where("deleted = ?", false)
		}
	}
	var records []Record
	if err := query.Order("object_id").Find(&records).Error; err != nil {
		return nil, err
	}

	list := make([]objects.Object, 0, len(records))
	for _, record := range records {
		object, err := objects.DecodeObject([]byte(record.DetailsJSON))
		if err != nil {
			s.logger.Warn("skipping unreadable local record",
				zap.String("table", table),
				zap.Int64("id", record.ObjectID),
				zap.Error(err))
			continue
		}
		if s.matcher.Match(table, object, criteria) {
			list = append(list, object)
		}
	}
	if limit, ok := criteria.Limit(); ok && len(list) > limit {
		list = list[:limit]
	}
	return list, nil
}

// Save upserts list into table in one transaction. Objects without an id get the next free one.
func (s *Store) Save(ctx context.Context, table string, list []objects.Object) ([]objects.Object, error) {
	if err := objects.ValidateIdentifier(table); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTable, err)
	}
	saved := make([]objects.Object, 0, len(list))
	now := s.clock().UTC()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		next, err := nextObjectID(tx, table)
		if err != nil {
			return err
		}
		for index, object := range list {
			if object == nil {
				return fmt.Errorf("%w: element %d is null", objects.ErrInvalidObject, index)
			}
			stored, err := s.merged(tx, table, object)
			if err != nil {
				return err
			}
			delete(stored, objects.FieldUncommitted)
			if id, ok := stored.ID(); !ok || id <= 0 {
				stored.SetID(next)
				next++
			}
			if _, ok := stored[objects.FieldCTime]; !ok {
				stored[objects.FieldCTime] = objects.FormatTime(now)
			}
			stored[objects.FieldMTime] = objects.FormatTime(now)
			stored[objects.FieldGN] = stored.GN() + 1

			record, err := toRecord(table, stored, now)
			if err != nil {
				return err
			}
			if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&record).Error; err != nil {
				return err
			}
			saved = append(saved, stored)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return saved, nil
}

// Remove deletes the rows of list from table and returns the removed objects flagged deleted.
func (s *Store) Remove(ctx context.Context, table string, list []objects.Object) ([]objects.Object, error) {
	if err := objects.ValidateIdentifier(table); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTable, err)
	}
	ids := make([]int64, 0, len(list))
	removed := make([]objects.Object, 0, len(list))
	for _, object := range list {
		id, ok := object.ID()
		if !ok {
			continue
		}
		ids = append(ids, id)
		gone := object.Clone()
		gone[objects.FieldDeleted] = true
		removed = append(removed, gone)
	}
	if len(ids) == 0 {
		return removed, nil
	}
	err := s.db.WithContext(ctx).
		Where("table_name = ? AND object_id IN ?", table, ids).
		Delete(&Record{}).Error
	if err != nil {
		return nil, err
	}
	return removed, nil
}

// Tables lists the local tables that hold at least one record.
func (s *Store) Tables(ctx context.Context) ([]string, error) {
	var tables []string
	if err := s.db.WithContext(ctx).Model(&Record{}).Distinct().Pluck("table_name", &tables).Error; err != nil {
		return nil, err
	}
	sort.Strings(tables)
	return tables, nil
}

func (s *Store) merged(tx *gorm.DB, table string, object objects.Object) (objects.Object, error) {
	id, ok := object.ID()
	if !ok || id <= 0 {
		return object.Clone(), nil
	}
	var record Record
	err := tx.Where("table_name = ? AND object_id = ?", table, id).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return object.Clone(), nil
	}
	if err != nil {
		return nil, err
	}
	existing, err := objects.DecodeObject([]byte(record.DetailsJSON))
	if err != nil {
		return object.Clone(), nil
	}
	return existing.Overlay(object), nil
}

func nextObjectID(tx *gorm.DB, table string) (int64, error) {
	var highest int64
	err := tx.Model(&Record{}).
		Where("table_name = ?", table).
		Select("COALESCE(MAX(object_id), 0)").
		Scan(&highest).Error
	if err != nil {
		return 0, err
	}
	return highest + 1, nil
}

func toRecord(table string, object objects.Object, now time.Time) (Record, error) {
	id, _ := object.ID()
	encoded, err := json.Marshal(object)
	if err != nil {
		return Record{}, fmt.Errorf("%w: %v", objects.ErrInvalidObject, err)
	}
	return Record{
		Table:            table,
		ObjectID:         id,
		DetailsJSON:      string(encoded),
		Deleted:          object.Deleted(),
		UpdatedAtSeconds: now.Unix(),
	}, nil
}
