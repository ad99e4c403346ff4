package catalog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

var ErrRecordNotFound = errors.New("destination record not found")

// Record is the persisted definition of a destination.
type Record struct {
	ID   uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Name string    `gorm:"not null;uniqueIndex:idx_destination_name_bus" json:"name"`
	Bus  string    `gorm:"not null;uniqueIndex:idx_destination_name_bus" json:"bus"`
	// Link destinations stand for a foreign bus.
	Link       bool   `gorm:"default:false" json:"link"`
	ForeignBus string `gorm:"index" json:"foreign_bus,omitempty"`

	Invisible        bool `gorm:"default:false" json:"invisible"`
	ToBeDeleted      bool `gorm:"default:false" json:"to_be_deleted"`
	CreateInProgress bool `gorm:"default:false" json:"create_in_progress"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Record) TableName() string {
	return "destinations"
}

// Store persists destination records.
type Store interface {
	List(ctx context.Context) ([]Record, error)
	Save(ctx context.Context, rec Record) error
	Delete(ctx context.Context, id uuid.UUID) error
}

type memoryStore struct {
	mu      sync.Mutex
	records map[uuid.UUID]Record
}

// NewMemoryStore keeps records for the lifetime of the process.
func NewMemoryStore() Store {
	return &memoryStore{records: make(map[uuid.UUID]Record)}
}

func (s *memoryStore) List(ctx context.Context) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	return out, nil
}

func (s *memoryStore) Save(ctx context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	if old, ok := s.records[rec.ID]; ok {
		rec.CreatedAt = old.CreatedAt
	} else if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	s.records[rec.ID] = rec
	return nil
}

func (s *memoryStore) Delete(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[id]; !ok {
		return ErrRecordNotFound
	}
	delete(s.records, id)
	return nil
}

type gormStore struct {
	db *gorm.DB
}

// NewGormStore persists records through db. The destinations table must
// exist, see OpenPostgres.
func NewGormStore(db *gorm.DB) Store {
	return &gormStore{db: db}
}

// OpenPostgres connects to the catalogue database and migrates its schema.
func OpenPostgres(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open catalogue database: %w", err)
	}
	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, fmt.Errorf("failed to migrate catalogue: %w", err)
	}
	return db, nil
}

func (s *gormStore) List(ctx context.Context) ([]Record, error) {
	var records []Record
	if err := s.db.WithContext(ctx).Order("created_at").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("list destinations: %w", err)
	}
	return records, nil
}

func (s *gormStore) Save(ctx context.Context, rec Record) error {
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"name", "bus", "link", "foreign_bus",
				"invisible", "to_be_deleted", "create_in_progress", "updated_at",
			}),
		}).
		Create(&rec).Error
	if err != nil {
		return fmt.Errorf("save destination %s: %w", rec.ID, err)
	}
	return nil
}

func (s *gormStore) Delete(ctx context.Context, id uuid.UUID) error {
	result := s.db.WithContext(ctx).Where("id = ?", id).Delete(&Record{})
	if result.Error != nil {
		return fmt.Errorf("delete destination %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrRecordNotFound
	}
	return nil
}
