// Package layoutstore persists resolved layout tables so the offsets seen on
// one host build can be compared with another.
package layoutstore

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/rs/zerolog"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/squadsync/extension/internal/layout"
)

// ErrNotFound is returned when a snapshot id does not exist.
var ErrNotFound = errors.New("snapshot not found")

// Snapshot is one resolved layout table.
type Snapshot struct {
	ID              uint      `gorm:"primarykey" json:"id"`
	CreatedAt       time.Time `json:"createdAt"`
	HostBuild       string    `gorm:"index;size:128" json:"hostBuild"`
	ManifestVersion int       `json:"manifestVersion"`

	Fields   datatypes.JSONType[map[string]uint32] `json:"fields"`
	Strides  datatypes.JSONType[map[string]uint32] `json:"strides"`
	Features datatypes.JSONType[map[string]bool]   `json:"features"`
	Failures datatypes.JSONType[map[string]string] `json:"failures"`
}

// TableName overrides the table name used by Snapshot to `layout_snapshots`
func (*Snapshot) TableName() string {
	return "layout_snapshots"
}

// NewSnapshot captures table as built on hostBuild.
func NewSnapshot(hostBuild string, table *layout.Table) Snapshot {
	fields := make(map[string]uint32)
	for _, ref := range table.Refs() {
		fields[ref] = table.Offset(ref)
	}
	features := make(map[string]bool)
	for f, ok := range table.Features() {
		features[string(f)] = ok
	}
	failures := make(map[string]string)
	for _, f := range table.Failures() {
		failures[f.Ref] = f.Err.Error()
	}
	return Snapshot{
		HostBuild:       hostBuild,
		ManifestVersion: table.Version(),
		Fields:          datatypes.NewJSONType(fields),
		Strides:         datatypes.NewJSONType(table.Strides()),
		Features:        datatypes.NewJSONType(features),
		Failures:        datatypes.NewJSONType(failures),
	}
}

// Manager handles the snapshot database.
type Manager struct {
	DB     *gorm.DB
	SqlDB  *sql.DB
	Logger zerolog.Logger
}

var gormConfig = &gorm.Config{
	SkipDefaultTransaction: true,
	Logger:                 logger.Default.LogMode(logger.Silent),
}

// OpenSqlite opens a SQLite snapshot database at path. An empty path opens a
// shared in-memory database.
func OpenSqlite(path string, log zerolog.Logger) (*Manager, error) {
	dsn := path
	if dsn == "" {
		dsn = "file::memory:?cache=shared"
	}
	db, err := gorm.Open(sqlite.Open(dsn), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA synchronous = NORMAL;",
	}
	if path == "" {
		pragmas[0] = "PRAGMA journal_mode = MEMORY;"
	}
	for _, pragma := range pragmas {
		if err := db.Exec(pragma).Error; err != nil {
			return nil, fmt.Errorf("error setting PRAGMA: %w", err)
		}
	}

	log.Debug().Str("path", path).Msg("Using SQLite snapshot store")
	return newManager(db, log)
}

// OpenPostgres opens a shared snapshot database.
func OpenPostgres(dsn string, log zerolog.Logger) (*Manager, error) {
	db, err := gorm.Open(postgres.New(postgres.Config{
		DSN:                  dsn,
		PreferSimpleProtocol: true,
	}), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	log.Debug().Msg("Using Postgres snapshot store")
	return newManager(db, log)
}

func newManager(db *gorm.DB, log zerolog.Logger) (*Manager, error) {
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access sql interface: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("failed to validate connection: %w", err)
	}

	m := &Manager{DB: db, SqlDB: sqlDB, Logger: log}
	if err := m.Setup(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return m, nil
}

// Setup migrates the snapshot table.
func (m *Manager) Setup() error {
	if err := m.DB.AutoMigrate(&Snapshot{}); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

// Close releases the connection.
func (m *Manager) Close() error {
	return m.SqlDB.Close()
}

// Save stores a snapshot of table.
func (m *Manager) Save(hostBuild string, table *layout.Table) (*Snapshot, error) {
	snap := NewSnapshot(hostBuild, table)
	if err := m.DB.Create(&snap).Error; err != nil {
		return nil, fmt.Errorf("saving snapshot: %w", err)
	}
	m.Logger.Info().
		Uint("id", snap.ID).
		Str("hostBuild", hostBuild).
		Int("fields", len(snap.Fields.Data())).
		Msg("Saved layout snapshot")
	return &snap, nil
}

// Get loads snapshot id.
func (m *Manager) Get(id uint) (*Snapshot, error) {
	var snap Snapshot
	err := m.DB.First(&snap, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("loading snapshot %d: %w", id, err)
	}
	return &snap, nil
}

// List returns every snapshot, oldest first. A non-empty hostBuild filters
// by build.
func (m *Manager) List(hostBuild string) ([]Snapshot, error) {
	var snaps []Snapshot
	q := m.DB.Order("id")
	if hostBuild != "" {
		q = q.Where("host_build = ?", hostBuild)
	}
	if err := q.Find(&snaps).Error; err != nil {
		return nil, fmt.Errorf("listing snapshots: %w", err)
	}
	return snaps, nil
}
