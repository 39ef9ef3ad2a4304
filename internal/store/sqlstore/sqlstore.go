// Package sqlstore implements store.Store on GORM, backed by SQLite or
// Postgres.
package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/jackc/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/aspectrr/fluid.sh/preview/internal/store"
)

var _ store.Store = (*sqlStore)(nil)

type sqlStore struct {
	db   *gorm.DB
	conf store.Config
}

// GORM models

type SandboxModel struct {
	ID           string     `gorm:"column:id;primaryKey"`
	Provider     string     `gorm:"column:provider;not null;index"`
	URL          string     `gorm:"column:url"`
	State        string     `gorm:"column:state;not null;default:'active';index"`
	CreatedAt    time.Time  `gorm:"column:created_at;index"`
	UpdatedAt    time.Time  `gorm:"column:updated_at"`
	TerminatedAt *time.Time `gorm:"column:terminated_at"`
}

func (SandboxModel) TableName() string { return "sandboxes" }

type ApplyRunModel struct {
	ID           string            `gorm:"column:id;primaryKey"`
	SandboxID    string            `gorm:"column:sandbox_id;not null;index:idx_apply_runs_sandbox_created,priority:1"`
	FilesCreated store.StringSlice `gorm:"column:files_created;type:text"`
	FilesUpdated store.StringSlice `gorm:"column:files_updated;type:text"`
	Packages     store.StringSlice `gorm:"column:packages;type:text"`
	Errors       store.StringSlice `gorm:"column:errors;type:text"`
	CreatedAt    time.Time         `gorm:"column:created_at;index:idx_apply_runs_sandbox_created,priority:2"`
}

func (ApplyRunModel) TableName() string { return "apply_runs" }

// Open connects to the configured database, optionally migrates it and
// verifies the connection.
func Open(ctx context.Context, cfg store.Config) (store.Store, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case store.DriverSQLite, "":
		if cfg.DatabaseURL == "" {
			cfg.DatabaseURL = "preview.db"
		}
		dialector = sqlite.Open(cfg.DatabaseURL)
	case store.DriverPostgres:
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("sqlstore: postgres requires a database URL")
		}
		dialector = postgres.Open(cfg.DatabaseURL)
	default:
		return nil, fmt.Errorf("sqlstore: unsupported driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		NowFunc:        func() time.Time { return time.Now().UTC() },
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open %s: %w", cfg.Driver, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("sqlstore: sql.DB handle: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	s := &sqlStore{db: db, conf: cfg}

	if cfg.AutoMigrate {
		if err := db.WithContext(ctx).AutoMigrate(&SandboxModel{}, &ApplyRunModel{}); err != nil {
			_ = sqlDB.Close()
			return nil, fmt.Errorf("sqlstore: auto-migrate: %w", err)
		}
	}

	if err := s.Ping(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return s, nil
}

func (s *sqlStore) Config() store.Config { return s.conf }

func (s *sqlStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *sqlStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// --- Model converters ---

func sandboxToModel(r *store.SandboxRecord) *SandboxModel {
	return &SandboxModel{
		ID:           r.ID,
		Provider:     r.Provider,
		URL:          r.URL,
		State:        string(r.State),
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
		TerminatedAt: r.TerminatedAt,
	}
}

func sandboxFromModel(m *SandboxModel) *store.SandboxRecord {
	return &store.SandboxRecord{
		ID:           m.ID,
		Provider:     m.Provider,
		URL:          m.URL,
		State:        store.SandboxState(m.State),
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
		TerminatedAt: m.TerminatedAt,
	}
}

func applyRunToModel(r *store.ApplyRun) *ApplyRunModel {
	return &ApplyRunModel{
		ID:           r.ID,
		SandboxID:    r.SandboxID,
		FilesCreated: r.FilesCreated,
		FilesUpdated: r.FilesUpdated,
		Packages:     r.Packages,
		Errors:       r.Errors,
		CreatedAt:    r.CreatedAt,
	}
}

func applyRunFromModel(m *ApplyRunModel) *store.ApplyRun {
	return &store.ApplyRun{
		ID:           m.ID,
		SandboxID:    m.SandboxID,
		FilesCreated: m.FilesCreated,
		FilesUpdated: m.FilesUpdated,
		Packages:     m.Packages,
		Errors:       m.Errors,
		CreatedAt:    m.CreatedAt,
	}
}

// mapDBError converts GORM/driver errors to sentinel errors.
func mapDBError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return store.ErrNotFound
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return store.ErrAlreadyExists
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return store.ErrAlreadyExists
		case "23503":
			return store.ErrInvalid
		}
	}
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return store.ErrAlreadyExists
	}
	return err
}

func applyList(q *gorm.DB, opt *store.ListOptions) *gorm.DB {
	if opt == nil {
		return q
	}
	if opt.Limit > 0 {
		q = q.Limit(opt.Limit)
	}
	if opt.Offset > 0 {
		q = q.Offset(opt.Offset)
	}
	return q
}

// --- Sandbox records ---

func (s *sqlStore) CreateSandbox(ctx context.Context, r *store.SandboxRecord) error {
	if r.ID == "" {
		return store.ErrInvalid
	}
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	if r.State == "" {
		r.State = store.SandboxActive
	}
	return mapDBError(s.db.WithContext(ctx).Create(sandboxToModel(r)).Error)
}

func (s *sqlStore) GetSandbox(ctx context.Context, id string) (*store.SandboxRecord, error) {
	var model SandboxModel
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&model).Error; err != nil {
		return nil, mapDBError(err)
	}
	return sandboxFromModel(&model), nil
}

func (s *sqlStore) UpdateSandboxState(ctx context.Context, id string, state store.SandboxState) error {
	now := time.Now().UTC()
	updates := map[string]any{
		"state":      string(state),
		"updated_at": now,
	}
	if state == store.SandboxTerminated {
		updates["terminated_at"] = now
	}
	res := s.db.WithContext(ctx).Model(&SandboxModel{}).Where("id = ?", id).Updates(updates)
	if err := mapDBError(res.Error); err != nil {
		return err
	}
	if res.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *sqlStore) ListSandboxes(ctx context.Context, opt *store.ListOptions) ([]*store.SandboxRecord, error) {
	var models []SandboxModel
	q := applyList(s.db.WithContext(ctx).Order("created_at DESC"), opt)
	if err := q.Find(&models).Error; err != nil {
		return nil, mapDBError(err)
	}
	out := make([]*store.SandboxRecord, 0, len(models))
	for i := range models {
		out = append(out, sandboxFromModel(&models[i]))
	}
	return out, nil
}

// --- Apply runs ---

func (s *sqlStore) CreateApplyRun(ctx context.Context, r *store.ApplyRun) error {
	if r.ID == "" || r.SandboxID == "" {
		return store.ErrInvalid
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	return mapDBError(s.db.WithContext(ctx).Create(applyRunToModel(r)).Error)
}

func (s *sqlStore) ListApplyRuns(ctx context.Context, sandboxID string, opt *store.ListOptions) ([]*store.ApplyRun, error) {
	var models []ApplyRunModel
	q := s.db.WithContext(ctx).Where("sandbox_id = ?", sandboxID).Order("created_at DESC")
	if err := applyList(q, opt).Find(&models).Error; err != nil {
		return nil, mapDBError(err)
	}
	out := make([]*store.ApplyRun, 0, len(models))
	for i := range models {
		out = append(out, applyRunFromModel(&models[i]))
	}
	return out, nil
}
