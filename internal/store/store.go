// Package store defines the persistence contract for sandbox history and
// apply runs.
package store

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for store implementations.
var (
	ErrNotFound      = errors.New("store: not found")
	ErrAlreadyExists = errors.New("store: already exists")
	ErrInvalid       = errors.New("store: invalid data")
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type Config struct {
	Driver          string        `json:"driver"`
	DatabaseURL     string        `json:"database_url"`
	MaxOpenConns    int           `json:"max_open_conns"`
	MaxIdleConns    int           `json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime"`
	AutoMigrate     bool          `json:"auto_migrate"`
}

type ListOptions struct {
	Limit  int
	Offset int
}

// SandboxState enumerates the lifecycle states of a recorded sandbox.
type SandboxState string

const (
	SandboxActive     SandboxState = "active"
	SandboxTerminated SandboxState = "terminated"
	SandboxFailed     SandboxState = "failed"
)

// SandboxRecord is the persisted history entry for a sandbox.
type SandboxRecord struct {
	ID           string       `json:"id"`
	Provider     string       `json:"provider"`
	URL          string       `json:"url"`
	State        SandboxState `json:"state"`
	CreatedAt    time.Time    `json:"createdAt"`
	UpdatedAt    time.Time    `json:"updatedAt"`
	TerminatedAt *time.Time   `json:"terminatedAt,omitempty"`
}

// ApplyRun summarizes one application of generated code to a sandbox.
type ApplyRun struct {
	ID           string      `json:"id"`
	SandboxID    string      `json:"sandboxId"`
	FilesCreated StringSlice `json:"filesCreated"`
	FilesUpdated StringSlice `json:"filesUpdated"`
	Packages     StringSlice `json:"packages"`
	Errors       StringSlice `json:"errors"`
	CreatedAt    time.Time   `json:"createdAt"`
}

// Store is the persistence interface.
type Store interface {
	Config() Config
	Ping(ctx context.Context) error
	Close() error

	CreateSandbox(ctx context.Context, r *SandboxRecord) error
	GetSandbox(ctx context.Context, id string) (*SandboxRecord, error)
	UpdateSandboxState(ctx context.Context, id string, state SandboxState) error
	ListSandboxes(ctx context.Context, opt *ListOptions) ([]*SandboxRecord, error)

	CreateApplyRun(ctx context.Context, r *ApplyRun) error
	ListApplyRuns(ctx context.Context, sandboxID string, opt *ListOptions) ([]*ApplyRun, error)
}

// StringSlice is a JSON-serialized []string for use as a GORM column type.
type StringSlice []string

func (s StringSlice) Value() (driver.Value, error) {
	if s == nil {
		return "[]", nil
	}
	b, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal StringSlice: %w", err)
	}
	return string(b), nil
}

func (s *StringSlice) Scan(value interface{}) error {
	if value == nil {
		*s = StringSlice{}
		return nil
	}
	var bytes []byte
	switch v := value.(type) {
	case string:
		bytes = []byte(v)
	case []byte:
		bytes = v
	default:
		return fmt.Errorf("unsupported type for StringSlice: %T", value)
	}
	return json.Unmarshal(bytes, s)
}
