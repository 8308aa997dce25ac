package stores

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/openfroyo/stateful/pkg/engine"
	"github.com/openfroyo/stateful/pkg/transports/ssh"
)

// StateVersion is the format version written to state documents.
const StateVersion = 1

// BackendType names a state backend implementation.
type BackendType string

const (
	BackendFile   BackendType = "file"
	BackendSQLite BackendType = "sqlite"
	BackendSFTP   BackendType = "sftp"
)

// BackendConfig selects and configures a state backend.
type BackendConfig struct {
	// Type is the backend kind.
	Type BackendType `yaml:"type" json:"type" validate:"required,oneof=file sqlite sftp"`

	// Path is the state file, database file or remote state path.
	Path string `yaml:"path" json:"path" validate:"required"`

	// SSH configures the connection for the sftp backend.
	SSH *ssh.Config `yaml:"ssh,omitempty" json:"ssh,omitempty" validate:"required_if=Type sftp"`
}

// StateDocument is the on-disk form of the applied entry graph.
type StateDocument struct {
	// Version is the document format version.
	Version int `json:"version"`

	// Serial increases by one on every save.
	Serial int64 `json:"serial"`

	// Lineage identifies a state across saves. It is assigned on the
	// first save and never changes.
	Lineage string `json:"lineage"`

	UpdatedAt time.Time          `json:"updated_at"`
	Entries   engine.EntryStates `json:"entries"`
}

// LockManager is implemented by backends that can report and break locks.
type LockManager interface {
	// LockHolder returns the current lock holder, or nil when unlocked.
	LockHolder(ctx context.Context) (*engine.LockInfo, error)

	// ForceUnlock removes the lock with the given ID regardless of owner.
	ForceUnlock(ctx context.Context, lockID string) error
}

// Backend is a state backend usable by the CLI.
type Backend interface {
	engine.StateBackend
	LockManager
	io.Closer
}

// Open creates the backend described by cfg.
func Open(ctx context.Context, cfg BackendConfig) (Backend, error) {
	switch cfg.Type {
	case BackendFile:
		return NewFileBackend(cfg.Path), nil
	case BackendSQLite:
		return OpenSQLite(ctx, SQLiteConfig{Path: cfg.Path})
	case BackendSFTP:
		return DialSFTP(ctx, cfg.SSH, cfg.Path)
	default:
		return nil, fmt.Errorf("unsupported state backend: %q", cfg.Type)
	}
}

// errNotFound reports a missing run or entry.
func errNotFound(kind, id string) error {
	return engine.NewPermanentError(fmt.Sprintf("%s not found: %s", kind, id), nil).WithCode(engine.ErrCodeNotFound)
}
