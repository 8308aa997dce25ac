package stores

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/openfroyo/stateful/pkg/engine"
)

// stateFS is the file access needed by lock-file backends.
type stateFS interface {
	ReadFile(name string) ([]byte, error)

	// WriteFile replaces name atomically.
	WriteFile(name string, data []byte) error

	// CreateExclusive writes data to name, failing if name exists.
	CreateExclusive(name string, data []byte) error

	Remove(name string) error
	MkdirAll(dir string) error
}

// lockFileBackend stores a StateDocument in one file and guards it with a
// sibling lock file holding the LockInfo of the holder.
type lockFileBackend struct {
	name     string
	fs       stateFS
	path     string
	lockPath string
	dir      string
}

func newLockFileBackend(name string, fsys stateFS, statePath string, remote bool) *lockFileBackend {
	dir := filepath.Dir(statePath)
	if remote {
		dir = path.Dir(statePath)
	}
	return &lockFileBackend{
		name:     name,
		fs:       fsys,
		path:     statePath,
		lockPath: statePath + ".lock",
		dir:      dir,
	}
}

// Name returns the backend kind.
func (b *lockFileBackend) Name() string {
	return b.name
}

// Path returns the state file location.
func (b *lockFileBackend) Path() string {
	return b.path
}

// Load returns the saved graph, or an empty graph when no state exists.
func (b *lockFileBackend) Load(ctx context.Context) (engine.EntryStates, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	doc, err := b.readDocument()
	if err != nil {
		return nil, err
	}
	if doc == nil || doc.Entries == nil {
		return engine.EntryStates{}, nil
	}
	return doc.Entries, nil
}

// Document returns the full state document, or nil when no state exists.
func (b *lockFileBackend) Document(ctx context.Context) (*StateDocument, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return b.readDocument()
}

func (b *lockFileBackend) readDocument() (*StateDocument, error) {
	data, err := b.fs.ReadFile(b.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state %s: %w", b.path, err)
	}

	var doc StateDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode state %s: %w", b.path, err)
	}
	if doc.Version != StateVersion {
		return nil, fmt.Errorf("unsupported state version %d in %s", doc.Version, b.path)
	}
	for id, e := range doc.Entries {
		if err := compactEntry(e); err != nil {
			return nil, fmt.Errorf("failed to decode entry %s in %s: %w", id, b.path, err)
		}
	}
	return &doc, nil
}

// compactEntry undoes the indentation the document encoder applies to raw
// JSON values.
func compactEntry(e *engine.Entry) error {
	if e == nil {
		return nil
	}
	for _, raw := range []*json.RawMessage{&e.Parameters, &e.Result} {
		if len(*raw) == 0 {
			continue
		}
		var buf bytes.Buffer
		if err := json.Compact(&buf, *raw); err != nil {
			return err
		}
		*raw = buf.Bytes()
	}
	for _, old := range e.Superseded {
		if err := compactEntry(old); err != nil {
			return err
		}
	}
	return nil
}

// Save replaces the stored graph, bumping the serial.
func (b *lockFileBackend) Save(ctx context.Context, entries engine.EntryStates) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	prev, err := b.readDocument()
	if err != nil {
		return err
	}
	doc := StateDocument{
		Version:   StateVersion,
		Serial:    1,
		Lineage:   uuid.NewString(),
		UpdatedAt: time.Now().UTC(),
		Entries:   entries,
	}
	if prev != nil {
		doc.Serial = prev.Serial + 1
		doc.Lineage = prev.Lineage
	}
	if doc.Entries == nil {
		doc.Entries = engine.EntryStates{}
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}
	if err := b.fs.MkdirAll(b.dir); err != nil {
		return fmt.Errorf("failed to create state directory %s: %w", b.dir, err)
	}
	if err := b.fs.WriteFile(b.path, append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write state %s: %w", b.path, err)
	}
	return nil
}

// Lock creates the lock file. An existing lock file yields a state locked
// error describing its holder.
func (b *lockFileBackend) Lock(ctx context.Context, info engine.LockInfo) (engine.UnlockFunc, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if info.ID == "" {
		info.ID = uuid.NewString()
	}
	if info.Created.IsZero() {
		info.Created = time.Now().UTC()
	}

	data, err := json.Marshal(info)
	if err != nil {
		return nil, fmt.Errorf("failed to encode lock: %w", err)
	}
	if err := b.fs.MkdirAll(b.dir); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", b.dir, err)
	}

	if err := b.fs.CreateExclusive(b.lockPath, data); err != nil {
		holder, readErr := b.readLock()
		switch {
		case readErr == nil:
			return nil, engine.NewStateLockedError(*holder, err)
		case errors.Is(readErr, fs.ErrNotExist):
			return nil, fmt.Errorf("failed to create lock %s: %w", b.lockPath, err)
		default:
			return nil, engine.NewStateLockedError(engine.LockInfo{}, err)
		}
	}

	return func() error { return b.unlock(info.ID) }, nil
}

func (b *lockFileBackend) readLock() (*engine.LockInfo, error) {
	data, err := b.fs.ReadFile(b.lockPath)
	if err != nil {
		return nil, err
	}
	var info engine.LockInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("failed to decode lock %s: %w", b.lockPath, err)
	}
	return &info, nil
}

func (b *lockFileBackend) unlock(id string) error {
	holder, err := b.readLock()
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if holder.ID != id {
		return fmt.Errorf("lock %s is now held by %s (%s)", b.lockPath, holder.Owner, holder.ID)
	}
	if err := b.fs.Remove(b.lockPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove lock %s: %w", b.lockPath, err)
	}
	return nil
}

// LockHolder returns the current lock holder, or nil when unlocked.
func (b *lockFileBackend) LockHolder(ctx context.Context) (*engine.LockInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	holder, err := b.readLock()
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	return holder, err
}

// ForceUnlock removes the lock file if it holds lockID.
func (b *lockFileBackend) ForceUnlock(ctx context.Context, lockID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	holder, err := b.readLock()
	if errors.Is(err, fs.ErrNotExist) {
		return errNotFound("lock", lockID)
	}
	if err != nil {
		return err
	}
	if holder.ID != lockID {
		return fmt.Errorf("lock ID mismatch: held by %s", holder.ID)
	}
	return b.unlock(lockID)
}
