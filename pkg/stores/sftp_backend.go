package stores

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"

	"github.com/google/uuid"
	"github.com/pkg/sftp"

	"github.com/openfroyo/stateful/pkg/transports/ssh"
)

// SFTPBackend keeps state in a JSON file on a remote host over SFTP.
type SFTPBackend struct {
	*lockFileBackend
	client *sftp.Client
	conn   *ssh.Client
}

// NewSFTPBackend returns a backend storing state at remotePath through an
// open SFTP session.
func NewSFTPBackend(client *sftp.Client, remotePath string) *SFTPBackend {
	return &SFTPBackend{
		lockFileBackend: newLockFileBackend(string(BackendSFTP), sftpFS{client}, remotePath, true),
		client:          client,
	}
}

// DialSFTP connects to the host in cfg and opens an SFTP backend on it.
func DialSFTP(ctx context.Context, cfg *ssh.Config, remotePath string) (*SFTPBackend, error) {
	if cfg == nil {
		return nil, fmt.Errorf("sftp backend requires ssh configuration")
	}
	cfg.ApplyDefaults()

	conn, err := ssh.NewClient(cfg)
	if err != nil {
		return nil, err
	}
	if err := conn.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", cfg.Address(), err)
	}
	client, err := conn.SFTP()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	b := NewSFTPBackend(client, remotePath)
	b.conn = conn
	return b, nil
}

// Close ends the SFTP session and the SSH connection it was dialed on.
func (b *SFTPBackend) Close() error {
	err := b.client.Close()
	if b.conn != nil {
		err = errors.Join(err, b.conn.Close())
	}
	return err
}

type sftpFS struct {
	client *sftp.Client
}

func (s sftpFS) ReadFile(name string) ([]byte, error) {
	f, err := s.client.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// WriteFile uploads to a temporary name and renames it over name. Servers
// without posix-rename get a remove followed by a plain rename.
func (s sftpFS) WriteFile(name string, data []byte) error {
	tmp := name + ".tmp-" + uuid.NewString()
	f, err := s.client.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		_ = s.client.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = s.client.Remove(tmp)
		return err
	}

	if err := s.client.PosixRename(tmp, name); err == nil {
		return nil
	}
	if err := s.client.Remove(name); err != nil && !errors.Is(err, fs.ErrNotExist) {
		_ = s.client.Remove(tmp)
		return err
	}
	if err := s.client.Rename(tmp, name); err != nil {
		_ = s.client.Remove(tmp)
		return err
	}
	return nil
}

func (s sftpFS) CreateExclusive(name string, data []byte) error {
	f, err := s.client.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_EXCL)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		_ = s.client.Remove(name)
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	return f.Close()
}

func (s sftpFS) Remove(name string) error {
	return s.client.Remove(name)
}

func (s sftpFS) MkdirAll(dir string) error {
	if dir == "" || dir == "." || dir == "/" {
		return nil
	}
	return s.client.MkdirAll(path.Clean(dir))
}
