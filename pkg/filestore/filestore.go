// Package filestore keeps the files workers download and upload, named by
// their sha256, under a single directory.
package filestore

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"regexp"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/xerrors"
)

var log = logging.Logger("filestore")

// ErrNotFound is returned for a file that is not stored.
var ErrNotFound = errors.New("file not found")

// ChecksumMismatchError is returned when uploaded content does not hash to
// the name it was uploaded under.
type ChecksumMismatchError struct {
	Want string
	Got  string
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("sha256 mismatch: expected %s, got %s", e.Want, e.Got)
}

var shaPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// Local stores files in a directory. Every path is resolved through an
// os.Root, so names can never escape it.
type Local struct {
	root *os.Root
}

// Open creates dir if needed and opens it as a store.
func Open(dir string) (*Local, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, xerrors.Errorf("create filestore %s: %w", dir, err)
	}
	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, xerrors.Errorf("open filestore %s: %w", dir, err)
	}
	return &Local{root: root}, nil
}

// Close releases the directory handle.
func (l *Local) Close() error {
	return l.root.Close()
}

func checkName(sha string) error {
	if !shaPattern.MatchString(sha) {
		return xerrors.Errorf("invalid sha256 %q", sha)
	}
	return nil
}

// Get opens the file stored as sha and returns it with its size.
func (l *Local) Get(sha string) (io.ReadCloser, int64, error) {
	if err := checkName(sha); err != nil {
		return nil, 0, err
	}
	f, err := l.root.Open(sha)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, 0, ErrNotFound
	}
	if err != nil {
		return nil, 0, xerrors.Errorf("open %s: %w", sha, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, 0, xerrors.Errorf("stat %s: %w", sha, err)
	}
	return f, info.Size(), nil
}

// Exists reports whether sha is stored.
func (l *Local) Exists(sha string) (bool, error) {
	if err := checkName(sha); err != nil {
		return false, err
	}
	_, err := l.root.Stat(sha)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, xerrors.Errorf("stat %s: %w", sha, err)
	}
	return true, nil
}

// Put stores the content of r as sha. The content is written to a temporary
// name and only renamed into place once its hash matches.
func (l *Local) Put(sha string, r io.Reader) (int64, error) {
	if err := checkName(sha); err != nil {
		return 0, err
	}
	tmp := "upload-" + uuid.NewString()
	f, err := l.root.Create(tmp)
	if err != nil {
		return 0, xerrors.Errorf("create %s: %w", tmp, err)
	}
	defer func() { _ = l.root.Remove(tmp) }()

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(f, h), r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return 0, xerrors.Errorf("write %s: %w", sha, err)
	}

	if got := hex.EncodeToString(h.Sum(nil)); got != sha {
		return 0, &ChecksumMismatchError{Want: sha, Got: got}
	}
	if err := l.root.Rename(tmp, sha); err != nil {
		return 0, xerrors.Errorf("store %s: %w", sha, err)
	}
	log.Debugw("file stored", "sha256", sha, "size", n)
	return n, nil
}

// Delete removes sha. Removing a file that is not stored is not an error.
func (l *Local) Delete(sha string) error {
	if err := checkName(sha); err != nil {
		return err
	}
	if err := l.root.Remove(sha); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return xerrors.Errorf("remove %s: %w", sha, err)
	}
	return nil
}
