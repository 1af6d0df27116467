package storage

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/shrtyk/raft-fsmcaller/api"
	"github.com/shrtyk/raft-fsmcaller/pkg/logger"
)

const (
	metaFileName       = "meta.bin"
	snapshotFileName   = "snapshot.bin"
	versionsDirName    = "versions"
	currentSymlinkName = "current"
)

var ErrSinkClosed = errors.New("storage: snapshot sink already committed or aborted")

var _ api.SnapshotStore = (*SnapshotStorage)(nil)

// SnapshotStorage keeps snapshot versions on the local filesystem.
// It uses a directory-swap mechanism with symlinks so the latest version
// is replaced atomically.
//
// Safe for concurrent use.
type SnapshotStorage struct {
	mu             sync.RWMutex
	logger         *slog.Logger
	dir            string
	current        string
	versions       string
	versionNames   []string
	versionsToKeep int
}

// NewSnapshotStorage creates a new SnapshotStorage
// in the given directory, returning an error if initialization fails.
func NewSnapshotStorage(dir string, logger *slog.Logger, versionsToKeep int) (*SnapshotStorage, error) {
	versionsPath := filepath.Join(dir, versionsDirName)
	if err := os.MkdirAll(versionsPath, 0755); err != nil {
		return nil, err
	}

	// Restores initial versions list from the filesystem.
	versionNames, err := restoreVersionNames(versionsPath)
	if err != nil {
		return nil, err
	}
	if versionsToKeep <= 0 {
		versionsToKeep = 1
	}

	return &SnapshotStorage{
		logger:         logger,
		dir:            dir,
		current:        filepath.Join(dir, currentSymlinkName),
		versions:       versionsPath,
		versionNames:   versionNames,
		versionsToKeep: versionsToKeep,
	}, nil
}

func restoreVersionNames(versionsPath string) ([]string, error) {
	entries, err := os.ReadDir(versionsPath)
	if err != nil {
		return nil, err
	}

	var versionNames []string
	for _, entry := range entries {
		if entry.IsDir() {
			versionNames = append(versionNames, entry.Name())
		}
	}
	sort.Strings(versionNames)
	return versionNames, nil
}

// Create starts a new version directory. Nothing is visible to Open until
// the sink is committed.
func (s *SnapshotStorage) Create(meta *api.SnapshotMeta) (api.SnapshotSink, error) {
	versionName := strconv.FormatInt(time.Now().UnixNano(), 10)
	versionPath := filepath.Join(s.versions, versionName)
	if err := os.MkdirAll(versionPath, 0755); err != nil {
		return nil, fmt.Errorf("%w: %w", api.ErrSnapshotIO, err)
	}

	f, err := os.OpenFile(filepath.Join(versionPath, snapshotFileName), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("%w: %w", api.ErrSnapshotIO, err), os.RemoveAll(versionPath))
	}

	return &fileSnapshotSink{
		storage:     s,
		meta:        *meta,
		versionName: versionName,
		versionPath: versionPath,
		file:        f,
		w:           bufio.NewWriter(f),
	}, nil
}

// Open returns the latest committed snapshot, or nil if there is none.
func (s *SnapshotStorage) Open() (api.SnapshotSource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	link, err := os.Readlink(s.current)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %w", api.ErrSnapshotIO, err)
	}

	versionDir := filepath.Join(s.dir, link)
	f, err := os.Open(filepath.Join(versionDir, snapshotFileName))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", api.ErrSnapshotIO, err)
	}
	return &fileSnapshotSource{
		metaPath: filepath.Join(versionDir, metaFileName),
		file:     f,
		r:        bufio.NewReader(f),
	}, nil
}

// commit publishes a fully written version directory.
func (s *SnapshotStorage) commit(versionName, versionPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Sync the new version directory to make sure file entries are durable.
	if err := syncDir(versionPath); err != nil {
		return errors.Join(err, os.RemoveAll(versionPath))
	}

	tmpSymlinkPath := s.current + tmpSuffix
	symlinkTarget := filepath.Join(versionsDirName, versionName)

	// Try to remove any temporary symlink from a previous failed operation.
	if err := os.Remove(tmpSymlinkPath); err != nil && !os.IsNotExist(err) {
		return errors.Join(err, os.RemoveAll(versionPath))
	}

	if err := os.Symlink(symlinkTarget, tmpSymlinkPath); err != nil {
		return errors.Join(err, os.RemoveAll(versionPath))
	}

	// Sync the parent directory to make the temporary symlink durable.
	if err := syncDir(s.dir); err != nil {
		return errors.Join(err, os.RemoveAll(versionPath), os.Remove(tmpSymlinkPath))
	}

	if err := os.Rename(tmpSymlinkPath, s.current); err != nil {
		return errors.Join(err, os.RemoveAll(versionPath), os.Remove(tmpSymlinkPath))
	}

	// Sync the parent directory again to make the rename durable.
	if err := syncDir(s.dir); err != nil {
		// The snapshot is published, but not guaranteed to be durable.
		s.logger.Warn("failed to sync directory after rename", logger.ErrAttr(err))
	}

	s.versionNames = append(s.versionNames, versionName)
	go s.cleanupVersions()

	return nil
}

func (s *SnapshotStorage) cleanupVersions() {
	s.mu.Lock()
	if len(s.versionNames) <= s.versionsToKeep {
		s.mu.Unlock()
		return
	}

	versionsToDelete := s.versionNames[:len(s.versionNames)-s.versionsToKeep]
	s.versionNames = s.versionNames[len(s.versionNames)-s.versionsToKeep:]
	s.mu.Unlock()

	for _, versionName := range versionsToDelete {
		pathToDelete := filepath.Join(s.versions, versionName)
		if err := os.RemoveAll(pathToDelete); err != nil {
			s.logger.Warn(
				"failed to delete outdated version",
				"version", versionName,
				logger.ErrAttr(err),
			)
		}
	}
}

// fileSnapshotSink writes snapshot.bin of one version directory and
// meta.bin on commit.
type fileSnapshotSink struct {
	storage     *SnapshotStorage
	meta        api.SnapshotMeta
	versionName string
	versionPath string
	file        *os.File
	w           *bufio.Writer
	closed      bool
}

func (s *fileSnapshotSink) Write(p []byte) (int, error) {
	if s.closed {
		return 0, ErrSinkClosed
	}
	return s.w.Write(p)
}

func (s *fileSnapshotSink) Meta() api.SnapshotMeta {
	return s.meta
}

func (s *fileSnapshotSink) Commit() error {
	if s.closed {
		return ErrSinkClosed
	}
	s.closed = true

	err := s.w.Flush()
	if err == nil {
		err = s.file.Sync()
	}
	if closeErr := s.file.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = writeAndSyncFile(filepath.Join(s.versionPath, metaFileName), marshalSnapshotMeta(&s.meta), 0644)
	}
	if err != nil {
		return errors.Join(fmt.Errorf("%w: %w", api.ErrSnapshotIO, err), os.RemoveAll(s.versionPath))
	}

	if err := s.storage.commit(s.versionName, s.versionPath); err != nil {
		return fmt.Errorf("%w: %w", api.ErrSnapshotIO, err)
	}
	s.storage.logger.Info(
		"snapshot committed",
		slog.String("version", s.versionName),
		slog.Int64("last_included_index", s.meta.LastIncludedIndex),
	)
	return nil
}

func (s *fileSnapshotSink) Abort() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return errors.Join(s.file.Close(), os.RemoveAll(s.versionPath))
}

type fileSnapshotSource struct {
	metaPath string
	file     *os.File
	r        *bufio.Reader
}

func (s *fileSnapshotSource) Read(p []byte) (int, error) {
	return s.r.Read(p)
}

// Load reads meta.bin. File system failures wrap api.ErrSnapshotIO.
func (s *fileSnapshotSource) Load() (*api.SnapshotMeta, error) {
	data, err := os.ReadFile(s.metaPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", api.ErrSnapshotIO, err)
	}
	meta, err := unmarshalSnapshotMeta(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode snapshot meta: %w", err)
	}
	return meta, nil
}

func (s *fileSnapshotSource) Close() error {
	return s.file.Close()
}

// writeAndSyncFile opens or creates a file, writes data to it
// and calls Sync to ensure the data is flushed to stable storage.
func writeAndSyncFile(filename string, data []byte, perm os.FileMode) error {
	f, err := os.OpenFile(filename, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	_, err = f.Write(data)
	if err == nil {
		err = f.Sync()
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	return err
}

// syncDir opens a directory and calls Sync to ensure its metadata is flushed to stable storage.
func syncDir(dir string) (err error) {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}

	defer func() {
		if cerr := f.Close(); cerr != nil {
			if err != nil {
				err = errors.Join(err, cerr)
			} else {
				err = cerr
			}
		}
	}()

	return f.Sync()
}
