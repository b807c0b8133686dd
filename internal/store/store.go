package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"adguard-dns-sync/internal/rewrite"
)

const (
	DefaultPath        = "/app/data/managed_rules.json"
	DefaultMaxBackups  = 5
	DefaultLockTimeout = 30 * time.Second
	archiveTimeout     = 30 * time.Second
)

// FileStore persists the managed rule set as a JSON file with rotated
// backups, corruption quarantine and fallback restore.
type FileStore struct {
	path        string
	maxBackups  int
	lockTimeout time.Duration
	archive     Archive
	log         logrus.FieldLogger
	now         func() time.Time
	sem         *semaphore.Weighted

	// last bytes uploaded to the archive, guarded by sem
	mirrored []byte
}

type Option func(*FileStore)

// WithMaxBackups sets how many backup generations are retained.
func WithMaxBackups(n int) Option {
	return func(s *FileStore) {
		if n > 0 {
			s.maxBackups = n
		}
	}
}

// WithLockTimeout bounds how long an operation waits for the store lock.
func WithLockTimeout(d time.Duration) Option {
	return func(s *FileStore) {
		if d > 0 {
			s.lockTimeout = d
		}
	}
}

// WithArchive mirrors every changed save to an off-site archive, keeping as
// many snapshots as local generations, and uses it as the last restore source.
func WithArchive(a Archive) Option {
	return func(s *FileStore) { s.archive = a }
}

func WithLogger(log logrus.FieldLogger) Option {
	return func(s *FileStore) {
		if log != nil {
			s.log = log
		}
	}
}

// WithNow is useful for tests.
func WithNow(now func() time.Time) Option {
	return func(s *FileStore) { s.now = now }
}

func New(path string, opts ...Option) *FileStore {
	if path == "" {
		path = DefaultPath
	}
	s := &FileStore{
		path:        path,
		maxBackups:  DefaultMaxBackups,
		lockTimeout: DefaultLockTimeout,
		log:         logrus.StandardLogger(),
		now:         time.Now,
		sem:         semaphore.NewWeighted(1),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.WithField("component", "store")
	return s
}

// Path returns the primary state file location.
func (s *FileStore) Path() string {
	return s.path
}

// Load returns the managed rule set. A corrupt primary file is quarantined
// and the newest valid backup is restored in its place. When no valid copy
// exists anywhere an empty set is returned. Only lock acquisition and
// context errors are reported.
func (s *FileStore) Load(ctx context.Context) (rewrite.Set, error) {
	release, err := s.acquire(ctx, "store.load")
	if err != nil {
		return nil, err
	}
	defer release()

	set, err := s.readSet(s.path)
	switch {
	case err == nil:
		s.log.WithField("rules", len(set)).Debug("loaded managed rules")
		return set, nil
	case errors.Is(err, fs.ErrNotExist):
		s.log.WithField("path", s.path).Info("state file not found, checking backups")
	case errors.Is(err, ErrCorrupt):
		s.log.WithField("path", s.path).WithError(err).Warn("state file is corrupt")
		s.quarantine(s.path)
	default:
		s.log.WithField("path", s.path).WithError(err).Error("state file unreadable, checking backups")
	}

	set, source, ok := s.recoverSet(ctx)
	if !ok {
		s.log.Info("no prior state found, starting with an empty managed set")
		return rewrite.Set{}, nil
	}
	data, err := encodeSet(set)
	if err == nil {
		err = writeAtomic(s.path, data)
	}
	if err != nil {
		s.log.WithError(err).Warn("failed to restore state file from backup")
	} else {
		s.log.WithFields(logrus.Fields{"source": source, "rules": len(set)}).Info("restored state from backup")
	}
	return set, nil
}

// Snapshot returns the managed rule set and the file it was read from
// without changing anything on disk. A missing or corrupt primary falls back
// to the newest readable backup; source is empty when none exists.
func (s *FileStore) Snapshot(ctx context.Context) (set rewrite.Set, source string, err error) {
	release, err := s.acquire(ctx, "store.snapshot")
	if err != nil {
		return nil, "", err
	}
	defer release()

	set, err = s.readSet(s.path)
	if err == nil {
		return set, s.path, nil
	}
	s.log.WithField("path", s.path).WithError(err).Debug("state file unusable, reading backups")
	set, source, ok := s.recoverSet(ctx)
	if !ok {
		return rewrite.Set{}, "", nil
	}
	return set, source, nil
}

// Save replaces the managed rule set. The current primary file is first
// copied to a new backup generation; the new content is then written to a
// temporary file and renamed over the primary.
func (s *FileStore) Save(ctx context.Context, set rewrite.Set) error {
	release, err := s.acquire(ctx, "store.save")
	if err != nil {
		return err
	}
	defer release()

	data, err := encodeSet(set)
	if err != nil {
		return &OpError{Op: "store.encode", Kind: KindResource, Path: s.path, Err: err}
	}
	idx, err := s.rotate()
	if err != nil {
		return err
	}
	if err := writeAtomic(s.path, data); err != nil {
		return &OpError{Op: "store.write", Kind: KindResource, Path: s.path, Err: err}
	}
	s.prune(idx)
	s.log.WithField("rules", len(set)).Debug("saved managed rules")

	s.mirror(ctx, data)
	return nil
}

// Generations lists the retained backups, newest first.
func (s *FileStore) Generations(ctx context.Context) ([]Generation, error) {
	release, err := s.acquire(ctx, "store.generations")
	if err != nil {
		return nil, err
	}
	defer release()

	idx := s.loadIndex()
	out := make([]Generation, 0, len(idx.Generations))
	for i := len(idx.Generations) - 1; i >= 0; i-- {
		out = append(out, idx.Generations[i])
	}
	return out, nil
}

// Restore makes a backup generation the primary state file. The current
// primary is rotated into a new generation first.
func (s *FileStore) Restore(ctx context.Context, seq int) (rewrite.Set, error) {
	release, err := s.acquire(ctx, "store.restore")
	if err != nil {
		return nil, err
	}
	defer release()

	idx := s.loadIndex()
	var target *Generation
	for i := range idx.Generations {
		if idx.Generations[i].Seq == seq {
			target = &idx.Generations[i]
			break
		}
	}
	if target == nil {
		return nil, &OpError{Op: "store.restore", Kind: KindNotFound, Err: fmt.Errorf("%w: %d", ErrUnknownGeneration, seq)}
	}
	path := s.generationPath(*target)
	set, err := s.readSet(path)
	if err != nil {
		kind := KindCorrupt
		if errors.Is(err, fs.ErrNotExist) {
			kind = KindNotFound
		}
		return nil, &OpError{Op: "store.restore", Kind: kind, Path: path, Err: err}
	}
	data, err := encodeSet(set)
	if err != nil {
		return nil, &OpError{Op: "store.encode", Kind: KindResource, Path: s.path, Err: err}
	}
	idx, err = s.rotate()
	if err != nil {
		return nil, err
	}
	if err := writeAtomic(s.path, data); err != nil {
		return nil, &OpError{Op: "store.write", Kind: KindResource, Path: s.path, Err: err}
	}
	s.prune(idx)
	s.log.WithFields(logrus.Fields{"seq": seq, "rules": len(set)}).Info("restored backup generation")
	return set, nil
}

func (s *FileStore) acquire(ctx context.Context, op string) (func(), error) {
	lockCtx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	defer cancel()
	if err := s.sem.Acquire(lockCtx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, &OpError{Op: op, Kind: KindResource, Path: s.path, Err: ctx.Err()}
		}
		return nil, &OpError{Op: op, Kind: KindResource, Path: s.path, Err: fmt.Errorf("%w after %s", ErrLockTimeout, s.lockTimeout)}
	}
	return func() { s.sem.Release(1) }, nil
}

func (s *FileStore) readSet(path string) (rewrite.Set, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return decodeSet(data, s.log.WithField("path", path))
}

// rotate copies the current primary into a new generation and refreshes the
// latest-backup file. A corrupt primary is quarantined instead of rotated.
func (s *FileStore) rotate() (*generationIndex, error) {
	idx := s.loadIndex()
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return idx, nil
	}
	if err != nil {
		return nil, &OpError{Op: "store.backup", Kind: KindResource, Path: s.path, Err: err}
	}
	if _, err := decodeSet(data, s.log); err != nil {
		s.log.WithError(err).Warn("current state file is corrupt, not rotating it")
		s.quarantine(s.path)
		return idx, nil
	}

	gen := s.newGeneration(idx)
	if err := writeAtomic(s.generationPath(gen), data); err != nil {
		return nil, &OpError{Op: "store.backup", Kind: KindResource, Path: s.generationPath(gen), Err: err}
	}
	idx.Generations = append(idx.Generations, gen)
	idx.NextSeq = gen.Seq + 1
	if err := s.writeIndex(idx); err != nil {
		return nil, &OpError{Op: "store.index", Kind: KindResource, Path: s.indexPath(), Err: err}
	}
	if err := writeAtomic(s.latestBackupPath(), data); err != nil {
		return nil, &OpError{Op: "store.backup", Kind: KindResource, Path: s.latestBackupPath(), Err: err}
	}
	s.log.WithField("generation", gen.File).Debug("created backup")
	return idx, nil
}

// recoverSet walks the fallback chain: generations newest first, the latest
// backup file, then the remote archive.
func (s *FileStore) recoverSet(ctx context.Context) (rewrite.Set, string, bool) {
	idx := s.loadIndex()
	for i := len(idx.Generations) - 1; i >= 0; i-- {
		path := s.generationPath(idx.Generations[i])
		set, err := s.readSet(path)
		if err != nil {
			s.log.WithField("path", path).WithError(err).Debug("skipping unusable backup")
			continue
		}
		return set, path, true
	}

	if set, err := s.readSet(s.latestBackupPath()); err == nil {
		return set, s.latestBackupPath(), true
	}

	if s.archive == nil {
		return nil, "", false
	}
	actx, cancel := context.WithTimeout(ctx, archiveTimeout)
	defer cancel()
	data, err := s.archive.Latest(actx)
	if err != nil {
		s.log.WithError(err).Warn("archive restore unavailable")
		return nil, "", false
	}
	set, err := decodeSet(data, s.log)
	if err != nil {
		s.log.WithError(err).Warn("archived state is unusable")
		return nil, "", false
	}
	return set, "archive", true
}

func (s *FileStore) quarantine(path string) {
	base := fmt.Sprintf("%s.corrupted.%s", path, s.now().UTC().Format(generationStamp))
	target := base
	for i := 1; ; i++ {
		if _, err := os.Stat(target); errors.Is(err, fs.ErrNotExist) {
			break
		}
		target = fmt.Sprintf("%s-%d", base, i)
	}
	if err := os.Rename(path, target); err != nil {
		s.log.WithField("path", path).WithError(err).Error("failed to quarantine corrupt file")
		return
	}
	s.log.WithField("quarantined", target).Warn("moved corrupt state file aside")
}

func (s *FileStore) mirror(ctx context.Context, data []byte) {
	if s.archive == nil {
		return
	}
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), archiveTimeout)
	defer cancel()
	if bytes.Equal(data, s.mirrored) {
		return
	}
	name := archiveObjectName(s.path, s.now())
	if err := s.archive.Upload(actx, name, data); err != nil {
		s.log.WithError(err).Warn("failed to mirror state to archive")
		return
	}
	s.mirrored = append(s.mirrored[:0], data...)
	s.log.WithField("object", name).Debug("mirrored state to archive")
	if err := s.archive.Prune(actx, s.maxBackups); err != nil {
		s.log.WithError(err).Warn("failed to prune archived state")
	}
}

// writeAtomic writes data to a temporary file in the target directory and
// renames it into place.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func(err error) error {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		return cleanup(err)
	}
	if err := tmp.Sync(); err != nil {
		return cleanup(err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	syncDir(dir)
	return nil
}

func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	defer d.Close()
	_ = d.Sync()
}
