package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"time"
)

const generationStamp = "20060102T150405Z"

// Generation is one rotated copy of the state file.
type Generation struct {
	Seq       int       `json:"seq"`
	File      string    `json:"file"`
	CreatedAt time.Time `json:"created_at"`
}

// generationIndex is the on-disk list of generations, oldest first.
type generationIndex struct {
	NextSeq     int          `json:"next_seq"`
	Generations []Generation `json:"generations"`
}

func (s *FileStore) indexPath() string {
	return s.path + ".generations.json"
}

func (s *FileStore) latestBackupPath() string {
	return s.path + ".backup"
}

func (s *FileStore) generationPath(gen Generation) string {
	return filepath.Join(filepath.Dir(s.path), gen.File)
}

func (s *FileStore) newGeneration(idx *generationIndex) Generation {
	seq := idx.NextSeq
	if seq < 1 {
		seq = 1
	}
	now := s.now().UTC()
	return Generation{
		Seq:       seq,
		File:      fmt.Sprintf("%s.backup.%06d-%s", filepath.Base(s.path), seq, now.Format(generationStamp)),
		CreatedAt: now,
	}
}

func (s *FileStore) generationPattern() *regexp.Regexp {
	return regexp.MustCompile(`^` + regexp.QuoteMeta(filepath.Base(s.path)) + `\.backup\.(\d{6,})-(\d{8}T\d{6}Z)$`)
}

// loadIndex reads the generation index. A missing or unreadable index is
// rebuilt from files that strictly match the generation naming scheme.
func (s *FileStore) loadIndex() *generationIndex {
	data, err := os.ReadFile(s.indexPath())
	if err == nil {
		idx := &generationIndex{}
		if err := json.Unmarshal(data, idx); err == nil {
			return idx
		}
		s.log.WithField("path", s.indexPath()).Warn("generation index unreadable, rebuilding")
	} else if !errors.Is(err, fs.ErrNotExist) {
		s.log.WithField("path", s.indexPath()).WithError(err).Warn("generation index unreadable, rebuilding")
	}
	return s.rebuildIndex()
}

func (s *FileStore) rebuildIndex() *generationIndex {
	idx := &generationIndex{NextSeq: 1}
	entries, err := os.ReadDir(filepath.Dir(s.path))
	if err != nil {
		return idx
	}
	pattern := s.generationPattern()
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		match := pattern.FindStringSubmatch(entry.Name())
		if match == nil {
			continue
		}
		seq, err := strconv.Atoi(match[1])
		if err != nil {
			continue
		}
		created, _ := time.Parse(generationStamp, match[2])
		idx.Generations = append(idx.Generations, Generation{Seq: seq, File: entry.Name(), CreatedAt: created})
		if seq >= idx.NextSeq {
			idx.NextSeq = seq + 1
		}
	}
	sort.Slice(idx.Generations, func(i, j int) bool {
		return idx.Generations[i].Seq < idx.Generations[j].Seq
	})
	return idx
}

func (s *FileStore) writeIndex(idx *generationIndex) error {
	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return err
	}
	return writeAtomic(s.indexPath(), data)
}

// prune removes the oldest generations beyond the retention count.
func (s *FileStore) prune(idx *generationIndex) {
	if len(idx.Generations) <= s.maxBackups {
		return
	}
	excess := len(idx.Generations) - s.maxBackups
	for _, gen := range idx.Generations[:excess] {
		path := s.generationPath(gen)
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.log.WithField("path", path).WithError(err).Warn("failed to remove old backup")
			continue
		}
		s.log.WithField("path", path).Debug("removed old backup")
	}
	idx.Generations = append([]Generation(nil), idx.Generations[excess:]...)
	if err := s.writeIndex(idx); err != nil {
		s.log.WithError(err).Warn("failed to write generation index after pruning")
	}
}
