package consensus

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/TheusHen/meshcore/mesh/internal/fsutil"
)

// Storage makes the hard state and the log durable. Every method returns
// only once the data would survive a crash.
type Storage interface {
	Load() (HardState, []LogEntry, error)
	SaveHardState(HardState) error
	// Append adds entries that directly follow the stored log.
	Append(entries []LogEntry) error
	// TruncateFrom drops every entry with Index >= index.
	TruncateFrom(index uint64) error
	Close() error
}

var ErrLogGap = errors.New("consensus: appended entries do not follow the stored log")

// MemoryStorage keeps everything in memory.
type MemoryStorage struct {
	mu      sync.Mutex
	hard    HardState
	entries []LogEntry
}

func NewMemoryStorage() *MemoryStorage { return &MemoryStorage{} }

func (s *MemoryStorage) Load() (HardState, []LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hard, append([]LogEntry(nil), s.entries...), nil
}

func (s *MemoryStorage) SaveHardState(h HardState) error {
	s.mu.Lock()
	s.hard = h
	s.mu.Unlock()
	return nil
}

func (s *MemoryStorage) Append(entries []LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := checkContiguous(uint64(len(s.entries)), entries); err != nil {
		return err
	}
	s.entries = append(s.entries, entries...)
	return nil
}

func (s *MemoryStorage) TruncateFrom(index uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index == 0 {
		index = 1
	}
	if index <= uint64(len(s.entries)) {
		s.entries = s.entries[:index-1]
	}
	return nil
}

func (s *MemoryStorage) Close() error { return nil }

func checkContiguous(last uint64, entries []LogEntry) error {
	for i, e := range entries {
		if e.Index != last+uint64(i)+1 {
			return fmt.Errorf("%w: have %d, got %d", ErrLogGap, last, e.Index)
		}
	}
	return nil
}

const (
	hardStateFile = "hardstate.json"
	logFile       = "log.jsonl"
)

// FileStorage keeps the hard state as a JSON file replaced atomically and
// the log as one JSON entry per line, fsynced on every append.
type FileStorage struct {
	dir string

	mu   sync.Mutex
	f    *os.File
	last uint64
}

func OpenFileStorage(dir string) (*FileStorage, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(dir, logFile), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	s := &FileStorage{dir: dir, f: f}
	_, entries, torn, err := s.load()
	if err != nil {
		f.Close()
		return nil, err
	}
	s.last = uint64(len(entries))
	if torn {
		if err := s.rewrite(entries); err != nil {
			s.f.Close()
			return nil, err
		}
	}
	return s, nil
}

func (s *FileStorage) Load() (HardState, []LogEntry, error) {
	hard, entries, _, err := s.load()
	return hard, entries, err
}

// load also reports whether the log ends in a torn line, which is what a
// crash in the middle of an append leaves behind.
func (s *FileStorage) load() (HardState, []LogEntry, bool, error) {
	var hard HardState
	data, err := os.ReadFile(filepath.Join(s.dir, hardStateFile))
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return hard, nil, false, err
	default:
		if err := json.Unmarshal(data, &hard); err != nil {
			return hard, nil, false, fmt.Errorf("consensus: hard state: %w", err)
		}
	}

	raw, err := os.ReadFile(filepath.Join(s.dir, logFile))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return hard, nil, false, err
	}
	var entries []LogEntry
	sc := bufio.NewScanner(bytes.NewReader(raw))
	sc.Buffer(make([]byte, 0, 64<<10), MaxMessageSize)
	for sc.Scan() {
		line := sc.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var e LogEntry
		if err := json.Unmarshal(line, &e); err != nil {
			return hard, entries, true, nil
		}
		if e.Index != uint64(len(entries))+1 {
			return hard, nil, false, fmt.Errorf("%w: line for index %d after %d", ErrLogGap, e.Index, len(entries))
		}
		entries = append(entries, e)
	}
	if err := sc.Err(); err != nil {
		return hard, nil, false, err
	}
	return hard, entries, false, nil
}

func (s *FileStorage) SaveHardState(h HardState) error {
	data, err := json.Marshal(h)
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(filepath.Join(s.dir, hardStateFile), data, 0o600)
}

func (s *FileStorage) Append(entries []LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := checkContiguous(s.last, entries); err != nil {
		return err
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i := range entries {
		if err := enc.Encode(&entries[i]); err != nil {
			return err
		}
	}
	if _, err := s.f.Write(buf.Bytes()); err != nil {
		return err
	}
	if err := s.f.Sync(); err != nil {
		return err
	}
	s.last += uint64(len(entries))
	return nil
}

// TruncateFrom rewrites the log without the dropped suffix.
func (s *FileStorage) TruncateFrom(index uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index == 0 {
		index = 1
	}
	if index > s.last {
		return nil
	}
	_, entries, _, err := s.load()
	if err != nil {
		return err
	}
	if index-1 < uint64(len(entries)) {
		entries = entries[:index-1]
	}
	return s.rewrite(entries)
}

// rewrite replaces the log file with entries. The caller holds s.mu or owns
// s exclusively.
func (s *FileStorage) rewrite(entries []LogEntry) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i := range entries {
		if err := enc.Encode(&entries[i]); err != nil {
			return err
		}
	}
	path := filepath.Join(s.dir, logFile)
	if err := s.f.Close(); err != nil {
		return err
	}
	if err := fsutil.WriteFileAtomic(path, buf.Bytes(), 0o600); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	s.f = f
	s.last = uint64(len(entries))
	return nil
}

func (s *FileStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}
