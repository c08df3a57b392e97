// Package asklog keeps the questions asked during this process's lifetime
// as ULID-keyed JSON lines in a scratch directory. It is removed on
// shutdown.
package asklog

import (
	"bufio"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

const fileName = "asks.jsonl"

type Entry struct {
	ID        string    `json:"id"`
	Question  string    `json:"question"`
	Answer    string    `json:"answer,omitempty"`
	Error     string    `json:"error,omitempty"`
	AskedAt   time.Time `json:"askedAt"`
	ElapsedMS int64     `json:"elapsedMs"`
}

type Store struct {
	RootDir string

	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

func NewStore(rootDir string) (*Store, error) {
	if err := os.MkdirAll(rootDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating ask log dir: %w", err)
	}
	return &Store{
		RootDir: rootDir,
		entropy: ulid.Monotonic(rand.Reader, 0),
	}, nil
}

func (s *Store) filePath() string {
	return filepath.Join(s.RootDir, fileName)
}

// Append assigns the entry an id that sorts after every earlier entry and
// writes it.
func (s *Store) Append(entry Entry) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.AskedAt.IsZero() {
		entry.AskedAt = time.Now().UTC()
	}
	id, err := ulid.New(ulid.Now(), s.entropy)
	if err != nil {
		return Entry{}, fmt.Errorf("generating ask id: %w", err)
	}
	entry.ID = id.String()

	line, err := json.Marshal(entry)
	if err != nil {
		return Entry{}, err
	}
	f, err := os.OpenFile(s.filePath(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return Entry{}, err
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return Entry{}, err
	}
	return entry, nil
}

// Since returns entries whose id sorts after afterID, oldest first. An
// empty afterID returns everything.
func (s *Store) Since(afterID string) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.filePath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []Entry{}, nil
		}
		return nil, err
	}
	defer f.Close()

	entries := make([]Entry, 0, 64)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var entry Entry
		if err := json.Unmarshal([]byte(line), &entry); err != nil || entry.ID == "" {
			continue
		}
		if afterID != "" && entry.ID <= afterID {
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *Store) Cleanup() error {
	return os.RemoveAll(s.RootDir)
}
