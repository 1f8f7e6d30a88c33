package sessionlog

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/zhubert/plural-appserver/jsonl"
	"github.com/zhubert/plural-appserver/paths"
)

const fileExt = ".jsonl"

var (
	// ErrNotFound is returned when no session file exists for an id.
	ErrNotFound = errors.New("session not found")

	// ErrNoMeta is returned when a session file has no meta record.
	ErrNoMeta = errors.New("session file has no meta record")
)

// Store keeps one JSONL file per conversation in a directory.
type Store struct {
	dir string
	mu  sync.Mutex
}

// NewStore returns a store rooted at dir. The directory is created on the
// first write.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// DefaultStore returns a store in the sessions directory.
func DefaultStore() (*Store, error) {
	dir, err := paths.SessionsDir()
	if err != nil {
		return nil, err
	}
	return NewStore(dir), nil
}

// Dir returns the store directory.
func (s *Store) Dir() string { return s.dir }

// ValidateID rejects ids that cannot safely name a file.
func ValidateID(id string) error {
	switch {
	case id == "":
		return errors.New("session id is empty")
	case id == "." || id == "..":
		return fmt.Errorf("invalid session id %q", id)
	case strings.ContainsAny(id, `/\`):
		return fmt.Errorf("session id %q contains a path separator", id)
	}
	return nil
}

func (s *Store) path(id string) (string, error) {
	if err := ValidateID(id); err != nil {
		return "", err
	}
	return filepath.Join(s.dir, id+fileExt), nil
}

// Save rewrites the whole session file. The new contents are written to a
// temporary file first and renamed into place.
func (s *Store) Save(c *Conversation) error {
	path, err := s.path(c.ID)
	if err != nil {
		return err
	}
	data, err := Encode(c)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.dir, "."+c.ID+"-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

// Load reads a conversation. Malformed lines are skipped.
func (s *Store) Load(id string) (*Conversation, error) {
	path, err := s.path(id)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}

	conv, ok := Decode(data)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoMeta, id)
	}
	return conv, nil
}

// Delete removes a session file. Deleting a missing session is not an error.
func (s *Store) Delete(id string) error {
	path, err := s.path(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err = os.Remove(path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// List returns the meta record of every readable session, most recently
// updated first. Files without a meta record are skipped.
func (s *Store) List() ([]Meta, error) {
	entries, err := os.ReadDir(s.dir)
	if os.IsNotExist(err) {
		return []Meta{}, nil
	}
	if err != nil {
		return nil, err
	}

	metas := []Meta{}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, fileExt) || strings.HasPrefix(name, ".") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			continue // Best-effort listing
		}
		if conv, ok := Decode(data); ok {
			metas = append(metas, conv.Meta)
		}
	}

	sort.SliceStable(metas, func(i, j int) bool {
		return metas[i].UpdatedAt > metas[j].UpdatedAt
	})
	return metas, nil
}

// AppendMessage appends one message record to an existing session file.
func (s *Store) AppendMessage(id string, msg ChatMessage) error {
	return s.appendRecord(id, messageRecord{Type: recordMessage, ChatMessage: msg})
}

// AppendItem appends one item record to an existing session file.
func (s *Store) AppendItem(id string, item ConversationItem) error {
	return s.appendRecord(id, itemRecord{Type: recordItem, ConversationItem: item})
}

func (s *Store) appendRecord(id string, rec any) error {
	path, err := s.path(id)
	if err != nil {
		return err
	}
	line, err := jsonl.Marshal(rec)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Appending to a missing file would create a session without meta.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0644)
	if os.IsNotExist(err) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return err
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// ClearAll deletes every session file and returns how many were removed.
func (s *Store) ClearAll() (int, error) {
	entries, err := os.ReadDir(s.dir)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), fileExt) {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, entry.Name())); err != nil {
			continue // Best-effort deletion
		}
		deleted++
	}
	return deleted, nil
}
