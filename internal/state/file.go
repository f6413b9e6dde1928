package state

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/HexSleeves/parley/internal/conversation"
)

// FileStore writes one JSON file per conversation.
type FileStore struct {
	mu  sync.Mutex
	dir string
}

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("state: create %s: %w", dir, err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(id string) (string, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return "", fmt.Errorf("state: invalid conversation id %q", id)
	}
	return filepath.Join(s.dir, strings.ReplaceAll(id, ":", "_")+".json"), nil
}

func (s *FileStore) Load(_ context.Context, id string) (*conversation.State, error) {
	path, err := s.path(id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, conversation.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("state: load %s: %w", id, err)
	}
	return conversation.UnmarshalState(data)
}

// Save replaces the file atomically through a temp file and rename.
func (s *FileStore) Save(_ context.Context, st *conversation.State) error {
	data, err := conversation.MarshalState(st)
	if err != nil {
		return err
	}
	path, err := s.path(st.ConversationID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tmp, err := os.CreateTemp(s.dir, "conversation-*.tmp")
	if err != nil {
		return fmt.Errorf("state: save %s: %w", st.ConversationID, err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("state: save %s: %w", st.ConversationID, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("state: save %s: %w", st.ConversationID, err)
	}
	return os.Rename(tmpPath, path)
}

// List returns the ids of stored conversations, sorted.
func (s *FileStore) List(context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("state: list: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, e.Name()))
		if err != nil {
			continue
		}
		st, err := conversation.UnmarshalState(data)
		if err != nil {
			continue
		}
		ids = append(ids, st.ConversationID)
	}
	slices.Sort(ids)
	return ids, nil
}

func (s *FileStore) Delete(_ context.Context, id string) error {
	path, err := s.path(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return conversation.ErrNotFound
		}
		return fmt.Errorf("state: delete %s: %w", id, err)
	}
	return nil
}
