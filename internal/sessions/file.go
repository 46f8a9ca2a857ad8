package sessions

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/owliabot/owlia/pkg/models"
)

// transcript lines can carry whole tool results; allow up to 1MB per line.
const maxTranscriptLine = 1024 * 1024

const indexFile = "sessions.json"

// FileStore persists sessions under a directory: an index file mapping keys
// to session metadata, plus one append-only JSONL transcript per session ID.
// Disk is the source of truth; the in-memory maps are a cache rebuilt from the
// index at startup.
type FileStore struct {
	dir    string
	logger *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*models.Session // key -> session
}

// NewFileStore opens (or initializes) a session store rooted at dir.
func NewFileStore(dir string, logger *slog.Logger) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("sessions: dir is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("sessions: create dir: %w", err)
	}

	s := &FileStore{
		dir:      dir,
		logger:   logger.With("component", "sessions"),
		sessions: map[string]*models.Session{},
	}
	if err := s.loadIndex(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileStore) GetOrCreate(ctx context.Context, key string, channel models.ChannelType, channelID string) (*models.Session, error) {
	if key == "" {
		return nil, fmt.Errorf("sessions: key is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if session, ok := s.sessions[key]; ok {
		return cloneSession(session), nil
	}

	now := time.Now().UTC()
	session := &models.Session{
		ID:        uuid.NewString(),
		Key:       key,
		Channel:   channel,
		ChannelID: channelID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.sessions[key] = session
	if err := s.saveIndexLocked(); err != nil {
		delete(s.sessions, key)
		return nil, err
	}
	s.logger.Info("session created", "key", key, "session_id", session.ID)
	return cloneSession(session), nil
}

func (s *FileStore) Get(ctx context.Context, key string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[key]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneSession(session), nil
}

func (s *FileStore) Rotate(ctx context.Context, key string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[key]
	if !ok {
		return nil, ErrNotFound
	}

	oldID := session.ID
	session.ID = uuid.NewString()
	session.UpdatedAt = time.Now().UTC()
	if err := s.saveIndexLocked(); err != nil {
		session.ID = oldID
		return nil, err
	}
	s.logger.Info("session rotated", "key", key, "session_id", session.ID, "previous", oldID)
	return cloneSession(session), nil
}

func (s *FileStore) Append(ctx context.Context, sessionID string, msg *models.Message) error {
	if msg == nil {
		return fmt.Errorf("sessions: message is required")
	}
	path, err := s.transcriptPath(sessionID)
	if err != nil {
		return err
	}

	clone := cloneMessage(msg)
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now().UTC()
	}
	clone.SessionID = sessionID

	line, err := json.Marshal(clone)
	if err != nil {
		return fmt.Errorf("sessions: encode message: %w", err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("sessions: open transcript: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		_ = f.Close()
		return fmt.Errorf("sessions: append transcript: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("sessions: close transcript: %w", err)
	}

	for _, session := range s.sessions {
		if session.ID == sessionID {
			session.UpdatedAt = clone.CreatedAt
			break
		}
	}
	return nil
}

func (s *FileStore) History(ctx context.Context, sessionID string, limit int) ([]*models.Message, error) {
	all, err := s.ReadAll(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all, nil
}

func (s *FileStore) ReadAll(ctx context.Context, sessionID string) ([]*models.Message, error) {
	path, err := s.transcriptPath(sessionID)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []*models.Message{}, nil
		}
		return nil, fmt.Errorf("sessions: open transcript: %w", err)
	}
	defer f.Close()

	var out []*models.Message
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxTranscriptLine)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg models.Message
		if err := json.Unmarshal(line, &msg); err != nil {
			// A torn tail write must not make history unreadable.
			s.logger.Warn("skipping corrupt transcript line", "session_id", sessionID, "error", err)
			continue
		}
		out = append(out, &msg)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("sessions: read transcript: %w", err)
	}
	return out, nil
}

func (s *FileStore) Clear(ctx context.Context, sessionID string) error {
	path, err := s.transcriptPath(sessionID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("sessions: clear transcript: %w", err)
	}
	return nil
}

// transcriptPath validates the session ID and maps it to its JSONL file.
// IDs are store-minted UUIDs, but callers supply them back, so reject
// anything that could escape the directory.
func (s *FileStore) transcriptPath(sessionID string) (string, error) {
	if sessionID == "" || strings.ContainsAny(sessionID, `/\`) || strings.Contains(sessionID, "..") {
		return "", ErrInvalidID
	}
	return filepath.Join(s.dir, sessionID+".jsonl"), nil
}

func (s *FileStore) loadIndex() error {
	path := filepath.Join(s.dir, indexFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("sessions: read index: %w", err)
	}

	var list []*models.Session
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("sessions: parse index: %w", err)
	}
	for _, session := range list {
		if session.Key == "" || session.ID == "" {
			continue
		}
		s.sessions[session.Key] = session
	}
	return nil
}

func (s *FileStore) saveIndexLocked() error {
	list := make([]*models.Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		list = append(list, session)
	}
	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return fmt.Errorf("sessions: encode index: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(s.dir, indexFile), data, 0o600); err != nil {
		return fmt.Errorf("sessions: write index: %w", err)
	}
	return nil
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()

	if err := tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
