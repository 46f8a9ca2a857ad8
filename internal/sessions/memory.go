package sessions

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/owliabot/owlia/pkg/models"
)

// MemoryStore keeps sessions and transcripts in memory. Useful for tests and
// for running without a state directory.
type MemoryStore struct {
	mu          sync.RWMutex
	sessions    map[string]*models.Session   // key -> session
	transcripts map[string][]*models.Message // session ID -> messages
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:    map[string]*models.Session{},
		transcripts: map[string][]*models.Message{},
	}
}

func (s *MemoryStore) GetOrCreate(ctx context.Context, key string, channel models.ChannelType, channelID string) (*models.Session, error) {
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
	return cloneSession(session), nil
}

func (s *MemoryStore) Get(ctx context.Context, key string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[key]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneSession(session), nil
}

func (s *MemoryStore) Rotate(ctx context.Context, key string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[key]
	if !ok {
		return nil, ErrNotFound
	}
	session.ID = uuid.NewString()
	session.UpdatedAt = time.Now().UTC()
	return cloneSession(session), nil
}

func (s *MemoryStore) Append(ctx context.Context, sessionID string, msg *models.Message) error {
	if sessionID == "" {
		return ErrInvalidID
	}
	if msg == nil {
		return fmt.Errorf("sessions: message is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := cloneMessage(msg)
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now().UTC()
	}
	clone.SessionID = sessionID
	s.transcripts[sessionID] = append(s.transcripts[sessionID], clone)

	for _, session := range s.sessions {
		if session.ID == sessionID {
			session.UpdatedAt = clone.CreatedAt
			break
		}
	}
	return nil
}

func (s *MemoryStore) History(ctx context.Context, sessionID string, limit int) ([]*models.Message, error) {
	all, err := s.ReadAll(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all, nil
}

func (s *MemoryStore) ReadAll(ctx context.Context, sessionID string) ([]*models.Message, error) {
	if sessionID == "" {
		return nil, ErrInvalidID
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored := s.transcripts[sessionID]
	out := make([]*models.Message, 0, len(stored))
	for _, msg := range stored {
		out = append(out, cloneMessage(msg))
	}
	return out, nil
}

func (s *MemoryStore) Clear(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return ErrInvalidID
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.transcripts, sessionID)
	return nil
}

func cloneSession(session *models.Session) *models.Session {
	if session == nil {
		return nil
	}
	clone := *session
	if session.Metadata != nil {
		clone.Metadata = deepCloneMap(session.Metadata)
	}
	return &clone
}

func cloneMessage(msg *models.Message) *models.Message {
	if msg == nil {
		return nil
	}
	clone := *msg
	if msg.Metadata != nil {
		clone.Metadata = deepCloneMap(msg.Metadata)
	}
	if len(msg.Attachments) > 0 {
		clone.Attachments = append([]models.Attachment{}, msg.Attachments...)
	}
	if len(msg.ToolCalls) > 0 {
		clone.ToolCalls = append([]models.ToolCall{}, msg.ToolCalls...)
	}
	if len(msg.ToolResults) > 0 {
		clone.ToolResults = append([]models.ToolResult{}, msg.ToolResults...)
	}
	return &clone
}

// deepCloneMap creates a deep copy of a map[string]any to prevent shared references.
func deepCloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	clone := make(map[string]any, len(m))
	for k, v := range m {
		clone[k] = deepCloneValue(v)
	}
	return clone
}

func deepCloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCloneMap(val)
	case []any:
		cloned := make([]any, len(val))
		for i, item := range val {
			cloned[i] = deepCloneValue(item)
		}
		return cloned
	case []string:
		cloned := make([]string, len(val))
		copy(cloned, val)
		return cloned
	default:
		return v
	}
}
