package live

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/courseloop/backend/internal/models"
)

// MemoryStore is an in-memory Store for tests and single-node development.
// All methods are safe for concurrent use; the claim and transition methods
// hold the store lock for the full read-modify-write.
type MemoryStore struct {
	mu           sync.Mutex
	sessions     map[uuid.UUID]*models.LiveSession
	participants map[string]*models.Participant
	elements     map[uuid.UUID]*models.MediaElement
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:     make(map[uuid.UUID]*models.LiveSession),
		participants: make(map[string]*models.Participant),
		elements:     make(map[uuid.UUID]*models.MediaElement),
	}
}

func copySession(s *models.LiveSession) *models.LiveSession {
	c := *s
	if s.PipelineElementID != nil {
		id := *s.PipelineElementID
		c.PipelineElementID = &id
	}
	return &c
}

// GetOrCreateLiveSession implements Store.
func (m *MemoryStore) GetOrCreateLiveSession(_ context.Context, sessionID uuid.UUID) (*models.LiveSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[sessionID]; ok {
		return copySession(s), nil
	}
	s := &models.LiveSession{
		SessionID: sessionID,
		Status:    models.LiveStatusNotStarted,
		CreatedAt: time.Now(),
	}
	m.sessions[sessionID] = s
	return copySession(s), nil
}

// GetLiveSession implements Store.
func (m *MemoryStore) GetLiveSession(_ context.Context, sessionID uuid.UUID) (*models.LiveSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	return copySession(s), nil
}

// TransitionStatus implements Store.
func (m *MemoryStore) TransitionStatus(_ context.Context, sessionID uuid.UUID, from, to models.LiveStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok || s.Status != from {
		return false, nil
	}
	s.Status = to
	now := time.Now()
	if to == models.LiveStatusStarted {
		s.StartedAt = &now
	}
	return true, nil
}

// FinishSession implements Store.
func (m *MemoryStore) FinishSession(_ context.Context, sessionID uuid.UUID, reason string, finalCount int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok || s.Status == models.LiveStatusFinished {
		return false, nil
	}
	now := time.Now()
	s.Status = models.LiveStatusFinished
	s.FinishedAt = &now
	s.FinishReason = reason
	s.FinalParticipantCount = finalCount
	return true, nil
}

// ClaimPipeline implements Store.
func (m *MemoryStore) ClaimPipeline(_ context.Context, sessionID, elementID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok || s.PipelineElementID != nil {
		return false, nil
	}
	id := elementID
	s.PipelineElementID = &id
	return true, nil
}

// ClearPipeline implements Store.
func (m *MemoryStore) ClearPipeline(_ context.Context, sessionID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[sessionID]; ok {
		s.PipelineElementID = nil
	}
	return nil
}

// GetOrCreateParticipant implements Store.
func (m *MemoryStore) GetOrCreateParticipant(_ context.Context, connectionID string, userID, sessionID uuid.UUID) (*models.Participant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.participants[connectionID]; ok {
		c := *p
		return &c, nil
	}
	p := &models.Participant{
		ConnectionID: connectionID,
		UserID:       userID,
		SessionID:    sessionID,
		JoinedAt:     time.Now(),
	}
	m.participants[connectionID] = p
	c := *p
	return &c, nil
}

// GetParticipant implements Store.
func (m *MemoryStore) GetParticipant(_ context.Context, connectionID string) (*models.Participant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.participants[connectionID]
	if !ok {
		return nil, nil
	}
	c := *p
	return &c, nil
}

// ListParticipantsBySession implements Store.
func (m *MemoryStore) ListParticipantsBySession(_ context.Context, sessionID uuid.UUID) ([]models.Participant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var list []models.Participant
	for _, p := range m.participants {
		if p.SessionID == sessionID {
			list = append(list, *p)
		}
	}
	return list, nil
}

// ListParticipantsByUser implements Store.
func (m *MemoryStore) ListParticipantsByUser(_ context.Context, userID uuid.UUID) ([]models.Participant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var list []models.Participant
	for _, p := range m.participants {
		if p.UserID == userID {
			list = append(list, *p)
		}
	}
	return list, nil
}

// CountParticipants implements Store.
func (m *MemoryStore) CountParticipants(_ context.Context, sessionID uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, p := range m.participants {
		if p.SessionID == sessionID {
			n++
		}
	}
	return n, nil
}

// RemoveParticipant implements Store.
func (m *MemoryStore) RemoveParticipant(_ context.Context, connectionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.participants, connectionID)
	return nil
}

// SaveMediaElement implements Store.
func (m *MemoryStore) SaveMediaElement(_ context.Context, el *models.MediaElement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if el.CreatedAt.IsZero() {
		el.CreatedAt = time.Now()
	}
	c := *el
	m.elements[el.ID] = &c
	return nil
}

// GetMediaElement implements Store.
func (m *MemoryStore) GetMediaElement(_ context.Context, id uuid.UUID) (*models.MediaElement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	el, ok := m.elements[id]
	if !ok {
		return nil, nil
	}
	c := *el
	return &c, nil
}

// ListMediaElementsBySession implements Store.
func (m *MemoryStore) ListMediaElementsBySession(_ context.Context, sessionID uuid.UUID) ([]models.MediaElement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var list []models.MediaElement
	for _, el := range m.elements {
		if el.SessionID == sessionID {
			list = append(list, *el)
		}
	}
	return list, nil
}

// ListMediaElementsByOwner implements Store.
func (m *MemoryStore) ListMediaElementsByOwner(_ context.Context, ownerParticipantID string) ([]models.MediaElement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var list []models.MediaElement
	for _, el := range m.elements {
		if el.OwnerParticipantID == ownerParticipantID {
			list = append(list, *el)
		}
	}
	return list, nil
}

// ListAllMediaElements implements Store.
func (m *MemoryStore) ListAllMediaElements(_ context.Context) ([]models.MediaElement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := make([]models.MediaElement, 0, len(m.elements))
	for _, el := range m.elements {
		list = append(list, *el)
	}
	return list, nil
}

// MarkElementConnected implements Store.
func (m *MemoryStore) MarkElementConnected(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if el, ok := m.elements[id]; ok {
		el.IsConnected = true
	}
	return nil
}

// SetElementVideoEnabled implements Store.
func (m *MemoryStore) SetElementVideoEnabled(_ context.Context, id uuid.UUID, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if el, ok := m.elements[id]; ok {
		el.IsVideoEnabled = enabled
	}
	return nil
}

// DeleteMediaElement implements Store.
func (m *MemoryStore) DeleteMediaElement(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.elements, id)
	return nil
}
