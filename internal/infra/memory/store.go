package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"trivia-buzzer-service/internal/app"
	"trivia-buzzer-service/internal/domain"
)

// Store is an in-memory implementation of app.Store for single-instance
// deployments. One mutex guards all records, so every conditional write is
// trivially linearizable.
type Store struct {
	mu        sync.RWMutex
	sessions  map[string]*domain.Session
	codes     map[string]string
	questions map[string][]domain.Question
	states    map[domain.QuestionKey]*domain.QuestionState
	players   map[string]*domain.Player
	roster    map[string][]string
	names     map[string]map[string]string
	tokens    map[string]string
	buzzes    map[string][]domain.BuzzEvent
}

func NewStore() *Store {
	return &Store{
		sessions:  make(map[string]*domain.Session),
		codes:     make(map[string]string),
		questions: make(map[string][]domain.Question),
		states:    make(map[domain.QuestionKey]*domain.QuestionState),
		players:   make(map[string]*domain.Player),
		roster:    make(map[string][]string),
		names:     make(map[string]map[string]string),
		tokens:    make(map[string]string),
		buzzes:    make(map[string][]domain.BuzzEvent),
	}
}

var _ app.Store = (*Store)(nil)

func (s *Store) CreateSession(_ context.Context, session domain.Session, questions []domain.Question) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.codes[session.JoinCode]; ok {
		return domain.ErrJoinCodeTaken
	}
	stored := session
	s.sessions[session.ID] = &stored
	s.codes[session.JoinCode] = session.ID

	qs := make([]domain.Question, len(questions))
	copy(qs, questions)
	sort.Slice(qs, func(i, j int) bool { return qs[i].Index < qs[j].Index })
	s.questions[session.ID] = qs
	for _, q := range qs {
		key := domain.QuestionKey{SessionID: session.ID, QuestionID: q.ID}
		s.states[key] = &domain.QuestionState{
			SessionID:  session.ID,
			QuestionID: q.ID,
			Status:     domain.QuestionIdle,
		}
	}
	s.names[session.ID] = make(map[string]string)
	return nil
}

func (s *Store) Session(_ context.Context, sessionID string) (domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return domain.Session{}, domain.ErrSessionNotFound
	}
	return copySession(*session), nil
}

func (s *Store) SessionByCode(ctx context.Context, code string) (domain.Session, error) {
	s.mu.RLock()
	id, ok := s.codes[code]
	s.mu.RUnlock()
	if !ok {
		return domain.Session{}, domain.ErrSessionNotFound
	}
	return s.Session(ctx, id)
}

func (s *Store) Questions(_ context.Context, sessionID string) ([]domain.Question, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.sessions[sessionID]; !ok {
		return nil, domain.ErrSessionNotFound
	}
	out := make([]domain.Question, len(s.questions[sessionID]))
	copy(out, s.questions[sessionID])
	return out, nil
}

func (s *Store) QuestionState(_ context.Context, key domain.QuestionKey) (domain.QuestionState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.states[key]
	if !ok {
		return domain.QuestionState{}, domain.ErrQuestionNotFound
	}
	return copyState(*state), nil
}

func (s *Store) Players(_ context.Context, sessionID string) ([]domain.Player, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.sessions[sessionID]; !ok {
		return nil, domain.ErrSessionNotFound
	}
	out := make([]domain.Player, 0, len(s.roster[sessionID]))
	for _, id := range s.roster[sessionID] {
		out = append(out, *s.players[id])
	}
	return out, nil
}

func (s *Store) Player(_ context.Context, sessionID, playerID string) (domain.Player, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	player, ok := s.players[playerID]
	if !ok || player.SessionID != sessionID {
		return domain.Player{}, domain.ErrPlayerNotFound
	}
	return *player, nil
}

func (s *Store) PlayerByCredential(_ context.Context, credentialHash string) (domain.Player, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.tokens[credentialHash]
	if !ok {
		return domain.Player{}, domain.ErrPlayerNotFound
	}
	return *s.players[id], nil
}

func (s *Store) AddPlayer(_ context.Context, player domain.Player) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[player.SessionID]
	if !ok {
		return domain.ErrSessionNotFound
	}
	if session.Status != domain.SessionLobby {
		return domain.ErrSessionNotLobby
	}
	nameKey := domain.NameKey(player.Name)
	if _, taken := s.names[player.SessionID][nameKey]; taken {
		return domain.ErrNameTaken
	}
	stored := player
	s.players[player.ID] = &stored
	s.roster[player.SessionID] = append(s.roster[player.SessionID], player.ID)
	s.names[player.SessionID][nameKey] = player.ID
	s.tokens[player.CredentialHash] = player.ID
	return nil
}

func (s *Store) SetPlayerConnected(_ context.Context, sessionID, playerID string, connected bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	player, ok := s.players[playerID]
	if !ok || player.SessionID != sessionID {
		return domain.ErrPlayerNotFound
	}
	player.Connected = connected
	return nil
}

func (s *Store) ReplaceQuestions(_ context.Context, sessionID string, questions []domain.Question) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return domain.ErrSessionNotFound
	}
	if session.Status != domain.SessionLobby {
		return domain.ErrSessionNotLobby
	}
	for _, q := range s.questions[sessionID] {
		delete(s.states, domain.QuestionKey{SessionID: sessionID, QuestionID: q.ID})
	}

	qs := make([]domain.Question, len(questions))
	copy(qs, questions)
	sort.Slice(qs, func(i, j int) bool { return qs[i].Index < qs[j].Index })
	s.questions[sessionID] = qs
	for _, q := range qs {
		key := domain.QuestionKey{SessionID: sessionID, QuestionID: q.ID}
		s.states[key] = &domain.QuestionState{SessionID: sessionID, QuestionID: q.ID, Status: domain.QuestionIdle}
	}
	session.CurrentQuestionIndex = 0
	return nil
}

func (s *Store) UpdateSessionStatus(_ context.Context, sessionID string, from []domain.SessionStatus, to domain.SessionStatus, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return 0, domain.ErrSessionNotFound
	}
	if !statusIn(session.Status, from) {
		return 0, nil
	}
	switch {
	case to != domain.SessionPaused:
		session.PausedFrom = ""
	case session.Status != domain.SessionPaused:
		session.PausedFrom = session.Status
	}
	session.Status = to
	if to == domain.SessionFinished {
		finished := at
		session.FinishedAt = &finished
	}
	return 1, nil
}

func (s *Store) AdvanceQuestion(_ context.Context, sessionID string, from, to int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return 0, domain.ErrSessionNotFound
	}
	if session.CurrentQuestionIndex != from || to < 0 || to >= len(s.questions[sessionID]) {
		return 0, nil
	}
	session.CurrentQuestionIndex = to
	return 1, nil
}

func (s *Store) CompareAndSwapQuestionState(_ context.Context, key domain.QuestionKey, t app.QuestionTransition) (app.SwapResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.states[key]
	if !ok {
		return app.SwapResult{}, domain.ErrQuestionNotFound
	}
	var scored *domain.Player
	if t.ScorePlayer != "" && t.ScoreDelta != 0 {
		scored, ok = s.players[t.ScorePlayer]
		if !ok || scored.SessionID != key.SessionID {
			return app.SwapResult{}, domain.ErrPlayerNotFound
		}
	}

	next, ok := t.Apply(*state)
	if !ok {
		return app.SwapResult{}, nil
	}
	*state = next
	if scored != nil {
		scored.Score += t.ScoreDelta
	}
	return app.SwapResult{Affected: 1, Version: next.Version}, nil
}

func (s *Store) UnlockPlayer(_ context.Context, key domain.QuestionKey, playerID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.states[key]
	if !ok {
		return 0, domain.ErrQuestionNotFound
	}
	for i, id := range state.LockedPlayers {
		if id == playerID {
			state.LockedPlayers = append(state.LockedPlayers[:i:i], state.LockedPlayers[i+1:]...)
			return 1, nil
		}
	}
	return 0, nil
}

func (s *Store) AppendBuzzEvent(_ context.Context, event domain.BuzzEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buzzes[event.SessionID] = append(s.buzzes[event.SessionID], event)
	return nil
}

func (s *Store) BuzzEvents(_ context.Context, sessionID string) ([]domain.BuzzEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.sessions[sessionID]; !ok {
		return nil, domain.ErrSessionNotFound
	}
	out := make([]domain.BuzzEvent, len(s.buzzes[sessionID]))
	copy(out, s.buzzes[sessionID])
	return out, nil
}

func statusIn(status domain.SessionStatus, set []domain.SessionStatus) bool {
	for _, s := range set {
		if s == status {
			return true
		}
	}
	return false
}

func copySession(s domain.Session) domain.Session {
	if s.FinishedAt != nil {
		t := *s.FinishedAt
		s.FinishedAt = &t
	}
	return s
}

func copyState(s domain.QuestionState) domain.QuestionState {
	s.LockedPlayers = append([]string{}, s.LockedPlayers...)
	return s
}
