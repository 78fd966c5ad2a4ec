package domain

import "time"

// EventType tags the payload carried by an Event.
type EventType string

const (
	EventStateSnapshot      EventType = "state:snapshot"
	EventQuestionOpened     EventType = "question:opened"
	EventQuestionReopened   EventType = "question:reopened"
	EventBuzzWinner         EventType = "buzz:winner"
	EventBuzzRejected       EventType = "buzz:rejected"
	EventBuzzCorrect        EventType = "buzz:correct"
	EventBuzzWrong          EventType = "buzz:wrong"
	EventPlayerLocked       EventType = "player:locked"
	EventPlayerUnlocked     EventType = "player:unlocked"
	EventQuestionChanged    EventType = "question:changed"
	EventPlayerConnected    EventType = "player:connected"
	EventPlayerDisconnected EventType = "player:disconnected"
	EventGamePaused         EventType = "game:paused"
	EventScoreboardUpdated  EventType = "scoreboard:updated"

	// Direct replies, never broadcast.
	EventAck   EventType = "ack"
	EventError EventType = "error"
)

// RejectReason is carried by buzz:rejected.
type RejectReason string

const (
	ReasonNotOpen      RejectReason = "NotOpen"
	ReasonPlayerLocked RejectReason = "PlayerLocked"
	ReasonTooLate      RejectReason = "TooLate"
)

// Event is one message delivered to session subscribers. Payload always has the
// fixed type that matches Type; build events with the New* constructors.
//
// QuestionID and Version identify the QuestionState write that produced the event.
// Subscribers never receive an event whose Version is lower than one they already
// received for the same question. A zero Version is never suppressed.
type Event struct {
	Type       EventType `json:"type"`
	Payload    any       `json:"payload"`
	SessionID  string    `json:"-"`
	QuestionID string    `json:"-"`
	Version    int64     `json:"-"`
}

type QuestionOpened struct {
	QuestionID string    `json:"questionId"`
	Timestamp  time.Time `json:"timestamp"`
}

type QuestionReopened struct {
	QuestionID string `json:"questionId"`
}

type BuzzWinnerPayload struct {
	QuestionID string    `json:"questionId"`
	PlayerID   string    `json:"playerId"`
	PlayerName string    `json:"playerName"`
	Timestamp  time.Time `json:"timestamp"`
}

type BuzzRejected struct {
	QuestionID string       `json:"questionId"`
	Reason     RejectReason `json:"reason"`
}

type BuzzCorrect struct {
	QuestionID string `json:"questionId"`
	PlayerID   string `json:"playerId"`
	Points     int    `json:"points"`
}

type BuzzWrong struct {
	QuestionID string `json:"questionId"`
	PlayerID   string `json:"playerId"`
	Penalty    int    `json:"penalty"`
}

// PlayerLock is the payload of player:locked and player:unlocked.
type PlayerLock struct {
	QuestionID string `json:"questionId"`
	PlayerID   string `json:"playerId"`
}

type QuestionChanged struct {
	QuestionIndex int      `json:"questionIndex"`
	Question      Question `json:"question"`
}

// PlayerPresence is the payload of player:connected and player:disconnected.
type PlayerPresence struct {
	PlayerID   string `json:"playerId"`
	PlayerName string `json:"playerName,omitempty"`
}

type GamePaused struct {
	Reason string `json:"reason"`
}

type ScoreboardUpdated struct {
	Players []ScoreEntry `json:"players"`
}

type Ack struct {
	RequestType string `json:"requestType"`
	Result      any    `json:"result,omitempty"`
}

type ErrorMessage struct {
	RequestType string `json:"requestType,omitempty"`
	Code        string `json:"code"`
	Message     string `json:"message"`
}

func NewSnapshotEvent(s Snapshot) Event {
	ev := Event{Type: EventStateSnapshot, SessionID: s.SessionID, Payload: s}
	if s.QuestionState != nil {
		ev.QuestionID = s.QuestionState.QuestionID
		ev.Version = s.QuestionState.Version
	}
	return ev
}

func NewQuestionOpened(state QuestionState, at time.Time) Event {
	return questionEvent(EventQuestionOpened, state, QuestionOpened{QuestionID: state.QuestionID, Timestamp: at})
}

func NewQuestionReopened(state QuestionState) Event {
	return questionEvent(EventQuestionReopened, state, QuestionReopened{QuestionID: state.QuestionID})
}

func NewBuzzWinner(state QuestionState, player Player, at time.Time) Event {
	return questionEvent(EventBuzzWinner, state, BuzzWinnerPayload{
		QuestionID: state.QuestionID,
		PlayerID:   player.ID,
		PlayerName: player.Name,
		Timestamp:  at,
	})
}

func NewBuzzRejected(sessionID, questionID string, reason RejectReason) Event {
	return Event{
		Type:      EventBuzzRejected,
		SessionID: sessionID,
		Payload:   BuzzRejected{QuestionID: questionID, Reason: reason},
	}
}

func NewBuzzCorrect(state QuestionState, playerID string, points int) Event {
	return questionEvent(EventBuzzCorrect, state, BuzzCorrect{QuestionID: state.QuestionID, PlayerID: playerID, Points: points})
}

func NewBuzzWrong(state QuestionState, playerID string, penalty int) Event {
	return questionEvent(EventBuzzWrong, state, BuzzWrong{QuestionID: state.QuestionID, PlayerID: playerID, Penalty: penalty})
}

func NewPlayerLocked(state QuestionState, playerID string) Event {
	return questionEvent(EventPlayerLocked, state, PlayerLock{QuestionID: state.QuestionID, PlayerID: playerID})
}

func NewPlayerUnlocked(state QuestionState, playerID string) Event {
	return questionEvent(EventPlayerUnlocked, state, PlayerLock{QuestionID: state.QuestionID, PlayerID: playerID})
}

func NewQuestionChanged(sessionID string, index int, question Question) Event {
	return Event{
		Type:      EventQuestionChanged,
		SessionID: sessionID,
		Payload:   QuestionChanged{QuestionIndex: index, Question: question},
	}
}

func NewPlayerConnected(player Player) Event {
	return Event{
		Type:      EventPlayerConnected,
		SessionID: player.SessionID,
		Payload:   PlayerPresence{PlayerID: player.ID, PlayerName: player.Name},
	}
}

func NewPlayerDisconnected(player Player) Event {
	return Event{
		Type:      EventPlayerDisconnected,
		SessionID: player.SessionID,
		Payload:   PlayerPresence{PlayerID: player.ID, PlayerName: player.Name},
	}
}

func NewGamePaused(sessionID, reason string) Event {
	return Event{Type: EventGamePaused, SessionID: sessionID, Payload: GamePaused{Reason: reason}}
}

// NewScoreboardUpdated is tied to the judgment that changed the scores, if any.
func NewScoreboardUpdated(state QuestionState, players []Player) Event {
	return questionEvent(EventScoreboardUpdated, state, ScoreboardUpdated{Players: Scoreboard(players)})
}

func NewAck(requestType string, result any) Event {
	return Event{Type: EventAck, Payload: Ack{RequestType: requestType, Result: result}}
}

func NewError(requestType, code, message string) Event {
	return Event{Type: EventError, Payload: ErrorMessage{RequestType: requestType, Code: code, Message: message}}
}

func questionEvent(typ EventType, state QuestionState, payload any) Event {
	return Event{
		Type:       typ,
		SessionID:  state.SessionID,
		QuestionID: state.QuestionID,
		Version:    state.Version,
		Payload:    payload,
	}
}

// For returns the event as the given role may see it: answer text is only
// delivered to the MC.
func (e Event) For(role Role) Event {
	if role == RoleMC {
		return e
	}
	switch p := e.Payload.(type) {
	case QuestionChanged:
		p.Question = p.Question.Public()
		e.Payload = p
	case Snapshot:
		e.Payload = p.Public()
	}
	return e
}

// Public returns the question without its answer.
func (q Question) Public() Question {
	q.Answer = ""
	return q
}
