package http

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"trivia-buzzer-service/internal/app"
	"trivia-buzzer-service/internal/domain"
)

// MCTokenHeader carries the MC credential on REST mutations. The mcToken
// query parameter is accepted as well.
const MCTokenHeader = "X-MC-Token"

// Server holds dependencies for HTTP handlers.
type Server struct {
	engine *app.Engine
	ws     *WSHandler
	log    zerolog.Logger
}

func NewServer(engine *app.Engine, ws *WSHandler, logger zerolog.Logger) *Server {
	return &Server{engine: engine, ws: ws, log: logger}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/ws", s.ws.ServeWS)

	r.Route("/api/sessions", func(r chi.Router) {
		r.Use(middleware.Timeout(15 * time.Second))
		r.Post("/", s.createSession)
		r.Route("/{code}", func(r chi.Router) {
			r.Get("/", s.getSession)
			r.Get("/state", s.mcState)
			r.Put("/questions", s.replaceQuestions)
			r.Post("/players", s.joinSession)
			r.Post("/start", s.startSession)
			r.Post("/resume", s.resumeSession)
			r.Post("/finish", s.finishSession)
			r.Get("/scoreboard", s.scoreboard)
			r.Get("/buzz-events", s.buzzEvents)
		})
	})
	return r
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var in app.CreateSessionInput
	if err := decodeBody(r, &in); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid request body")
		return
	}
	created, err := s.engine.CreateSession(r.Context(), in)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, created)
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.engine.SessionByCode(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	snap, err := s.engine.Snapshot(r.Context(), session.ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, snap.Public())
}

func (s *Server) mcState(w http.ResponseWriter, r *http.Request) {
	session, err := s.engine.SessionByCode(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	snap, err := s.engine.MCSnapshot(r.Context(), session.ID, mcToken(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

type questionsRequest struct {
	Questions []app.QuestionInput `json:"questions"`
}

func (s *Server) replaceQuestions(w http.ResponseWriter, r *http.Request) {
	var req questionsRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid request body")
		return
	}
	session, err := s.engine.SessionByCode(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	questions, err := s.engine.ReplaceQuestions(r.Context(), session.ID, mcToken(r), req.Questions)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"questions": questions})
}

type joinRequest struct {
	Name string `json:"name"`
}

func (s *Server) joinSession(w http.ResponseWriter, r *http.Request) {
	var req joinRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid request body")
		return
	}
	joined, err := s.engine.JoinSession(r.Context(), chi.URLParam(r, "code"), req.Name)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, joined)
}

func (s *Server) startSession(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.engine.StartSession)
}

func (s *Server) resumeSession(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.engine.ResumeSession)
}

func (s *Server) finishSession(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.engine.FinishSession)
}

type transitionFunc func(ctx context.Context, sessionID, mcCredential string) (domain.Snapshot, error)

func (s *Server) transition(w http.ResponseWriter, r *http.Request, fn transitionFunc) {
	session, err := s.engine.SessionByCode(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	snap, err := fn(r.Context(), session.ID, mcToken(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

func (s *Server) scoreboard(w http.ResponseWriter, r *http.Request) {
	session, err := s.engine.SessionByCode(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	entries, err := s.engine.Scoreboard(r.Context(), session.ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, domain.ScoreboardUpdated{Players: entries})
}

func (s *Server) buzzEvents(w http.ResponseWriter, r *http.Request) {
	session, err := s.engine.SessionByCode(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	events, err := s.engine.BuzzEvents(r.Context(), session.ID, mcToken(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.log.Error().Err(err).
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("path", r.URL.Path).
			Msg("request failed")
	}
	respondError(w, status, errorCode(err), clientMessage(err))
}

func mcToken(r *http.Request) string {
	if token := r.Header.Get(MCTokenHeader); token != "" {
		return token
	}
	return r.URL.Query().Get("mcToken")
}

func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, map[string]interface{}{
		"error":   code,
		"message": message,
	})
}

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
