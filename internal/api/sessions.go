package api

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v5"

	"github.com/samcharles93/jovia/internal/delivery"
	"github.com/samcharles93/jovia/internal/generation"
	"github.com/samcharles93/jovia/internal/inference"
)

// maxPollWait caps the wait query parameter of the events endpoint.
const maxPollWait = 30 * time.Second

// DefaultSessionRetention is how long a finished session stays registered
// after a client last read it.
const DefaultSessionRetention = 5 * time.Minute

type sessionRecord struct {
	Handle  *generation.Handle
	Model   string
	Created time.Time
	Raw     bool

	lastSeen time.Time
}

// SessionRegistry holds sessions started through the pull API. Finished
// sessions are dropped once nobody has read them for the retention
// period; running ones stay until deleted.
type SessionRegistry struct {
	mu        sync.Mutex
	sessions  map[string]*sessionRecord
	retention time.Duration
	now       func() time.Time
}

type RegistryOption func(*SessionRegistry)

// WithSessionRetention sets how long finished sessions are kept. Zero or
// less keeps them until deleted.
func WithSessionRetention(d time.Duration) RegistryOption {
	return func(r *SessionRegistry) { r.retention = d }
}

func withRegistryClock(now func() time.Time) RegistryOption {
	return func(r *SessionRegistry) { r.now = now }
}

func NewSessionRegistry(opts ...RegistryOption) *SessionRegistry {
	r := &SessionRegistry{
		sessions:  make(map[string]*sessionRecord),
		retention: DefaultSessionRetention,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *SessionRegistry) Add(rec *sessionRecord) {
	now := r.now()
	r.mu.Lock()
	expired := r.pruneLocked(now)
	rec.lastSeen = now
	r.sessions[rec.Handle.ID()] = rec
	r.mu.Unlock()
	detachAll(expired)
}

func (r *SessionRegistry) Get(id string) (*sessionRecord, bool) {
	now := r.now()
	r.mu.Lock()
	expired := r.pruneLocked(now)
	rec, ok := r.sessions[id]
	if ok {
		rec.lastSeen = now
	}
	r.mu.Unlock()
	detachAll(expired)
	return rec, ok
}

// pruneLocked unregisters finished sessions idle longer than the
// retention period and returns them.
func (r *SessionRegistry) pruneLocked(now time.Time) []*sessionRecord {
	if r.retention <= 0 {
		return nil
	}
	var expired []*sessionRecord
	for id, rec := range r.sessions {
		if now.Sub(rec.lastSeen) < r.retention {
			continue
		}
		select {
		case <-rec.Handle.Done():
			delete(r.sessions, id)
			expired = append(expired, rec)
		default:
		}
	}
	return expired
}

func detachAll(recs []*sessionRecord) {
	for _, rec := range recs {
		rec.Handle.Detach()
	}
}

// Remove unregisters id and detaches its session.
func (r *SessionRegistry) Remove(id string) bool {
	r.mu.Lock()
	rec, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if ok {
		rec.Handle.Detach()
	}
	return ok
}

func (r *SessionRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Close detaches and drops every session.
func (r *SessionRegistry) Close() {
	r.mu.Lock()
	recs := make([]*sessionRecord, 0, len(r.sessions))
	for _, rec := range r.sessions {
		recs = append(recs, rec)
	}
	r.sessions = make(map[string]*sessionRecord)
	r.mu.Unlock()
	detachAll(recs)
}

func (s *Server) handleCreateSession(c *echo.Context) error {
	if s.provider == nil {
		return writeError(c, http.StatusInternalServerError, "server_error", "engine provider not configured", "", "")
	}
	req, err := decodeJSON[CompletionRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	if req.Prompt == "" {
		return writeBadRequest(c, "prompt is required")
	}
	loaded, err := s.provider.Engine(c.Request().Context(), req.Model)
	if err != nil {
		return writeErr(c, err)
	}
	inferReq := inference.ResolveRequest(req.options(), loaded.Defaults)

	// The session outlives this request.
	h, err := loaded.Engine.Start(context.Background(), &inferReq)
	if err != nil {
		return writeErr(c, err)
	}
	rec := &sessionRecord{Handle: h, Model: loaded.Name, Created: s.clock(), Raw: inferReq.RawTokens}
	s.sessions.Add(rec)
	s.log.Debug("session registered", "session", h.ID(), "model", loaded.Name)
	return c.JSON(http.StatusCreated, sessionResponse(rec))
}

func (s *Server) handleGetSession(c *echo.Context) error {
	rec, ok := s.sessions.Get(c.Param("id"))
	if !ok {
		return writeNotFound(c, "session not found")
	}
	return c.JSON(http.StatusOK, sessionResponse(rec))
}

// handleSessionEvents returns one poll result. With ?wait=<duration> it
// blocks up to that long for something other than empty.
func (s *Server) handleSessionEvents(c *echo.Context) error {
	rec, ok := s.sessions.Get(c.Param("id"))
	if !ok {
		return writeNotFound(c, "session not found")
	}
	var wait time.Duration
	if q := c.QueryParam("wait"); q != "" {
		d, err := time.ParseDuration(q)
		if err != nil || d < 0 {
			return writeBadRequest(c, "wait must be a non-negative duration")
		}
		wait = min(d, maxPollWait)
	}

	ev := rec.Handle.Poll()
	if ev.Kind == delivery.Empty && wait > 0 {
		ctx, cancel := context.WithTimeout(c.Request().Context(), wait)
		next, err := rec.Handle.Next(ctx)
		cancel()
		switch {
		case err == nil:
			ev = next
		case errors.Is(err, context.DeadlineExceeded):
		default:
			return nil
		}
	}
	return c.JSON(http.StatusOK, sessionEvent(rec, ev))
}

func (s *Server) handleStopSession(c *echo.Context) error {
	rec, ok := s.sessions.Get(c.Param("id"))
	if !ok {
		return writeNotFound(c, "session not found")
	}
	rec.Handle.Stop()
	return c.JSON(http.StatusAccepted, sessionResponse(rec))
}

func (s *Server) handleDeleteSession(c *echo.Context) error {
	id := c.Param("id")
	if !s.sessions.Remove(id) {
		return writeNotFound(c, "session not found")
	}
	return c.JSON(http.StatusOK, DeleteSessionResponse{
		ID:      id,
		Object:  "session",
		Deleted: true,
	})
}

func sessionResponse(rec *sessionRecord) SessionResponse {
	resp := SessionResponse{
		ID:      rec.Handle.ID(),
		Object:  "session",
		Model:   rec.Model,
		Created: rec.Created.Unix(),
		Status:  "running",
		Stats:   toSessionStats(rec.Handle.Stats()),
	}
	select {
	case <-rec.Handle.Done():
		resp.Status = "finished"
		if _, err := rec.Handle.Wait(context.Background()); err != nil {
			resp.Status = "failed"
		}
		resp.Stats = toSessionStats(rec.Handle.Stats())
	default:
	}
	return resp
}

func sessionEvent(rec *sessionRecord, ev delivery.Event[generation.Fragment]) SessionEvent {
	switch ev.Kind {
	case delivery.Data:
		out := SessionEvent{Type: "fragment", Text: ev.Value.Text}
		if rec.Raw {
			tok := ev.Value.Token
			out.Token = &tok
		}
		return out
	case delivery.Done:
		// The worker closes the channel just before recording its stats.
		st, _ := rec.Handle.Wait(context.Background())
		return SessionEvent{Type: "finished", Stats: toSessionStats(st)}
	case delivery.Error:
		_, errType := errorStatus(ev.Err)
		return SessionEvent{Type: "error", Error: &ResponseError{Message: ev.Err.Error(), Type: errType}}
	default:
		return SessionEvent{Type: "empty"}
	}
}
