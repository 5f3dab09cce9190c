package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/labstack/gommon/log"
	"math"
	"sync"
	"time"
	"zcoder.me/model"
	"zcoder.me/pkg/websocket"
)

var (
	// ErrRoomDeleted ends Run when the room was deleted while joined.
	ErrRoomDeleted = errors.New("room was deleted")
	// ErrNotConnected is returned by commands issued while no connection is up.
	ErrNotConnected = errors.New("not connected")

	errLeft = errors.New("left room")
)

const (
	DefaultEmitInterval = 100 * time.Millisecond
	DefaultMinBackoff   = 500 * time.Millisecond
	DefaultMaxBackoff   = 30 * time.Second
)

// RemoteError is an error event sent by the coordinator.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// fatal reports whether a rejected join should not be retried.
func (e *RemoteError) fatal() bool {
	switch e.Code {
	case "room_not_found", "room_forbidden", "unauthorized":
		return true
	}
	return false
}

// State is the local view of the room.
type State struct {
	Connected    bool
	Joined       bool
	Code         string
	LanguageID   int
	Participants []model.Participant
	Messages     []model.ChatMessage
	Output       string
	OutputFailed bool
	LastError    *RemoteError
	Deleted      bool
}

// Observer is notified after every state change.
type Observer interface {
	StateChanged(s State)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(s State)

func (f ObserverFunc) StateChanged(s State) { f(s) }

type Options struct {
	RoomID       string
	User         model.Participant
	Dialer       Dialer
	Observer     Observer
	EmitInterval time.Duration
	MinBackoff   time.Duration
	MaxBackoff   time.Duration
}

// Session keeps one participant's view of a room in sync with the
// coordinator. All connection state is scoped to Run.
type Session struct {
	opts Options

	mu        sync.Mutex
	state     State
	transport Transport
	leaving   bool

	// throttled codeChange emission
	pending  *string
	lastEmit time.Time
	timer    *time.Timer
	gen      uint64

	notifyMu sync.Mutex
}

func NewSession(o Options) *Session {
	if o.EmitInterval <= 0 {
		o.EmitInterval = DefaultEmitInterval
	}
	if o.MinBackoff <= 0 {
		o.MinBackoff = DefaultMinBackoff
	}
	if o.MaxBackoff < o.MinBackoff {
		o.MaxBackoff = DefaultMaxBackoff
		if o.MaxBackoff < o.MinBackoff {
			o.MaxBackoff = o.MinBackoff
		}
	}
	return &Session{
		opts:  o,
		state: State{LanguageID: model.DefaultLanguageID},
	}
}

// Run connects, joins and keeps the session alive until ctx is done, the
// session leaves, the room is deleted or the join is refused. Dropped
// connections are redialed with exponential backoff and joined from scratch.
func (s *Session) Run(ctx context.Context) error {
	attempt := 0
	for {
		joined, err := s.serve(ctx)
		s.reset()

		var remote *RemoteError
		switch {
		case errors.Is(err, errLeft):
			return nil
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, ErrRoomDeleted):
			return err
		case errors.As(err, &remote) && remote.fatal():
			return err
		}

		if joined {
			attempt = 0
		}
		attempt++
		delay := s.backoff(attempt)
		log.Warnf("room %s: connection lost (%v), reconnecting in %s", s.opts.RoomID, err, delay)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// backoff is MinBackoff * 2^(attempt-1), capped at MaxBackoff.
func (s *Session) backoff(attempt int) time.Duration {
	delay := float64(s.opts.MinBackoff) * math.Pow(2, float64(attempt-1))
	if delay > float64(s.opts.MaxBackoff) {
		return s.opts.MaxBackoff
	}
	return time.Duration(delay)
}

// serve runs one connection from dial to drop.
func (s *Session) serve(ctx context.Context) (joined bool, err error) {
	t, err := s.opts.Dialer.Dial(ctx)
	if err != nil {
		return false, err
	}
	defer t.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = t.Close()
		case <-stop:
		}
	}()

	s.mu.Lock()
	s.transport = t
	s.state.Connected = true
	s.mu.Unlock()
	s.notify()

	err = t.Write(websocket.MustEncode(websocket.EventJoinRoom, &websocket.JoinRoom{
		RoomID: s.opts.RoomID,
		User:   s.opts.User,
	}))
	if err != nil {
		return false, err
	}

	for {
		b, err := t.Read()
		if err != nil {
			if s.isLeaving() {
				return joined, errLeft
			}
			return joined, err
		}

		var ev websocket.Event
		if err := json.Unmarshal(b, &ev); err != nil {
			log.Warnf("room %s: undecodable frame: %v", s.opts.RoomID, err)
			continue
		}
		if err := s.apply(&ev, joined); err != nil {
			return joined, err
		}
		if ev.Name == websocket.EventCodeUpdate {
			joined = true
		}
	}
}

// apply folds one inbound event into the local state.
func (s *Session) apply(ev *websocket.Event, joined bool) error {
	s.mu.Lock()
	var err error
	switch ev.Name {
	case websocket.EventCodeUpdate:
		var u websocket.CodeUpdate
		if err = json.Unmarshal(ev.Data, &u); err == nil {
			s.state.Code = u.Code
			s.state.Joined = true
			s.dropPending()
		}
	case websocket.EventParticipantsUpdate:
		var u websocket.ParticipantsUpdate
		if err = json.Unmarshal(ev.Data, &u); err == nil {
			s.state.Participants = u.Participants
		}
	case websocket.EventReceiveMessage:
		var msg model.ChatMessage
		if err = json.Unmarshal(ev.Data, &msg); err == nil {
			s.state.Messages = append(s.state.Messages, msg)
		}
	case websocket.EventExecutionResult:
		var r websocket.ExecutionResult
		if err = json.Unmarshal(ev.Data, &r); err == nil {
			s.state.Output = r.Output
			s.state.OutputFailed = r.Error
		}
	case websocket.EventLanguageUpdate:
		var u websocket.LanguageUpdate
		if err = json.Unmarshal(ev.Data, &u); err == nil {
			s.state.LanguageID = u.LanguageID
		}
	case websocket.EventRoomDeleted:
		s.state.Deleted = true
		s.mu.Unlock()
		s.notify()
		return ErrRoomDeleted
	case websocket.EventError:
		var e websocket.Error
		if err = json.Unmarshal(ev.Data, &e); err == nil {
			remote := &RemoteError{Code: e.Code, Message: e.Message}
			s.state.LastError = remote
			// a refused join ends the connection; Run decides whether to redial
			if !joined {
				s.mu.Unlock()
				s.notify()
				return remote
			}
		}
	default:
		s.mu.Unlock()
		log.Debugf("room %s: ignoring event '%s'", s.opts.RoomID, ev.Name)
		return nil
	}
	s.mu.Unlock()

	if err != nil {
		log.Warnf("room %s: bad '%s' payload: %v", s.opts.RoomID, ev.Name, err)
		return nil
	}
	s.notify()
	return nil
}

// reset clears everything learned from the last connection.
func (s *Session) reset() {
	s.mu.Lock()
	s.transport = nil
	s.dropPending()
	deleted := s.state.Deleted
	s.state = State{LanguageID: model.DefaultLanguageID, Deleted: deleted}
	s.mu.Unlock()
	s.notify()
}

// State returns a copy of the local view.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state
	st.Participants = append([]model.Participant(nil), s.state.Participants...)
	st.Messages = append([]model.ChatMessage(nil), s.state.Messages...)
	return st
}

func (s *Session) notify() {
	if s.opts.Observer == nil {
		return
	}
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	s.opts.Observer.StateChanged(s.State())
}

func (s *Session) isLeaving() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.leaving
}

// Edit replaces the local buffer at once and schedules a codeChange. Emission
// is throttled to one per EmitInterval; the trailing emit carries the latest
// buffer.
func (s *Session) Edit(code string) {
	s.mu.Lock()
	s.state.Code = code
	s.pending = &code
	if s.timer == nil {
		wait := s.opts.EmitInterval - time.Since(s.lastEmit)
		if wait <= 0 {
			wait = 0
		}
		s.gen++
		gen := s.gen
		s.timer = time.AfterFunc(wait, func() { s.emit(gen) })
	}
	s.mu.Unlock()
	s.notify()
}

func (s *Session) emit(gen uint64) {
	s.mu.Lock()
	if gen != s.gen || s.pending == nil {
		s.mu.Unlock()
		return
	}
	code := *s.pending
	s.pending = nil
	s.timer = nil
	s.lastEmit = time.Now()
	t := s.transport
	joined := s.state.Joined
	s.mu.Unlock()

	if t == nil || !joined {
		return
	}
	err := t.Write(websocket.MustEncode(websocket.EventCodeChange, &websocket.CodeChange{
		RoomID: s.opts.RoomID,
		Code:   &code,
	}))
	if err != nil {
		log.Warnf("room %s: emit codeChange: %v", s.opts.RoomID, err)
	}
}

// dropPending discards a scheduled emission. Callers hold s.mu.
func (s *Session) dropPending() {
	s.pending = nil
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.gen++
}

// SendMessage appends the message locally, then sends it to the room.
func (s *Session) SendMessage(text string) error {
	s.mu.Lock()
	t := s.transport
	if t == nil || !s.state.Joined {
		s.mu.Unlock()
		return ErrNotConnected
	}
	s.state.Messages = append(s.state.Messages, model.ChatMessage{User: s.opts.User, Message: text})
	s.mu.Unlock()
	s.notify()

	return t.Write(websocket.MustEncode(websocket.EventSendMessage, &websocket.SendMessage{
		RoomID:  s.opts.RoomID,
		Message: text,
		User:    s.opts.User,
	}))
}

// Execute asks the room to run the current buffer with stdin.
func (s *Session) Execute(stdin string) error {
	s.mu.Lock()
	t := s.transport
	req := &websocket.RunCode{
		RoomID:     s.opts.RoomID,
		Code:       s.state.Code,
		LanguageID: s.state.LanguageID,
		Stdin:      stdin,
	}
	joined := s.state.Joined
	s.mu.Unlock()
	if t == nil || !joined {
		return ErrNotConnected
	}
	return t.Write(websocket.MustEncode(websocket.EventRunCode, req))
}

// SetLanguage switches the room language selector.
func (s *Session) SetLanguage(languageID int) error {
	s.mu.Lock()
	t := s.transport
	joined := s.state.Joined
	if t != nil && joined {
		s.state.LanguageID = languageID
	}
	s.mu.Unlock()
	if t == nil || !joined {
		return ErrNotConnected
	}
	s.notify()
	return t.Write(websocket.MustEncode(websocket.EventLanguageChange, &websocket.LanguageChange{
		RoomID:     s.opts.RoomID,
		LanguageID: languageID,
	}))
}

// Leave departs the room explicitly; Run returns nil afterwards.
func (s *Session) Leave() error {
	s.mu.Lock()
	t := s.transport
	if t != nil {
		s.leaving = true
	}
	s.mu.Unlock()
	if t == nil {
		return ErrNotConnected
	}
	err := t.Write(websocket.MustEncode(websocket.EventLeaveRoom, &websocket.LeaveRoom{RoomID: s.opts.RoomID}))
	_ = t.Close()
	return err
}

// Delete asks the coordinator to delete the room. Only the owner succeeds.
func (s *Session) Delete() error {
	s.mu.Lock()
	t := s.transport
	s.mu.Unlock()
	if t == nil {
		return ErrNotConnected
	}
	return t.Write(websocket.MustEncode(websocket.EventDeleteRoom, &websocket.DeleteRoom{RoomID: s.opts.RoomID}))
}
