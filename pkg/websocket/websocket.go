package websocket

import (
	"encoding/json"
	"errors"
	"fmt"
	"zcoder.me/model"
	"zcoder.me/pkg/utils"
)

// Client to coordinator events.
const (
	EventJoinRoom       = "joinRoom"
	EventCodeChange     = "codeChange"
	EventSendMessage    = "sendMessage"
	EventRunCode        = "runCode"
	EventLanguageChange = "languageChange"
	EventLeaveRoom      = "leaveRoom"
	EventDeleteRoom     = "deleteRoom"
)

// Coordinator to client events.
const (
	EventParticipantsUpdate = "participantsUpdate"
	EventCodeUpdate         = "codeUpdate"
	EventReceiveMessage     = "receiveMessage"
	EventExecutionResult    = "executionResult"
	EventLanguageUpdate     = "languageUpdate"
	EventRoomDeleted        = "roomDeleted"
	EventError              = "error"
)

const (
	maxCodeLength    = 512 * 1024
	maxMessageLength = 4096
	maxStdinLength   = 64 * 1024
)

var ErrMalformedEvent = errors.New("malformed event")

type (
	// Event is the envelope of every frame in both directions.
	Event struct {
		Name string          `json:"event"`
		Data json.RawMessage `json:"data,omitempty"`
	}

	// Request is an inbound event payload addressed to one room.
	Request interface {
		Room() string
		Validate() error
	}

	JoinRoom struct {
		RoomID string            `json:"roomId"`
		User   model.Participant `json:"user"`
	}

	CodeChange struct {
		RoomID string  `json:"roomId"`
		Code   *string `json:"code"`
	}

	SendMessage struct {
		RoomID  string            `json:"roomId"`
		Message string            `json:"message"`
		User    model.Participant `json:"user"`
	}

	RunCode struct {
		RoomID     string `json:"roomId"`
		Code       string `json:"code"`
		LanguageID int    `json:"language_id"`
		Stdin      string `json:"stdin"`
	}

	LanguageChange struct {
		RoomID     string `json:"roomId"`
		LanguageID int    `json:"language_id"`
	}

	LeaveRoom struct {
		RoomID string `json:"roomId"`
	}

	DeleteRoom struct {
		RoomID string `json:"roomId"`
	}
)

type (
	ParticipantsUpdate struct {
		Participants []model.Participant `json:"participants"`
	}

	CodeUpdate struct {
		Code string `json:"code"`
	}

	ExecutionResult struct {
		Output    string `json:"output"`
		Error     bool   `json:"error,omitempty"`
		RequestID string `json:"request_id,omitempty"`
	}

	LanguageUpdate struct {
		LanguageID int `json:"language_id"`
	}

	RoomDeleted struct {
		RoomID string `json:"roomId"`
	}

	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
)

func (r *JoinRoom) Room() string       { return r.RoomID }
func (r *CodeChange) Room() string     { return r.RoomID }
func (r *SendMessage) Room() string    { return r.RoomID }
func (r *RunCode) Room() string        { return r.RoomID }
func (r *LanguageChange) Room() string { return r.RoomID }
func (r *LeaveRoom) Room() string      { return r.RoomID }
func (r *DeleteRoom) Room() string     { return r.RoomID }

func validRoomID(id string) error {
	if utils.IsBlank(id) || !utils.IsLengthValid(id, 1, 64) {
		return fmt.Errorf("invalid room id")
	}
	return nil
}

func (r *JoinRoom) Validate() error {
	if err := validRoomID(r.RoomID); err != nil {
		return err
	}
	if !r.User.Valid() {
		return fmt.Errorf("invalid '%s' request, param 'user' requires '_id' and 'username'", EventJoinRoom)
	}
	return nil
}

func (r *CodeChange) Validate() error {
	if err := validRoomID(r.RoomID); err != nil {
		return err
	}
	if r.Code == nil {
		return fmt.Errorf("invalid '%s' request, param 'code' is required", EventCodeChange)
	}
	if len(*r.Code) > maxCodeLength {
		return fmt.Errorf("invalid '%s' request, param 'code' exceeds %d bytes", EventCodeChange, maxCodeLength)
	}
	return nil
}

func (r *SendMessage) Validate() error {
	if err := validRoomID(r.RoomID); err != nil {
		return err
	}
	if utils.IsBlank(r.Message) || len(r.Message) > maxMessageLength {
		return fmt.Errorf("invalid '%s' request, param 'message' is required and must be at most %d bytes", EventSendMessage, maxMessageLength)
	}
	return nil
}

func (r *RunCode) Validate() error {
	if err := validRoomID(r.RoomID); err != nil {
		return err
	}
	if r.LanguageID <= 0 {
		return fmt.Errorf("invalid '%s' request, param 'language_id' is required", EventRunCode)
	}
	if len(r.Code) > maxCodeLength || len(r.Stdin) > maxStdinLength {
		return fmt.Errorf("invalid '%s' request, payload too large", EventRunCode)
	}
	return nil
}

func (r *LanguageChange) Validate() error {
	if err := validRoomID(r.RoomID); err != nil {
		return err
	}
	if r.LanguageID <= 0 {
		return fmt.Errorf("invalid '%s' request, param 'language_id' is required", EventLanguageChange)
	}
	return nil
}

func (r *LeaveRoom) Validate() error  { return validRoomID(r.RoomID) }
func (r *DeleteRoom) Validate() error { return validRoomID(r.RoomID) }

// Parse decodes an inbound frame into its typed, validated payload. Every
// failure wraps ErrMalformedEvent.
func Parse(b []byte) (string, Request, error) {
	var ev Event
	if err := json.Unmarshal(b, &ev); err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	var req Request
	switch ev.Name {
	case EventJoinRoom:
		req = &JoinRoom{}
	case EventCodeChange:
		req = &CodeChange{}
	case EventSendMessage:
		req = &SendMessage{}
	case EventRunCode:
		req = &RunCode{}
	case EventLanguageChange:
		req = &LanguageChange{}
	case EventLeaveRoom:
		req = &LeaveRoom{}
	case EventDeleteRoom:
		req = &DeleteRoom{}
	default:
		return ev.Name, nil, fmt.Errorf("%w: unknown event '%s'", ErrMalformedEvent, ev.Name)
	}

	if len(ev.Data) == 0 {
		return ev.Name, nil, fmt.Errorf("%w: '%s' has no data", ErrMalformedEvent, ev.Name)
	}
	if err := json.Unmarshal(ev.Data, req); err != nil {
		return ev.Name, nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if err := req.Validate(); err != nil {
		return ev.Name, nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return ev.Name, req, nil
}

// Encode wraps payload into an event frame.
func Encode(name string, payload interface{}) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(&Event{Name: name, Data: data})
}

// MustEncode is Encode for payloads that always marshal.
func MustEncode(name string, payload interface{}) []byte {
	b, err := Encode(name, payload)
	if err != nil {
		panic(err)
	}
	return b
}
