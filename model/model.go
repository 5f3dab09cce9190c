package model

import (
	"time"
	"zcoder.me/pkg/utils"
)

type Visibility string

const (
	Public  Visibility = "public"
	Private Visibility = "private"

	// DefaultLanguageID is the sandbox language selected when a room has none.
	DefaultLanguageID = 63
)

type (
	// Room is the live state of a collaborative session. Metadata comes from
	// the persistence API; Code and LanguageID live in memory and are last
	// writer wins.
	Room struct {
		ID           string
		Name         string
		Description  string
		Visibility   Visibility
		OwnerID      string
		Members      []string
		Code         string
		LanguageID   int
		Participants []Participant
		// UpdatedAt is when the persisted record last changed, zero if unknown.
		UpdatedAt time.Time
	}

	Participant struct {
		ID       string `json:"_id"`
		Username string `json:"username"`
	}

	ChatMessage struct {
		User    Participant `json:"user"`
		Message string      `json:"message"`
	}

	ExecutionRequest struct {
		ID         string
		RoomID     string
		Code       string
		LanguageID int
		Stdin      string
	}

	ExecutionResult struct {
		ID     string
		RoomID string
		Output string
		Failed bool
	}
)

func (p *Participant) Valid() bool {
	return utils.IsLengthValid(p.ID, 1, 64) && !utils.IsBlank(p.Username) && utils.IsLengthValid(p.Username, 1, 100)
}

// IsMember reports whether userID may join the room when it is private.
func (r *Room) IsMember(userID string) bool {
	return r.OwnerID == userID || utils.InArray(r.Members, userID)
}

// HasParticipant reports whether userID is on the roster.
func (r *Room) HasParticipant(userID string) bool {
	for _, p := range r.Participants {
		if p.ID == userID {
			return true
		}
	}
	return false
}

// AddParticipant appends p unless a participant with the same id is present.
// It returns true when the roster changed.
func (r *Room) AddParticipant(p Participant) bool {
	if r.HasParticipant(p.ID) {
		return false
	}
	r.Participants = append(r.Participants, p)
	return true
}

// RemoveParticipant drops userID from the roster, keeping display order.
func (r *Room) RemoveParticipant(userID string) bool {
	for i, p := range r.Participants {
		if p.ID == userID {
			r.Participants = append(r.Participants[:i], r.Participants[i+1:]...)
			return true
		}
	}
	return false
}

// Roster returns a copy of the participant list safe to hand to encoders.
func (r *Room) Roster() []Participant {
	roster := make([]Participant, len(r.Participants))
	copy(roster, r.Participants)
	return roster
}
