package persistence

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"zcoder.me/model"
)

// API is the subset of the persistence service the coordinator consumes.
// Every call is made on behalf of the user owning token.
type API interface {
	GetRoom(ctx context.Context, token, roomID string) (*model.Room, error)
	DeleteRoom(ctx context.Context, token, roomID string) error
	LeaveRoom(ctx context.Context, token, roomID string) error
}

type client struct {
	baseURL string
	http    *http.Client
}

// New returns an API client rooted at baseURL (e.g. https://host).
func New(baseURL string, timeout time.Duration) API {
	return &client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

type (
	// ref decodes a user reference that is either a bare id or a populated document.
	ref string

	userDoc struct {
		ID       string `json:"_id"`
		Username string `json:"username"`
	}

	roomDoc struct {
		ID           string    `json:"_id"`
		Name         string    `json:"name"`
		Description  string    `json:"description"`
		Visibility   string    `json:"visibility"`
		IsPrivate    bool      `json:"isPrivate"`
		CreatedBy    ref       `json:"createdBy"`
		CurrentCode  string    `json:"currentCode"`
		LanguageID   int       `json:"languageId"`
		Participants []userDoc `json:"participants"`
		Invitees     []ref     `json:"invitees"`
		UpdatedAt    time.Time `json:"updatedAt"`
	}
)

func (r *ref) UnmarshalJSON(b []byte) error {
	var id string
	if err := json.Unmarshal(b, &id); err == nil {
		*r = ref(id)
		return nil
	}
	var doc userDoc
	if err := json.Unmarshal(b, &doc); err != nil {
		return err
	}
	*r = ref(doc.ID)
	return nil
}

func (d *roomDoc) toModel(roomID string) *model.Room {
	room := &model.Room{
		ID:          d.ID,
		Name:        d.Name,
		Description: d.Description,
		Visibility:  model.Public,
		OwnerID:     string(d.CreatedBy),
		Code:        d.CurrentCode,
		LanguageID:  d.LanguageID,
		UpdatedAt:   d.UpdatedAt,
	}
	if room.ID == "" {
		room.ID = roomID
	}
	if d.Visibility == string(model.Private) || d.IsPrivate {
		room.Visibility = model.Private
	}
	if room.LanguageID <= 0 {
		room.LanguageID = model.DefaultLanguageID
	}
	for _, p := range d.Participants {
		room.Members = append(room.Members, p.ID)
	}
	for _, id := range d.Invitees {
		room.Members = append(room.Members, string(id))
	}
	return room
}

func (c *client) GetRoom(ctx context.Context, token, roomID string) (*model.Room, error) {
	var doc roomDoc
	if err := c.do(ctx, http.MethodGet, token, "/api/rooms/"+url.PathEscape(roomID), &doc); err != nil {
		return nil, err
	}
	return doc.toModel(roomID), nil
}

func (c *client) DeleteRoom(ctx context.Context, token, roomID string) error {
	return c.do(ctx, http.MethodDelete, token, "/api/rooms/"+url.PathEscape(roomID), nil)
}

func (c *client) LeaveRoom(ctx context.Context, token, roomID string) error {
	return c.do(ctx, http.MethodPost, token, "/api/rooms/"+url.PathEscape(roomID)+"/leave", nil)
}

func (c *client) do(ctx context.Context, method, token, path string, out interface{}) error {
	var body io.Reader
	if method == http.MethodPost {
		body = bytes.NewReader([]byte("{}"))
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("persistence %s %s: %w", method, path, err)
	}
	defer res.Body.Close()

	switch {
	case res.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", model.ErrRoomNotFound, path)
	case res.StatusCode == http.StatusUnauthorized:
		return fmt.Errorf("%w: %s", model.ErrUnauthorized, path)
	case res.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s", model.ErrRoomForbidden, path)
	case res.StatusCode >= 300:
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return fmt.Errorf("persistence %s %s: status %d: %s", method, path, res.StatusCode, bytes.TrimSpace(msg))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("persistence %s %s: decode: %w", method, path, err)
	}
	return nil
}
