package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"zcoder.me/model"
)

// Executor runs code in the external sandbox and returns its combined output.
type Executor interface {
	Execute(ctx context.Context, req *model.ExecutionRequest) (string, error)
}

type client struct {
	url  string
	http *http.Client
}

// New returns an Executor posting to baseURL/execute. Deadlines come from the
// caller's context; the sandbox gives no latency bound.
func New(baseURL string) Executor {
	return &client{
		url:  strings.TrimRight(baseURL, "/") + "/execute",
		http: &http.Client{},
	}
}

type (
	executeRequest struct {
		Code       string `json:"code"`
		LanguageID int    `json:"language_id"`
		Stdin      string `json:"stdin"`
	}

	executeResponse struct {
		Output *string `json:"output"`
		Error  string  `json:"error"`
	}
)

func (c *client) Execute(ctx context.Context, req *model.ExecutionRequest) (string, error) {
	body, err := json.Marshal(&executeRequest{
		Code:       req.Code,
		LanguageID: req.LanguageID,
		Stdin:      req.Stdin,
	})
	if err != nil {
		return "", err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.ID != "" {
		httpReq.Header.Set("X-Request-ID", req.ID)
	}

	res, err := c.http.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("%w: %v", model.ErrExecutionTimeout, err)
		}
		return "", fmt.Errorf("%w: %v", model.ErrExecutionFailure, err)
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("%w: %v", model.ErrExecutionTimeout, err)
		}
		return "", fmt.Errorf("%w: %v", model.ErrExecutionFailure, err)
	}

	var out executeResponse
	if jsonErr := json.Unmarshal(raw, &out); jsonErr != nil {
		if res.StatusCode >= 300 {
			return "", fmt.Errorf("%w: status %d", model.ErrExecutionFailure, res.StatusCode)
		}
		return "", fmt.Errorf("%w: decode: %v", model.ErrExecutionFailure, jsonErr)
	}
	if out.Error != "" {
		return "", fmt.Errorf("%w: %s", model.ErrExecutionFailure, out.Error)
	}
	if res.StatusCode >= 300 || out.Output == nil {
		return "", fmt.Errorf("%w: status %d", model.ErrExecutionFailure, res.StatusCode)
	}
	return *out.Output, nil
}
