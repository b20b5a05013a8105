// Package client is the remote implementation of the tracker's store and
// feed ports, speaking the server's REST and websocket surface.
package client

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

	"peak-tracker-service/internal/domain"
	"peak-tracker-service/internal/repository"
	"peak-tracker-service/internal/service"
)

type HTTP struct {
	base   string
	client *http.Client
}

func NewHTTP(baseURL string) *HTTP {
	return &HTTP{
		base:   strings.TrimRight(baseURL, "/"),
		client: &http.Client{Timeout: 15 * time.Second},
	}
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *apiError       `json:"error"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (c *HTTP) Create(ctx context.Context, username, deviceID string) (*service.JoinResult, error) {
	var result service.JoinResult
	err := c.do(ctx, http.MethodPost, "/api/v1/sessions", deviceID,
		map[string]string{"username": username}, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *HTTP) Join(ctx context.Context, code, username, deviceID string) (*service.JoinResult, error) {
	var result service.JoinResult
	err := c.do(ctx, http.MethodPost, "/api/v1/sessions/"+url.PathEscape(code)+"/members", deviceID,
		map[string]string{"username": username}, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *HTTP) ReportLocation(ctx context.Context, memberID, deviceID string, lat, lng float64) (*domain.Member, error) {
	var member domain.Member
	err := c.do(ctx, http.MethodPatch, "/api/v1/members/"+url.PathEscape(memberID)+"/location", deviceID,
		map[string]float64{"latitude": lat, "longitude": lng}, &member)
	if err != nil {
		return nil, err
	}
	return &member, nil
}

func (c *HTTP) Leave(ctx context.Context, memberID, deviceID string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/members/"+url.PathEscape(memberID), deviceID, nil, nil)
}

func (c *HTTP) do(ctx context.Context, method, path, deviceID string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Device-ID", deviceID)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if !env.Success {
		return apiErrorToSentinel(env.Error, path)
	}
	if out != nil {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decode response data: %w", err)
		}
	}
	return nil
}

// apiErrorToSentinel maps wire error codes back onto the sentinels the
// tracker branches on, so local and remote stores are interchangeable.
func apiErrorToSentinel(e *apiError, path string) error {
	if e == nil {
		return fmt.Errorf("request failed without error payload")
	}
	switch e.Code {
	case "NOT_FOUND":
		if strings.Contains(e.Message, "member") {
			return repository.ErrMemberNotFound
		}
		return repository.ErrSessionNotFound
	case "VALIDATION":
		return fmt.Errorf("%s", e.Message)
	default:
		return fmt.Errorf("%s %s: %s (%s)", e.Code, path, e.Message, codeHint(e.Code))
	}
}

func codeHint(code string) string {
	if code == "STORE_UNAVAILABLE" || code == "RATE_LIMITED" {
		return "retryable"
	}
	return "unexpected"
}
