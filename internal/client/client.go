// Package client talks to the game data API on behalf of one child's device.
// It implements reconcile.Remote so an offline cache can sync through it.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gamedata-sync/internal/domain"
	"github.com/google/uuid"
)

// Client is an HTTP client scoped to a single child
type Client struct {
	baseURL string
	childID uuid.UUID
	http    *http.Client
	logger  *slog.Logger
}

// New creates a client for childID against the server at baseURL.
// httpClient may be nil.
func New(baseURL string, childID uuid.UUID, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		childID: childID,
		http:    httpClient,
		logger:  logger,
	}
}

// ChildID returns the child this client acts for
func (c *Client) ChildID() uuid.UUID {
	return c.childID
}

type errorResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type saveResponse struct {
	Success bool                   `json:"success"`
	Data    *domain.GameDataRecord `json:"data"`
}

type listResponse struct {
	Success  bool                    `json:"success"`
	GameData []domain.GameDataRecord `json:"gameData"`
}

type instanceResponse struct {
	Success  bool                      `json:"success"`
	Instance *domain.ChildGameInstance `json:"instance"`
}

// Fetch loads one record. A missing key is domain.ErrDataNotFound.
func (c *Client) Fetch(ctx context.Context, gameKey, dataKey string) (*domain.GameDataRecord, error) {
	var rec domain.GameDataRecord
	path := c.childPath("/data/" + url.PathEscape(gameKey) + "/" + url.PathEscape(dataKey))
	if err := c.do(ctx, "fetch game data", http.MethodGet, path, nil, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Save stores value under dataKey and returns the server's record
func (c *Client) Save(ctx context.Context, gameKey, dataKey string, value json.RawMessage) (*domain.GameDataRecord, error) {
	req := domain.SaveGameDataRequest{
		GameKey:   gameKey,
		DataKey:   dataKey,
		DataValue: value,
	}
	var resp saveResponse
	if err := c.do(ctx, "save game data", http.MethodPut, c.childPath("/data"), req, &resp); err != nil {
		return nil, err
	}
	if resp.Data == nil {
		return nil, fmt.Errorf("save game data: response carried no record")
	}
	return resp.Data, nil
}

// List returns every record the child has for gameKey
func (c *Client) List(ctx context.Context, gameKey string) ([]domain.GameDataRecord, error) {
	query := url.Values{}
	if gameKey != "" {
		query.Set("gameKey", gameKey)
	}
	path := c.childPath("/data")
	if len(query) > 0 {
		path += "?" + query.Encode()
	}

	var resp listResponse
	if err := c.do(ctx, "list game data", http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.GameData, nil
}

// EnsureInstance creates the child's instance of gameKey if it is missing
func (c *Client) EnsureInstance(ctx context.Context, gameKey string) (*domain.ChildGameInstance, error) {
	var resp instanceResponse
	path := c.childPath("/instances/" + url.PathEscape(gameKey))
	if err := c.do(ctx, "create game instance", http.MethodPost, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Instance, nil
}

func (c *Client) childPath(suffix string) string {
	return c.baseURL + "/games/children/" + c.childID.String() + suffix
}

// do sends one request and decodes a 2xx body into out
func (c *Client) do(ctx context.Context, op, method, target string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: encoding request: %w", op, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("%s: building request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &domain.TransientError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return &domain.TransientError{Op: op, Err: fmt.Errorf("reading response: %w", err)}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("%s: decoding response: %w", op, err)
		}
		return nil
	}

	return c.statusError(op, resp.StatusCode, raw)
}

// statusError maps an error response back onto the domain error kinds
func (c *Client) statusError(op string, status int, raw []byte) error {
	var body errorResponse
	if err := json.Unmarshal(raw, &body); err != nil || body.Message == "" {
		body.Message = http.StatusText(status)
	}

	switch {
	case status == http.StatusNotFound:
		for _, known := range []error{
			domain.ErrDataNotFound,
			domain.ErrInstanceNotFound,
			domain.ErrGameNotFound,
			domain.ErrChildNotFound,
		} {
			if strings.Contains(body.Message, known.Error()) {
				return fmt.Errorf("%s: %w", op, known)
			}
		}
		return fmt.Errorf("%s: %w", op, domain.ErrDataNotFound)
	case status == http.StatusBadRequest || status == http.StatusRequestEntityTooLarge:
		return &domain.ValidationError{Message: body.Message}
	case status == http.StatusTooManyRequests || (status >= 500 && status != http.StatusNotImplemented):
		return &domain.TransientError{Op: op, Err: fmt.Errorf("server returned %d: %s", status, body.Message)}
	}

	c.logger.Warn("unexpected response status", "op", op, "status", status, "message", body.Message)
	return errors.New(op + ": server returned " + http.StatusText(status))
}
