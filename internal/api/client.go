// Package api provides a client for the backend gateway's version endpoints.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/clean-dependency-project/botctl/internal/versions"
)

const (
	// DefaultTimeout is the default HTTP client timeout
	DefaultTimeout = 30 * time.Second

	// DefaultUserAgent is the default User-Agent header
	DefaultUserAgent = "botctl/1.0"

	// DefaultHistoryLimit is used when a caller passes a non-positive limit
	DefaultHistoryLimit = 20

	// DefaultReleaseLimit is used when a caller passes a non-positive limit
	DefaultReleaseLimit = 10

	maxErrorBody = 64 * 1024
)

// ErrEmptyBaseURL is returned when the client is created without a gateway address.
var ErrEmptyBaseURL = errors.New("api base url cannot be empty")

// Config holds client configuration.
type Config struct {
	BaseURL   string
	Token     string
	Timeout   time.Duration
	UserAgent string
	// HTTPClient overrides the client built from Timeout, used by tests.
	HTTPClient *http.Client
}

// Client talks to the backend gateway.
type Client struct {
	baseURL   string
	token     string
	userAgent string
	http      *http.Client
}

// NewClient creates a gateway client.
func NewClient(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, ErrEmptyBaseURL
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		hc = &http.Client{Timeout: timeout}
	}
	ua := cfg.UserAgent
	if ua == "" {
		ua = DefaultUserAgent
	}
	return &Client{
		baseURL:   base,
		token:     strings.TrimSpace(cfg.Token),
		userAgent: ua,
		http:      hc,
	}, nil
}

// envelope is the optional {success, data, error} wrapper used by the gateway.
type envelope struct {
	Success *bool           `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *envelopeError  `json:"error"`
	Message string          `json:"message"`
}

type envelopeError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ComponentsVersion lists the version snapshot of every component of an instance.
func (c *Client) ComponentsVersion(ctx context.Context, instanceID string) ([]versions.ComponentVersionInfo, error) {
	var out []versions.ComponentVersionInfo
	p := fmt.Sprintf("/versions/instances/%s/components", url.PathEscape(instanceID))
	if err := c.do(ctx, "components_version", http.MethodGet, p, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CheckComponentUpdate performs a live update check for one component.
func (c *Client) CheckComponentUpdate(ctx context.Context, instanceID string, component versions.Component) (versions.UpdateCheckResult, error) {
	var out versions.UpdateCheckResult
	p := fmt.Sprintf("/versions/instances/%s/components/%s/check",
		url.PathEscape(instanceID), url.PathEscape(string(component)))
	if err := c.do(ctx, "check_component_update", http.MethodPost, p, nil, &out); err != nil {
		return versions.UpdateCheckResult{}, err
	}
	return out, nil
}

// UpdateComponent asks the gateway to update a component.
func (c *Client) UpdateComponent(ctx context.Context, instanceID string, component versions.Component, createBackup bool, method versions.UpdateMethod, taskID string) (versions.UpdateResult, error) {
	q := url.Values{}
	q.Set("create_backup", strconv.FormatBool(createBackup))
	q.Set("update_method", string(method))
	if taskID != "" {
		q.Set("task_id", taskID)
	}
	p := fmt.Sprintf("/versions/instances/%s/components/%s/update?%s",
		url.PathEscape(instanceID), url.PathEscape(string(component)), q.Encode())
	var out versions.UpdateResult
	if err := c.do(ctx, "update_component", http.MethodPost, p, nil, &out); err != nil {
		var apiErr *versions.APIError
		if errors.As(err, &apiErr) && apiErr.BackupID != "" {
			return versions.UpdateResult{BackupID: apiErr.BackupID}, err
		}
		return versions.UpdateResult{}, err
	}
	return out, nil
}

// Backups lists backups of an instance, optionally filtered by component.
func (c *Client) Backups(ctx context.Context, instanceID string, component versions.Component) ([]versions.VersionBackup, error) {
	p := fmt.Sprintf("/versions/instances/%s/backups", url.PathEscape(instanceID))
	if component != "" {
		p += "?" + url.Values{"component": {string(component)}}.Encode()
	}
	var out []versions.VersionBackup
	if err := c.do(ctx, "backups", http.MethodGet, p, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// RestoreBackup restores a component from a backup.
func (c *Client) RestoreBackup(ctx context.Context, instanceID, backupID string) (versions.RestoreResult, error) {
	p := fmt.Sprintf("/versions/instances/%s/backups/%s/restore",
		url.PathEscape(instanceID), url.PathEscape(backupID))
	var out versions.RestoreResult
	if err := c.do(ctx, "restore_backup", http.MethodPost, p, nil, &out); err != nil {
		return versions.RestoreResult{}, err
	}
	return out, nil
}

// UpdateHistory lists history entries, newest first.
func (c *Client) UpdateHistory(ctx context.Context, instanceID string, component versions.Component, limit int) ([]versions.UpdateHistory, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	q := url.Values{}
	if component != "" {
		q.Set("component", string(component))
	}
	q.Set("limit", strconv.Itoa(limit))
	p := fmt.Sprintf("/versions/instances/%s/update-history?%s", url.PathEscape(instanceID), q.Encode())
	var out []versions.UpdateHistory
	if err := c.do(ctx, "update_history", http.MethodGet, p, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ComponentReleases lists remote releases of a component.
func (c *Client) ComponentReleases(ctx context.Context, component versions.Component, limit int) ([]versions.Release, error) {
	if limit <= 0 {
		limit = DefaultReleaseLimit
	}
	p := fmt.Sprintf("/versions/components/%s/releases?limit=%d", url.PathEscape(string(component)), limit)
	var out []versions.Release
	if err := c.do(ctx, "component_releases", http.MethodGet, p, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: failed to encode request: %w", op, err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("%s: failed to build request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%s: %w", op, ctx.Err())
		}
		return fmt.Errorf("%s: %w: %v", op, versions.ErrUpstreamUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(op, resp)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s: failed to read response: %w", op, err)
	}
	return decodeBody(op, raw, out)
}

// decodeBody accepts both a bare JSON value and the gateway envelope.
func decodeBody(op string, raw []byte, out any) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || out == nil {
		return nil
	}
	if trimmed[0] == '{' {
		var env envelope
		if err := json.Unmarshal(trimmed, &env); err == nil && env.Success != nil {
			if !*env.Success {
				apiErr := &versions.APIError{StatusCode: http.StatusOK, Op: op, Message: env.Message}
				if env.Error != nil {
					apiErr.Code = env.Error.Code
					apiErr.Message = env.Error.Message
				}
				apiErr.BackupID = backupIDOf(env.Data)
				return apiErr
			}
			if len(env.Data) == 0 || string(env.Data) == "null" {
				return nil
			}
			trimmed = env.Data
		}
	}
	if err := json.Unmarshal(trimmed, out); err != nil {
		return fmt.Errorf("%s: failed to decode response: %w", op, err)
	}
	return nil
}

func decodeError(op string, resp *http.Response) error {
	apiErr := &versions.APIError{StatusCode: resp.StatusCode, Op: op}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var env envelope
	if err := json.Unmarshal(raw, &env); err == nil {
		if env.Error != nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		} else if env.Message != "" {
			apiErr.Message = env.Message
		}
		apiErr.BackupID = backupIDOf(env.Data)
	}
	if apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(raw))
	}
	return apiErr
}

// backupIDOf extracts data.backup_id from a failure envelope.
func backupIDOf(data json.RawMessage) string {
	if len(data) == 0 {
		return ""
	}
	var partial struct {
		BackupID string `json:"backup_id"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return ""
	}
	return partial.BackupID
}
