// Package providers holds the network clients for the generative
// collaborators: prompt writing, image and video generation, speech and
// music synthesis. Every client returns errors the failure package can
// classify: HTTP failures surface as *StatusError.
package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"google.golang.org/api/googleapi"
)

const userAgent = "reel-pipeline/1.0"

// minPayload is the smallest body accepted as real media; anything shorter
// is an error page.
const minPayload = 100

// StatusError is a non-2xx response from a collaborator.
type StatusError struct {
	Code  int
	Body  string
	Retry time.Duration
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("HTTP %d", e.Code)
	}
	return fmt.Sprintf("HTTP %d: %s", e.Code, e.Body)
}

func (e *StatusError) StatusCode() int { return e.Code }

func (e *StatusError) RetryAfter() time.Duration { return e.Retry }

// checkResponse returns a *StatusError for any non-2xx response. The body
// is drained and truncated into the error.
func checkResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	return &StatusError{
		Code:  resp.StatusCode,
		Body:  truncate(strings.TrimSpace(string(body)), 300),
		Retry: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
	}
}

// parseRetryAfter accepts both forms of the header: delay seconds or an
// HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil && t.After(now) {
		return t.Sub(now)
	}
	return 0
}

// googleStatus converts a Google API error into a *StatusError so it
// classifies by HTTP code. Other errors pass through.
func googleStatus(err error) error {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return err
	}
	se := &StatusError{Code: gerr.Code, Body: gerr.Message}
	if gerr.Header != nil {
		se.Retry = parseRetryAfter(gerr.Header.Get("Retry-After"), time.Now())
	}
	return se
}

// postJSON sends body as JSON and returns the response once its status has
// been checked. The caller closes the body.
func postJSON(ctx context.Context, c *http.Client, url, apiKey string, body any) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	resp, err := c.Do(req)
	if err != nil {
		return nil, err
	}
	if err := checkResponse(resp); err != nil {
		resp.Body.Close()
		return nil, err
	}
	return resp, nil
}

// writeMedia saves a downloaded payload atomically, rejecting bodies too
// small to be media.
func writeMedia(r io.Reader, outFile string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if len(data) < minPayload {
		return fmt.Errorf("response too small (%d bytes), likely an error page", len(data))
	}
	if err := os.MkdirAll(filepath.Dir(outFile), 0o755); err != nil {
		return err
	}
	tmp := outFile + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, outFile)
}

// cleanJSON strips markdown fences models sometimes wrap JSON in.
func cleanJSON(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
