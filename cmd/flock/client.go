package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// usageError reports invalid command arguments. Exits 2.
type usageError struct{ msg string }

func (e *usageError) Error() string { return e.msg }

func usageErrorf(format string, args ...any) error {
	return &usageError{msg: fmt.Sprintf(format, args...)}
}

// apiError is a non-2xx daemon response.
type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s (HTTP %d)", e.Message, e.Status)
	}
	return fmt.Sprintf("daemon returned HTTP %d", e.Status)
}

// statusExit maps the response status to a documented exit code, or zero
// when the status has no dedicated code.
func (e *apiError) statusExit() int {
	switch e.Status {
	case http.StatusBadRequest:
		return exitUsage
	case http.StatusPaymentRequired:
		return exitBudgetDenied
	case http.StatusTooManyRequests:
		return exitCapacity
	case http.StatusNotFound:
		return exitNotFound
	case http.StatusConflict:
		return exitInvalidState
	}
	return 0
}

// familyError tags an error with a command family's documented failure
// code (event verbs exit 7, budget verbs exit 8) without hiding a more
// specific refusal carried underneath.
type familyError struct {
	err  error
	code int
}

func (e *familyError) Error() string { return e.err.Error() }
func (e *familyError) Unwrap() error { return e.err }

func tagFamily(err error, code int) error {
	if err == nil {
		return nil
	}
	return &familyError{err: err, code: code}
}

// apiClient calls the daemon HTTP API. No global timeout: send blocks for
// the length of the run and stream reads forever.
type apiClient struct {
	base string
	http *http.Client
}

func newAPIClient(cmd *cobra.Command) *apiClient {
	addr, _ := cmd.Flags().GetString("addr")
	if addr == "" {
		addr = os.Getenv("FLOCK_ADDR")
	}
	if addr == "" {
		addr = "localhost:8080"
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return &apiClient{
		base: strings.TrimRight(addr, "/"),
		http: &http.Client{},
	}
}

// wsURL converts the client's base URL to the websocket endpoint.
func (c *apiClient) wsURL() string {
	base := c.base
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/api/v1/ws"
}

func (c *apiClient) get(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *apiClient) post(ctx context.Context, path string, body, out any) error {
	return c.do(ctx, http.MethodPost, path, body, out)
}

func (c *apiClient) put(ctx context.Context, path string, body, out any) error {
	return c.do(ctx, http.MethodPut, path, body, out)
}

func (c *apiClient) delete(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodDelete, path, nil, out)
}

func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reqBody)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("cannot reach daemon at %s: %w", c.base, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		return &apiError{Status: resp.StatusCode, Message: errorMessage(data)}
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("unexpected response from daemon: %w", err)
		}
	}
	return nil
}

// errorMessage extracts the message field from an error body, falling back
// to the raw body.
func errorMessage(data []byte) string {
	var body struct {
		Message any `json:"message"`
	}
	if err := json.Unmarshal(data, &body); err == nil && body.Message != nil {
		return fmt.Sprintf("%v", body.Message)
	}
	return strings.TrimSpace(string(data))
}

// printJSON writes v to stdout as indented JSON.
func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
