package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

const maxResponseBytes = 4 << 20

// apiError is a non-2xx answer from the admin API.
type apiError struct {
	Status  int
	Message string
	Data    json.RawMessage
}

func (e *apiError) Error() string {
	return fmt.Sprintf("%d %s: %s", e.Status, http.StatusText(e.Status), e.Message)
}

type client struct {
	base  string
	token string
	actor string
	http  *http.Client
}

// addClientFlags registers the connection flags on fs. The returned function
// builds the client once fs has been parsed.
func addClientFlags(fs *flag.FlagSet) func() *client {
	server := fs.String("server", envDefault("TENANCY_SERVER", "http://localhost:8080"), "tenantd base URL")
	token := fs.String("token", os.Getenv("TENANCY_ADMIN_TOKEN"), "Admin bearer token")
	actor := fs.String("actor", os.Getenv("USER"), "Operator recorded in audit events")
	timeout := fs.Duration("timeout", 30*time.Second, "Request timeout")
	return func() *client {
		return &client{
			base:  strings.TrimRight(*server, "/"),
			token: *token,
			actor: *actor,
			http:  &http.Client{Timeout: *timeout},
		}
	}
}

func envDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// do sends body as JSON and stores the response's data member in out.
func (c *client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.actor != "" {
		req.Header.Set("X-Actor-ID", c.actor)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	var env struct {
		Data  json.RawMessage `json:"data"`
		Error string          `json:"error"`
	}
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &env); err != nil {
			if resp.StatusCode >= http.StatusBadRequest {
				return &apiError{Status: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
			}
			return fmt.Errorf("decode response (status %d): %w", resp.StatusCode, err)
		}
	}
	if resp.StatusCode >= http.StatusBadRequest {
		msg := env.Error
		if msg == "" {
			msg = strings.ToLower(http.StatusText(resp.StatusCode))
		}
		return &apiError{Status: resp.StatusCode, Message: msg, Data: env.Data}
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if rm, ok := out.(*json.RawMessage); ok {
		*rm = env.Data
		return nil
	}
	return json.Unmarshal(env.Data, out)
}

// call runs one request and prints the returned data. Errors carrying data,
// such as an exceeded quota check, print that data before failing.
func (c *client) call(method, path string, body any) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.http.Timeout)
	defer cancel()
	var data json.RawMessage
	err := c.do(ctx, method, path, body, &data)
	var apiErr *apiError
	if errors.As(err, &apiErr) && len(apiErr.Data) > 0 {
		_ = printJSON(apiErr.Data)
	}
	if err != nil {
		return err
	}
	return printJSON(data)
}

func printJSON(raw json.RawMessage) error {
	if len(raw) == 0 {
		return nil
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return err
	}
	buf.WriteByte('\n')
	_, err := stdout.Write(buf.Bytes())
	return err
}

func tenantPath(ref string, parts ...string) string {
	p := "/admin/v1/tenants/" + url.PathEscape(ref)
	for _, s := range parts {
		p += "/" + s
	}
	return p
}

// splitRef accepts the tenant reference either before or after the flags.
func splitRef(fs *flag.FlagSet, args []string) (string, error) {
	var ref string
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		ref, args = args[0], args[1:]
	}
	if err := fs.Parse(args); err != nil {
		return "", err
	}
	if ref == "" {
		ref = fs.Arg(0)
	}
	if ref == "" {
		fs.Usage()
		return "", errors.New("tenant reference (id, slug or namespace) required")
	}
	return ref, nil
}

// kvFlag collects repeated key=value flags.
type kvFlag map[string]string

func (f kvFlag) String() string {
	parts := make([]string, 0, len(f))
	for k, v := range f {
		parts = append(parts, k+"="+v)
	}
	return strings.Join(parts, ",")
}

func (f kvFlag) Set(s string) error {
	k, v, ok := strings.Cut(s, "=")
	if !ok || strings.TrimSpace(k) == "" {
		return fmt.Errorf("expected key=value, got %q", s)
	}
	f[strings.TrimSpace(k)] = strings.TrimSpace(v)
	return nil
}

// limits converts quota flags to their wire form. "unlimited" becomes null.
func (f kvFlag) limits() (map[string]any, error) {
	if len(f) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(f))
	for k, v := range f {
		if strings.EqualFold(v, "unlimited") {
			out[k] = nil
			continue
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("quota %s: %q is not a non-negative integer or \"unlimited\"", k, v)
		}
		out[k] = n
	}
	return out, nil
}

func (f kvFlag) bools() (map[string]bool, error) {
	if len(f) == 0 {
		return nil, nil
	}
	out := make(map[string]bool, len(f))
	for k, v := range f {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("feature %s: %q is not a boolean", k, v)
		}
		out[k] = b
	}
	return out, nil
}
