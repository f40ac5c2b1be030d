package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/viperbmw/netstacks-sub000/types"
)

var ErrNetworkDisabled = errors.New("network access is not enabled for this script")

// Modules backs the safe utility modules exposed to every runtime. The http
// functions are only installed when network access was granted.
type Modules struct {
	logger       *zap.Logger
	httpClient   *http.Client
	allowNetwork bool
}

func newModules(logger *zap.Logger, client *http.Client, allowNetwork bool) *Modules {
	return &Modules{
		logger:       logger,
		httpClient:   client,
		allowNetwork: allowNetwork,
	}
}

// NetworkEnabled reports whether the http module should be installed.
func (m *Modules) NetworkEnabled() bool {
	return m.allowNetwork
}

// Print routes script diagnostics to the logger.
func (m *Modules) Print(args ...any) {
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = fmt.Sprint(a)
	}
	m.logger.Info("script output", zap.String("output", strings.Join(parts, " ")))
}

// Log writes msg at the named level.
func (m *Modules) Log(level, msg string) {
	switch level {
	case "debug":
		m.logger.Debug(msg)
	case "warn", "warning":
		m.logger.Warn(msg)
	case "error":
		m.logger.Error(msg)
	default:
		m.logger.Info(msg)
	}
}

func (m *Modules) JSONEncode(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (m *Modules) JSONDecode(s string) (any, error) {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, err
	}
	return v, nil
}

func (m *Modules) TimeNow() string {
	return types.Now()
}

func (m *Modules) TimeUnix() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}

// TimeParse normalizes an RFC 3339 timestamp to UTC.
func (m *Modules) TimeParse(s string) (string, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return "", err
	}
	return types.FormatTime(t), nil
}

func (m *Modules) ReMatch(pattern, s string) (bool, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return false, err
	}
	return re.MatchString(s), nil
}

// ReSearch returns the first match and its groups, or nil.
func (m *Modules) ReSearch(pattern, s string) ([]string, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	return re.FindStringSubmatch(s), nil
}

func (m *Modules) ReFindAll(pattern, s string) ([]string, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	found := re.FindAllString(s, -1)
	if found == nil {
		found = []string{}
	}
	return found, nil
}

func (m *Modules) ReSub(pattern, repl, s string) (string, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return "", err
	}
	return re.ReplaceAllString(s, repl), nil
}

// HTTP performs a request with an optional JSON body and returns
// status_code, ok, body and, when the body parses, json.
func (m *Modules) HTTP(
	ctx context.Context, method, url string, body any, headers map[string]string,
) (map[string]any, error) {
	if !m.allowNetwork {
		return nil, ErrNetworkDisabled
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	out := map[string]any{
		"status_code": resp.StatusCode,
		"ok":          resp.StatusCode >= 200 && resp.StatusCode < 300,
		"body":        string(raw),
	}
	var parsed any
	if len(raw) > 0 && json.Unmarshal(raw, &parsed) == nil {
		out["json"] = parsed
	}
	return out, nil
}

func toStringMap(v any) map[string]string {
	m, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, val := range m {
		out[k] = fmt.Sprint(val)
	}
	return out
}
