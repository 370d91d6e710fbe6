// Package remote talks to the SyncPipe sync server over pinned HTTPS.
package remote

import (
	"bytes"
	"context"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/SyncPipe/internal/models"
	"github.com/gorilla/websocket"
)

// Default timeouts for remote calls.
const (
	DefaultCallTimeout      = 15 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second
	maxResponseBytes        = 4 << 20
)

// Client submits operations and fetches authoritative server state.
type Client interface {
	Submit(ctx context.Context, op models.Operation) (models.ServerAck, error)
	Fetch(ctx context.Context, recordID string) (models.ServerState, error)
}

// Feed streams server-driven changes. Follow first replays every record changed at or
// after since (all records when since is zero), then blocks calling fn for each live
// change until ctx is cancelled or the connection fails.
type Feed interface {
	Follow(ctx context.Context, since time.Time, fn func(models.ServerState) error) error
}

// Config describes how to reach the sync server.
type Config struct {
	BaseURL     string         // https://host[:port]
	Pins        []string       // SPKI SHA-256 pins; at least one
	RootCAs     *x509.CertPool // nil uses the system roots
	ServerName  string         // overrides the TLS server name
	DeviceID    string
	TokenSecret string
	CallTimeout time.Duration
}

// HTTPClient implements Client and Feed.
type HTTPClient struct {
	base    *url.URL
	http    *http.Client
	dialer  *websocket.Dialer
	tokens  *TokenSigner
	timeout time.Duration
}

var (
	_ Client = (*HTTPClient)(nil)
	_ Feed   = (*HTTPClient)(nil)
)

// envelope is the server's {status, message, result} response wrapper.
type envelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
}

// NewHTTPClient validates cfg and builds a pinned client.
func NewHTTPClient(cfg Config) (*HTTPClient, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse server URL: %w", err)
	}
	if base.Scheme != "https" || base.Host == "" {
		return nil, ErrInsecureURL
	}
	tlsCfg, err := pinnedTLSConfig(cfg.Pins, cfg.RootCAs, cfg.ServerName)
	if err != nil {
		return nil, err
	}
	timeout := cfg.CallTimeout
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		TLSClientConfig:     tlsCfg,
		TLSHandshakeTimeout: DefaultHandshakeTimeout,
		MaxIdleConnsPerHost: 8,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
	}
	return &HTTPClient{
		base: base,
		http: &http.Client{
			Transport: transport,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			TLSClientConfig:  tlsCfg.Clone(),
			HandshakeTimeout: DefaultHandshakeTimeout,
		},
		tokens:  NewTokenSigner(cfg.TokenSecret, cfg.DeviceID, DefaultTokenTTL),
		timeout: timeout,
	}, nil
}

// Submit sends one operation. Every failure is classified: *TransportError (retry),
// *ConflictError, *models.ValidationError or *PinningError.
func (c *HTTPClient) Submit(ctx context.Context, op models.Operation) (models.ServerAck, error) {
	body, err := json.Marshal(op)
	if err != nil {
		return models.ServerAck{}, fmt.Errorf("encode operation: %w", err)
	}
	req, cancel, err := c.newRequest(ctx, http.MethodPost, "/v1/submit", body)
	if err != nil {
		return models.ServerAck{}, err
	}
	defer cancel()
	req.Header.Set("Idempotency-Key", op.IdempotencyKey)

	code, env, err := c.do(req, "submit")
	if err != nil {
		return models.ServerAck{}, err
	}
	switch code {
	case http.StatusOK:
		var ack models.ServerAck
		if err := json.Unmarshal(env.Result, &ack); err != nil {
			return models.ServerAck{}, &TransportError{Op: "submit", StatusCode: code, Err: fmt.Errorf("decode ack: %w", err)}
		}
		slog.Debug("HTTPClient.Submit: accepted", "recordID", op.RecordID, "kind", op.Kind, "version", ack.Version)
		return ack, nil
	case http.StatusConflict:
		ce := &ConflictError{RecordID: op.RecordID}
		var body models.ConflictBody
		if len(env.Result) > 0 && json.Unmarshal(env.Result, &body) == nil && body.Current.RecordID != "" {
			ce.Current = body.Current
			ce.HasCurrent = true
		}
		return models.ServerAck{}, ce
	case http.StatusUnprocessableEntity:
		reason := env.Message
		if reason == "" {
			reason = "rejected by server"
		}
		return models.ServerAck{}, &models.ValidationError{Reason: reason}
	default:
		return models.ServerAck{}, statusError("submit", code, env.Message)
	}
}

// Fetch returns the server copy of a record. A record the server does not hold comes
// back as a tombstone.
func (c *HTTPClient) Fetch(ctx context.Context, recordID string) (models.ServerState, error) {
	req, cancel, err := c.newRequest(ctx, http.MethodGet, "/v1/records/"+url.PathEscape(recordID), nil)
	if err != nil {
		return models.ServerState{}, err
	}
	defer cancel()

	code, env, err := c.do(req, "fetch")
	if err != nil {
		return models.ServerState{}, err
	}
	switch code {
	case http.StatusOK:
		var st models.ServerState
		if err := json.Unmarshal(env.Result, &st); err != nil {
			return models.ServerState{}, &TransportError{Op: "fetch", StatusCode: code, Err: fmt.Errorf("decode state: %w", err)}
		}
		return st, nil
	case http.StatusNotFound:
		return models.ServerState{RecordID: recordID, Deleted: true}, nil
	default:
		return models.ServerState{}, statusError("fetch", code, env.Message)
	}
}

// Health checks that the server is reachable through the pinned channel.
func (c *HTTPClient) Health(ctx context.Context) error {
	req, cancel, err := c.newRequest(ctx, http.MethodGet, "/healthz", nil)
	if err != nil {
		return err
	}
	defer cancel()
	code, env, err := c.do(req, "health")
	if err != nil {
		return err
	}
	if code != http.StatusOK {
		return statusError("health", code, env.Message)
	}
	return nil
}

// Follow streams ServerState frames from the push feed.
func (c *HTTPClient) Follow(ctx context.Context, since time.Time, fn func(models.ServerState) error) error {
	token, err := c.tokens.Sign()
	if err != nil {
		return err
	}
	u := *c.base
	u.Scheme = "wss"
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/feed"
	var from int64
	if !since.IsZero() {
		from = since.UnixNano()
	}
	u.RawQuery = url.Values{"since": {strconv.FormatInt(from, 10)}}.Encode()
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, resp, err := c.dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if pe := asPinningError(err); pe != nil {
			return pe
		}
		code := 0
		if resp != nil {
			code = resp.StatusCode
			resp.Body.Close()
		}
		return &TransportError{Op: "feed", StatusCode: code, Err: err}
	}
	defer conn.Close()
	slog.Info("HTTPClient.Follow: connected to push feed", "url", u.String())

	stop := context.AfterFunc(ctx, func() {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = conn.Close()
	})
	defer stop()

	for {
		var st models.ServerState
		if err := conn.ReadJSON(&st); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return &TransportError{Op: "feed", Err: err}
		}
		if err := fn(st); err != nil {
			return err
		}
	}
}

func (c *HTTPClient) newRequest(ctx context.Context, method, path string, body []byte) (*http.Request, context.CancelFunc, error) {
	token, err := c.tokens.Sign()
	if err != nil {
		return nil, nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, rdr)
	if err != nil {
		cancel()
		return nil, nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, cancel, nil
}

// do performs the request and decodes the response envelope.
func (c *HTTPClient) do(req *http.Request, op string) (int, envelope, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		if pe := asPinningError(err); pe != nil {
			slog.Error("HTTPClient: pinning failure", "host", pe.Host, "presented", pe.Got)
			return 0, envelope{}, pe
		}
		return 0, envelope{}, &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	var env envelope
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return 0, env, &TransportError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("read response: %w", err)}
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &env); err != nil && resp.StatusCode < 500 {
			return 0, env, &TransportError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
		}
	}
	return resp.StatusCode, env, nil
}

func asPinningError(err error) *PinningError {
	var pe *PinningError
	if errors.As(err, &pe) {
		return pe
	}
	return nil
}
