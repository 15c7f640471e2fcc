package realtime

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chadiek/voice-checkout/internal/config"
)

// Conn is a message-oriented duplex connection to the realtime endpoint.
type Conn interface {
	WriteJSON(v any) error
	ReadMessage() ([]byte, error)
	Close() error
}

// Dialer opens a Conn.
type Dialer interface {
	DialContext(ctx context.Context, url string) (Conn, error)
}

// BuildURL turns the configured base endpoint into the realtime socket URL.
// https endpoints become wss, http become ws; any path on the endpoint is ignored.
func BuildURL(endpoint, deployment, apiKey string) (string, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" || deployment == "" || apiKey == "" {
		return "", fmt.Errorf("%w: endpoint, deployment and api key are required", config.ErrMisconfigured)
	}
	if !strings.Contains(endpoint, "://") {
		endpoint = "https://" + endpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("%w: parse endpoint: %v", config.ErrMisconfigured, err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: endpoint %q has no host", config.ErrMisconfigured, endpoint)
	}
	scheme := "wss"
	switch strings.ToLower(u.Scheme) {
	case "http", "ws":
		scheme = "ws"
	case "https", "wss":
	default:
		return "", fmt.Errorf("%w: unsupported endpoint scheme %q", config.ErrMisconfigured, u.Scheme)
	}
	q := url.Values{}
	q.Set("model", deployment)
	q.Set("api-key", apiKey)
	out := url.URL{Scheme: scheme, Host: u.Host, Path: "/openai/v1/realtime", RawQuery: q.Encode()}
	return out.String(), nil
}

// WebsocketDialer dials with gorilla/websocket.
type WebsocketDialer struct {
	HandshakeTimeout time.Duration
}

func (d WebsocketDialer) DialContext(ctx context.Context, rawURL string) (Conn, error) {
	timeout := d.HandshakeTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	dialer := websocket.Dialer{HandshakeTimeout: timeout, Proxy: http.ProxyFromEnvironment}
	conn, resp, err := dialer.DialContext(ctx, rawURL, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial realtime endpoint: status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial realtime endpoint: %w", err)
	}
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// WriteJSON serializes writes; gorilla allows one concurrent writer.
func (c *wsConn) WriteJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(v)
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	return data, err
}

func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		c.writeMu.Unlock()
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// IsNormalClose reports whether err ends a session without a failure.
func IsNormalClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}
