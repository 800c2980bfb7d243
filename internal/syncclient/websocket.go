package syncclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/vetsync/backend/internal/auth"
	"github.com/gorilla/websocket"
)

const (
	queryTenantID    = "tenantId"
	queryUserID      = "userId"
	writeWait        = 10 * time.Second
	handshakeTimeout = 10 * time.Second
)

// WebSocketDialer dials the sync endpoint with gorilla/websocket.
type WebSocketDialer struct {
	endpoint string
	header   http.Header
	dialer   *websocket.Dialer
}

// WebSocketConfig identifies the endpoint and the subscriber.
type WebSocketConfig struct {
	// BaseURL is the server root, e.g. http://localhost:8080. http and https
	// are rewritten to ws and wss.
	BaseURL  string
	TenantID string
	UserID   string
	// Token is a session token. It is sent as a bearer header and as the
	// access_token query parameter.
	Token string
}

// NewWebSocketDialer validates cfg and builds the endpoint URL.
func NewWebSocketDialer(cfg WebSocketConfig) (*WebSocketDialer, error) {
	endpoint, err := EndpointURL(cfg.BaseURL, cfg.TenantID, cfg.UserID, cfg.Token)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	if cfg.Token != "" {
		header.Set("Authorization", "Bearer "+cfg.Token)
	}
	return &WebSocketDialer{
		endpoint: endpoint,
		header:   header,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		},
	}, nil
}

// EndpointURL builds the /ws URL for a tenant and user.
func EndpointURL(baseURL, tenantID, userID, token string) (string, error) {
	tenantID = strings.TrimSpace(tenantID)
	userID = strings.TrimSpace(userID)
	if tenantID == "" || userID == "" {
		return "", errors.New("syncclient: tenant id and user id required")
	}
	parsed, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", fmt.Errorf("syncclient: parse base url: %w", err)
	}
	switch parsed.Scheme {
	case "http", "ws":
		parsed.Scheme = "ws"
	case "https", "wss":
		parsed.Scheme = "wss"
	default:
		return "", fmt.Errorf("syncclient: unsupported scheme %q", parsed.Scheme)
	}
	parsed.Path = strings.TrimSuffix(parsed.Path, "/") + "/ws"
	query := url.Values{}
	query.Set(queryTenantID, tenantID)
	query.Set(queryUserID, userID)
	if token != "" {
		query.Set(auth.AccessTokenQueryParam, token)
	}
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}

// Dial implements Dialer. A 401 or 403 handshake response maps to
// ErrAuthRejected.
func (d *WebSocketDialer) Dial(ctx context.Context) (Conn, error) {
	conn, response, err := d.dialer.DialContext(ctx, d.endpoint, d.header)
	if err != nil {
		if response != nil {
			_ = response.Body.Close()
			switch response.StatusCode {
			case http.StatusUnauthorized, http.StatusForbidden:
				return nil, fmt.Errorf("%w: status %d", ErrAuthRejected, response.StatusCode)
			}
		}
		return nil, err
	}
	return &gorillaConn{conn: conn}, nil
}

type gorillaConn struct {
	conn      *websocket.Conn
	closeOnce sync.Once
	closeErr  error
}

func (c *gorillaConn) ReadMessage() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		var closeErr *websocket.CloseError
		if errors.As(err, &closeErr) {
			return nil, &CloseError{Code: closeErr.Code, Reason: closeErr.Text}
		}
		return nil, err
	}
	return data, nil
}

func (c *gorillaConn) WriteMessage(payload []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *gorillaConn) Close(code int, reason string) error {
	c.closeOnce.Do(func() {
		frame := websocket.FormatCloseMessage(code, reason)
		_ = c.conn.WriteControl(websocket.CloseMessage, frame, time.Now().Add(writeWait))
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}
