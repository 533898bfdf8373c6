package streaming

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"github.com/codewiresh/streamwire/internal/transport"
)

// dialFunc opens a transport to a normalized URL.
type dialFunc func(ctx context.Context, u *url.URL, header http.Header) (transport.Transport, error)

// Client dials a host and exchanges requests with it over one connection.
// Both sides may initiate requests once connected.
type Client struct {
	url  *url.URL
	conn *connection
	dial dialFunc
}

// NewClient returns a client for rawURL. Accepted schemes are ws, wss, http
// (dialed as ws), https (dialed as wss) and unix://<socket path>. A URL
// without a path targets /ws. handler serves requests the host initiates
// and may be nil.
func NewClient(rawURL string, handler RequestHandler, opts ...Option) (*Client, error) {
	if strings.TrimSpace(rawURL) == "" {
		return nil, ErrEmptyURL
	}
	u, err := normalizeURL(rawURL)
	if err != nil {
		return nil, err
	}
	c := &Client{url: u, conn: newConnection(roleClient, handler, opts)}
	c.conn.peer = c
	c.dial = c.dialTransport
	return c, nil
}

func normalizeURL(raw string) (*url.URL, error) {
	if strings.HasPrefix(raw, "/") {
		return &url.URL{Scheme: "unix", Path: raw}, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing url %q: %w", ErrInvalidArgument, raw, err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "unix":
		if u.Path == "" {
			return nil, fmt.Errorf("%w: unix url %q has no socket path", ErrInvalidArgument, raw)
		}
		return u, nil
	default:
		return nil, fmt.Errorf("%w: unsupported url scheme %q", ErrInvalidArgument, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: url %q has no host", ErrInvalidArgument, raw)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/ws"
	}
	return u, nil
}

// URL returns the normalized address the client dials.
func (c *Client) URL() string { return c.url.String() }

func (c *Client) dialTransport(ctx context.Context, u *url.URL, header http.Header) (transport.Transport, error) {
	if u.Scheme == "unix" {
		var d net.Dialer
		nc, err := d.DialContext(ctx, "unix", u.Path)
		if err != nil {
			return nil, err
		}
		return transport.NewNet(nc, c.conn.log), nil
	}
	ws, _, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, err
	}
	return transport.NewWebSocket(ws, c.conn.log), nil
}

// Connect dials the host. It is a no-op when already connected. header is
// sent with the WebSocket handshake and ignored for unix sockets.
func (c *Client) Connect(ctx context.Context, header http.Header) error {
	if c.conn.isConnected() {
		return nil
	}
	if err := c.conn.begin(); err != nil {
		return err
	}
	t, err := c.dial(ctx, c.url, header)
	if err != nil {
		c.conn.abort()
		return fmt.Errorf("connecting to %s: %w", c.url.Redacted(), err)
	}
	c.conn.bind(t)
	return nil
}

// Send issues req and waits for the host's response or ctx cancellation.
// There is no built-in timeout.
func (c *Client) Send(ctx context.Context, req *StreamingRequest) (*ReceiveResponse, error) {
	return c.conn.send(ctx, req)
}

// Disconnect closes the connection, rejecting pending requests with
// ErrConnectionClosed. The client may Connect again afterwards.
func (c *Client) Disconnect() { c.conn.disconnect() }

// Close disconnects the client.
func (c *Client) Close() error {
	c.conn.disconnect()
	return nil
}

// OnDisconnected registers fn to run once each time a connection ends.
func (c *Client) OnDisconnected(fn func(DisconnectedEvent)) (unsubscribe func()) {
	return c.conn.onDisconnected(fn)
}

// IsConnected reports whether both directions of the connection are live.
func (c *Client) IsConnected() bool { return c.conn.isConnected() }

// State reports the lifecycle state.
func (c *Client) State() State { return c.conn.State() }

// LastSend returns when Send was last called, or the zero time.
func (c *Client) LastSend() time.Time { return c.conn.lastSendTime() }
