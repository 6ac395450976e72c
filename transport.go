package tlcp

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/go-tlcp/tlcp-go/internal/protocol"
)

// defaultEndpointPath is appended to the server URL when the caller does
// not already specify a path.
const defaultEndpointPath = "/lightstreamer"

// Transport is the duplex text-frame channel the session driver owns and
// is the only component that performs I/O. A frame is UTF-8 text with
// the CRLF terminator already stripped on read / added on write.
type Transport interface {
	// ReadFrame blocks for the next inbound frame. It returns
	// *TransportError wrapping io.EOF or a close reason on disconnect.
	ReadFrame(ctx context.Context) (string, error)
	// WriteFrame sends a single outbound frame.
	WriteFrame(ctx context.Context, frame string) error
	// Close releases the underlying connection. It is safe to call more
	// than once.
	Close() error
}

// TransportFactory dials a Transport to serverURL, sending header on the
// initial handshake. The core consumes an already-configured factory; it
// does not source credentials, proxy settings, or TLS parameters itself.
type TransportFactory func(ctx context.Context, serverURL string, header http.Header) (Transport, error)

// DialWebSocket is the default TransportFactory, dialing a full-duplex
// WebSocket connection with gorilla/websocket.
func DialWebSocket(ctx context.Context, serverURL string, header http.Header) (Transport, error) {
	target, err := wsEndpoint(serverURL)
	if err != nil {
		return nil, &TransportError{Cause: err}
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		Subprotocols:     []string{"TLCP-2.4.0.lightstreamer.com"},
	}
	conn, _, err := dialer.DialContext(ctx, target, header)
	if err != nil {
		return nil, &TransportError{Cause: fmt.Errorf("dial %s: %w", target, err)}
	}
	return &wsTransport{conn: conn}, nil
}

// wsEndpoint rewrites an http(s) server URL into a ws(s) URL, appending
// the default Lightstreamer path when the caller did not specify one.
// The core does not parse URLs beyond this split.
func wsEndpoint(serverURL string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = defaultEndpointPath
	}
	return u.String(), nil
}

// wsTransport adapts a *websocket.Conn to the Transport interface,
// exchanging CRLF-terminated text frames as individual WebSocket text
// messages.
type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) ReadFrame(ctx context.Context) (string, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = t.conn.SetReadDeadline(deadline)
	}
	msgType, data, err := t.conn.ReadMessage()
	if err != nil {
		return "", &TransportError{Cause: err}
	}
	if msgType != websocket.TextMessage {
		return "", &ProtocolError{Reason: "non-text websocket frame received"}
	}
	return protocol.DecodeFrame(string(data)), nil
}

func (t *wsTransport) WriteFrame(ctx context.Context, frame string) error {
	if deadline, ok := ctx.Deadline(); ok {
		_ = t.conn.SetWriteDeadline(deadline)
	}
	if err := t.conn.WriteMessage(websocket.TextMessage, []byte(protocol.EncodeFrame(frame))); err != nil {
		return &TransportError{Cause: err}
	}
	return nil
}

func (t *wsTransport) Close() error {
	_ = t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return t.conn.Close()
}
