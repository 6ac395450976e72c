package tlcp

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// ForcedTransport enumerates the transports a client may be pinned to.
// This core only implements WSStreaming; the type exists so
// ConnectionOptions can carry the option without a redesign later.
type ForcedTransport string

const (
	ForcedTransportNone       ForcedTransport = ""
	ForcedTransportWSStreaming ForcedTransport = "WS-STREAMING"
)

// ConnectionDetails identifies the server and adapter set a Client talks
// to. It is immutable after New or NewWithCredentials returns.
type ConnectionDetails struct {
	ServerURL   string
	AdapterSet  string
	User        string
	Password    string
}

// ConnectionOptions is the bag of connection tuning knobs.
// Zero values mean "use the default" except where noted.
type ConnectionOptions struct {
	// ContentLength is the maximum number of bytes per server response,
	// zero meaning unbounded. It is carried as configuration only: the
	// create_session request does not send it.
	ContentLength uint

	// Of the fields below, the session driver reads only StalledTimeout
	// (zero selects 2s). IdleTimeout, KeepaliveInterval, PollingInterval,
	// ReconnectTimeout, RetryDelay, SessionRecoveryTimeout and
	// ForcedTransport are carried as configuration and have no effect.
	IdleTimeout              time.Duration
	KeepaliveInterval        time.Duration
	PollingInterval          time.Duration // reserved, unused by this core
	ReconnectTimeout         time.Duration
	RetryDelay               time.Duration
	SessionRecoveryTimeout   time.Duration
	StalledTimeout           time.Duration
	ForcedTransport          ForcedTransport
}

// DefaultConnectionOptions returns the option set a Client starts with,
// matching Lightstreamer's own client defaults.
func DefaultConnectionOptions() ConnectionOptions {
	return ConnectionOptions{
		ContentLength:          0,
		IdleTimeout:            19 * time.Second,
		KeepaliveInterval:      5 * time.Second,
		PollingInterval:        0,
		ReconnectTimeout:       15 * time.Second,
		RetryDelay:             4 * time.Second,
		SessionRecoveryTimeout: 0,
		StalledTimeout:         2 * time.Second,
		ForcedTransport:        ForcedTransportWSStreaming,
	}
}

// ClientOption configures a Client at construction time, the way the
// teacher's ClientSessionOption configures a ClientSession.
type ClientOption func(*Client)

// WithLogger sets the *slog.Logger the Client uses for protocol and
// lifecycle logging. The default discards all output. The Client never
// configures handlers or sinks itself — that remains the caller's job.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithTransportFactory overrides the default WebSocket TransportFactory,
// e.g. to inject a test double or a proxy-aware dialer.
func WithTransportFactory(factory TransportFactory) ClientOption {
	return func(c *Client) {
		if factory != nil {
			c.transportFactory = factory
		}
	}
}

// WithHTTPHeader adds a header sent with the transport's initial
// handshake (e.g. Authorization), the way a caller would configure
// credentials the core itself never sources.
func WithHTTPHeader(header http.Header) ClientOption {
	return func(c *Client) {
		if header != nil {
			c.handshakeHeader = header
		}
	}
}

// WithConnectionOptions overrides the default ConnectionOptions.
func WithConnectionOptions(opts ConnectionOptions) ClientOption {
	return func(c *Client) {
		c.options = opts
	}
}

// WithCID sets the LS_cid sent at session creation. If not supplied, a
// Client generates a random one the way laserstream-sdk derives its
// internal slot-tracking subscription id with uuid.New().
func WithCID(cid string) ClientOption {
	return func(c *Client) {
		c.cid = cid
	}
}

func defaultCID() string {
	return uuid.New().String()
}
