package tlcp

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Client is the client-side core of one TLCP session. Construct it with
// New, configure it with ClientOption values, then Connect. The zero
// value is not usable.
//
// Session state (phase, registry, pending requests) is mutated by the
// single driver goroutine Connect starts, apart from Connect itself
// setting the CONNECTING phase. Subscribe, Unsubscribe and SendMessage
// reach the driver over the command channel; c.mu guards the fields that
// accessors such as Status and SessionInfo read.
type Client struct {
	details ConnectionDetails
	options ConnectionOptions
	cid     string

	logger           *slog.Logger
	transportFactory TransportFactory
	handshakeHeader  http.Header

	metrics *Metrics

	mu         sync.Mutex
	phase      Phase
	sessionID  string
	serverName string
	keepAlive  time.Duration
	reg        *registry
	listeners  []ClientListener

	requestSeq      int
	msgProg         int
	pendingRequests map[int]pendingRequest
	pendingMessages map[messageKey]pendingMessage

	commands chan command
	cancel   context.CancelFunc
	done     chan struct{}
}

type pendingKind int

const (
	pendingKindSubscribe pendingKind = iota
	pendingKindUnsubscribe
)

type pendingRequest struct {
	kind  pendingKind
	subID int
}

type messageKey struct {
	sequence string
	prog     int
}

type pendingMessage struct {
	message  string
	listener ClientMessageListener
}

type commandKind int

const (
	cmdKindSubscribe commandKind = iota
	cmdKindUnsubscribe
	cmdKindSendMessage
	cmdKindDisconnect
)

type command struct {
	kind commandKind

	sub      *Subscription
	subID    int
	message  string
	sequence string
	listener ClientMessageListener

	intResult chan int
	errResult chan error
}

// New constructs a Client for serverURL/adapterSet with no user or
// password; NewWithCredentials supplies them. It returns a *ConfigError
// if serverURL is empty.
func New(serverURL, adapterSet string, opts ...ClientOption) (*Client, error) {
	return NewWithCredentials(serverURL, adapterSet, "", "", opts...)
}

// NewWithCredentials is New with explicit user/password, matching
// the `new(server_url, adapter_set, user?, password?)` constructor form.
func NewWithCredentials(serverURL, adapterSet, user, password string, opts ...ClientOption) (*Client, error) {
	if serverURL == "" {
		return nil, &ConfigError{Reason: "server URL must not be empty"}
	}
	c := &Client{
		details: ConnectionDetails{
			ServerURL:  serverURL,
			AdapterSet: adapterSet,
			User:       user,
			Password:   password,
		},
		options:          DefaultConnectionOptions(),
		logger:           slog.New(slog.DiscardHandler),
		transportFactory: DialWebSocket,
		metrics:          newMetrics(),
		phase:            PhaseDisconnected,
		reg:              newRegistry(),
		pendingRequests:  make(map[int]pendingRequest),
		pendingMessages:  make(map[messageKey]pendingMessage),
		commands:         make(chan command, 64),
	}
	for _, o := range opts {
		o(c)
	}
	if c.cid == "" {
		c.cid = defaultCID()
	}
	return c, nil
}

// SetConnectionOptions replaces the ConnectionOptions the next Connect
// will use. Calling it while the Client is not DISCONNECTED returns an
// IllegalStateError.
func (c *Client) SetConnectionOptions(opts ConnectionOptions) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase != PhaseDisconnected {
		return &IllegalStateError{Operation: "SetConnectionOptions", Phase: c.phase}
	}
	c.options = opts
	return nil
}

// AddListener registers l to receive session lifecycle notifications.
func (c *Client) AddListener(l ClientListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, l)
	l.OnListenStart()
}

// RemoveListener unregisters l, calling its OnListenEnd as the listener
// stops receiving notifications. It reports whether l was found.
func (c *Client) RemoveListener(l ClientListener) bool {
	c.mu.Lock()
	for i, existing := range c.listeners {
		if existing == l {
			c.listeners = append(c.listeners[:i], c.listeners[i+1:]...)
			c.mu.Unlock()
			l.OnListenEnd()
			return true
		}
	}
	c.mu.Unlock()
	return false
}

// Subscribe enqueues sub, validating its construction-time invariants,
// and returns its subscription handle. If the session is already
// SESSION_OPEN the add request is sent immediately; otherwise it is
// queued and flushed on entry to SESSION_OPEN.
func (c *Client) Subscribe(sub Subscription) (int, error) {
	if err := sub.validate(); err != nil {
		return 0, err
	}
	c.mu.Lock()
	phase := c.phase
	c.mu.Unlock()
	if phase == PhaseDisconnecting {
		return 0, &IllegalStateError{Operation: "Subscribe", Phase: phase}
	}

	result := make(chan int, 1)
	select {
	case c.commands <- command{kind: cmdKindSubscribe, sub: &sub, intResult: result}:
	default:
		return 0, &Busy{Operation: "Subscribe"}
	}
	return <-result, nil
}

// Unsubscribe releases the subscription identified by handle. If its add
// request has not been sent yet (it is still queued for SESSION_OPEN),
// the pending add is cancelled locally without sending a request.
func (c *Client) Unsubscribe(handle int) error {
	result := make(chan error, 1)
	select {
	case c.commands <- command{kind: cmdKindUnsubscribe, subID: handle, errResult: result}:
	default:
		return &Busy{Operation: "Unsubscribe"}
	}
	return <-result
}

// SendMessage submits msg to the server's Metadata Adapter. sequence
// groups ordered messages; an empty sequence means "UNORDERED". listener
// may be nil if the caller does not need the outcome.
func (c *Client) SendMessage(msg, sequence string, listener ClientMessageListener) error {
	result := make(chan error, 1)
	select {
	case c.commands <- command{kind: cmdKindSendMessage, message: msg, sequence: sequence, listener: listener, errResult: result}:
	default:
		return &Busy{Operation: "SendMessage"}
	}
	return <-result
}

// Connect dials the transport and starts the session driver. shutdownCtx,
// if non-nil, is an optional shutdown signal: cancelling
// it triggers a graceful Disconnect from within the driver. Connect
// itself returns once the transport handshake has completed; it does not
// wait for SESSION_OPEN.
func (c *Client) Connect(shutdownCtx context.Context) error {
	if shutdownCtx == nil {
		shutdownCtx = context.Background()
	}
	c.mu.Lock()
	if c.phase != PhaseDisconnected {
		phase := c.phase
		c.mu.Unlock()
		return &IllegalStateError{Operation: "Connect", Phase: phase}
	}
	c.phase = PhaseConnecting
	c.mu.Unlock()
	c.notifyStatus(statusConnecting)

	dialCtx, cancelDial := context.WithTimeout(shutdownCtx, 30*time.Second)
	defer cancelDial()
	transport, err := c.transportFactory(dialCtx, c.details.ServerURL, c.handshakeHeader)
	if err != nil {
		c.setPhase(PhaseDisconnected)
		c.notifyStatus(statusDisconnected)
		return &TransportError{Cause: err}
	}

	driverCtx, cancel := context.WithCancel(shutdownCtx)
	c.mu.Lock()
	c.cancel = cancel
	c.done = make(chan struct{})
	c.mu.Unlock()

	go c.runLoop(driverCtx, transport)
	return nil
}

// Disconnect initiates a graceful shutdown of an active session and
// waits for the driver to exit.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	cancel := c.cancel
	done := c.done
	c.mu.Unlock()
	if cancel == nil {
		return &IllegalStateError{Operation: "Disconnect", Phase: PhaseDisconnected}
	}
	cancel()
	if done != nil {
		<-done
	}
	return nil
}

// Status returns one of the bit-exact strings defined for status reporting.
func (c *Client) Status() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.phase {
	case PhaseDisconnected:
		return statusDisconnected
	case PhaseConnecting:
		return statusConnecting
	case PhaseStreamOpen:
		return statusConnecting
	case PhaseSessionOpen:
		return statusWSStreaming
	case PhaseDisconnecting:
		return statusDisconnected
	default:
		return statusDisconnected
	}
}

// SessionInfo reports session-scoped values the server has advertised:
// the assigned session id and the server's name property, both empty
// before SESSION_OPEN.
func (c *Client) SessionInfo() (sessionID, serverName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID, c.serverName
}

func (c *Client) String() string {
	return fmt.Sprintf("tlcp.Client{server=%s, adapterSet=%s, phase=%s}", c.details.ServerURL, c.details.AdapterSet, c.Status())
}
