package tlcp

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/go-tlcp/tlcp-go/internal/protocol"
)

// Phase is the session driver's state machine state.
type Phase int

const (
	PhaseDisconnected Phase = iota
	PhaseConnecting
	PhaseStreamOpen
	PhaseSessionOpen
	PhaseDisconnecting
)

func (p Phase) String() string {
	switch p {
	case PhaseDisconnected:
		return "DISCONNECTED"
	case PhaseConnecting:
		return "CONNECTING"
	case PhaseStreamOpen:
		return "STREAM_OPEN"
	case PhaseSessionOpen:
		return "SESSION_OPEN"
	case PhaseDisconnecting:
		return "DISCONNECTING"
	default:
		return "UNKNOWN"
	}
}

// frameOrErr carries one inbound frame, or the terminal read error, from
// the pump goroutine to the driver loop.
type frameOrErr struct {
	frame string
	err   error
}

// pump reads frames off transport until it errors or ctx is done, and
// forwards each onto out. It is the only goroutine other than the driver
// itself that touches the transport, and it never touches session state
func (c *Client) pump(ctx context.Context, transport Transport, out chan<- frameOrErr) {
	for {
		frame, err := transport.ReadFrame(ctx)
		select {
		case out <- frameOrErr{frame: frame, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

// runLoop is the single driver task: it owns the transport, the
// registry, and the session phase for the lifetime of one connection.
func (c *Client) runLoop(shutdownCtx context.Context, transport Transport) {
	defer close(c.done)
	defer func() { _ = transport.Close() }()

	frames := make(chan frameOrErr, 8)
	pumpCtx, cancelPump := context.WithCancel(context.Background())
	defer cancelPump()
	go c.pump(pumpCtx, transport, frames)

	if err := c.handshake(shutdownCtx, transport, frames); err != nil {
		c.logger.Error("handshake failed", "error", err)
		c.setPhase(PhaseDisconnecting)
		c.notifyStatus(statusDisconnected)
		c.failPending(err)
		c.setPhase(PhaseDisconnected)
		return
	}

	c.messageLoop(shutdownCtx, transport, frames)
}

// handshake drives CONNECTING/STREAM_OPEN through to SESSION_OPEN: send
// wsok, await WSOK, send create_session, await CONOK.
func (c *Client) handshake(ctx context.Context, transport Transport, frames <-chan frameOrErr) error {
	c.setPhase(PhaseStreamOpen)

	if err := transport.WriteFrame(ctx, protocol.EncodeWSOK()); err != nil {
		return err
	}
	msg, err := c.awaitFrame(ctx, transport, frames)
	if err != nil {
		return err
	}
	if msg.Tag != protocol.TagWSOK {
		return &ProtocolError{Reason: fmt.Sprintf("expected WSOK, got %s", msg.Tag)}
	}

	req := protocol.CreateSessionRequest{
		CID:        c.cid,
		AdapterSet: c.details.AdapterSet,
		User:       c.details.User,
		Password:   c.details.Password,
	}
	frame, err := protocol.EncodeCreateSession(req)
	if err != nil {
		return &ConfigError{Reason: err.Error()}
	}
	if err := transport.WriteFrame(ctx, frame); err != nil {
		return err
	}

	for {
		msg, err := c.awaitFrame(ctx, transport, frames)
		if err != nil {
			return err
		}
		switch data := msg.Data.(type) {
		case protocol.CONOKData:
			c.mu.Lock()
			c.sessionID = data.SessionID
			c.keepAlive = time.Duration(data.KeepAliveMs) * time.Millisecond
			c.mu.Unlock()
			c.setPhase(PhaseSessionOpen)
			c.metrics.setSessionOpen(true)
			c.notifyStatus(statusWSStreaming)
			c.flushPendingSubscribes(ctx, transport)
			return nil
		case protocol.CONERRData:
			return &ServerError{Code: data.Code, Message: data.Message}
		case protocol.ENDData:
			return &ServerError{Code: data.Code, Message: data.Message}
		default:
			c.logger.Debug("ignoring message during handshake", "tag", msg.Tag)
		}
	}
}

// awaitFrame waits for the next inbound frame, meanwhile also draining
// any user command that arrives during the handshake (e.g. a Subscribe
// issued before SESSION_OPEN). Commands are handled through the same
// handleCommand path the steady-state loop uses; since the phase is not
// yet SESSION_OPEN, a subscribe command only enqueues into the registry's
// pending list rather than sending immediately, so subscriptions made
// before the session opens are buffered instead of lost.
func (c *Client) awaitFrame(ctx context.Context, transport Transport, frames <-chan frameOrErr) (protocol.Message, error) {
	for {
		select {
		case <-ctx.Done():
			return protocol.Message{}, ctx.Err()
		case cmd := <-c.commands:
			c.handleCommand(cmd, transport, ctx)
		case fe := <-frames:
			if fe.err != nil {
				return protocol.Message{}, &TransportError{Cause: fe.err}
			}
			msg, err := protocol.ParseMessage(fe.frame)
			if err != nil {
				return protocol.Message{}, &ProtocolError{Reason: err.Error()}
			}
			return msg, nil
		}
	}
}

// flushPendingSubscribes sends an "add" control request, in enqueue
// order, for every subscription queued before SESSION_OPEN.
func (c *Client) flushPendingSubscribes(ctx context.Context, transport Transport) {
	c.mu.Lock()
	ids := c.reg.flushPending()
	c.mu.Unlock()
	for _, id := range ids {
		c.sendSubscribeRequest(ctx, transport, id)
	}
}

func (c *Client) sendSubscribeRequest(ctx context.Context, transport Transport, subID int) {
	c.mu.Lock()
	e, ok := c.reg.get(subID)
	if !ok {
		c.mu.Unlock()
		return
	}
	sub := e.sub
	reqID := c.nextRequestID()
	c.pendingRequests[reqID] = pendingRequest{kind: pendingKindSubscribe, subID: subID}
	c.mu.Unlock()

	req := protocol.SubscribeRequest{
		RequestID:      reqID,
		SubscriptionID: subID,
		Mode:           string(sub.Mode),
		DataAdapter:    sub.DataAdapter,
		Selector:       sub.Selector,
	}
	if len(sub.Items) > 0 {
		req.Group = joinSpace(sub.Items)
	} else {
		req.Group = sub.ItemGroup
	}
	if len(sub.Fields) > 0 {
		req.Schema = joinSpace(sub.Fields)
	} else {
		req.Schema = sub.FieldSchema
	}
	req.Snapshot = sub.RequestedSnapshot.String()
	if sub.RequestedMaxFrequency > 0 {
		req.HasMaxFreq = true
		req.RequestedMaxFreq = sub.RequestedMaxFrequency
	}
	if sub.RequestedBufferSize > 0 {
		req.HasBufSize = true
		req.RequestedBufSize = sub.RequestedBufferSize
	}

	frame, err := protocol.EncodeSubscribe(req)
	if err != nil {
		c.logger.Error("invalid subscribe request", "subscription", subID, "error", err)
		c.failSubscription(subID, 0, err.Error())
		return
	}
	if err := transport.WriteFrame(ctx, frame); err != nil {
		c.logger.Error("failed to send subscribe request", "subscription", subID, "error", err)
	}
}

func joinSpace(items []string) string {
	out := items[0]
	for _, s := range items[1:] {
		out += " " + s
	}
	return out
}

// messageLoop is the steady-state SESSION_OPEN select loop: inbound
// frames, user commands, keepalive stall detection, and the shutdown
// signal.
func (c *Client) messageLoop(shutdownCtx context.Context, transport Transport, frames <-chan frameOrErr) {
	stallTimeout := c.options.StalledTimeout
	if stallTimeout <= 0 {
		stallTimeout = 2 * time.Second
	}
	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-shutdownCtx.Done():
			c.disconnectGracefully(transport)
			return

		case fe := <-frames:
			if fe.err != nil {
				c.logger.Info("transport closed", "error", fe.err)
				c.setPhase(PhaseDisconnecting)
				c.notifyStatus(statusDisconnected)
				c.failPending(&TransportError{Cause: fe.err})
				c.setPhase(PhaseDisconnected)
				return
			}
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(stallTimeout)
			if done := c.handleFrame(fe.frame, transport, shutdownCtx); done {
				return
			}

		case cmd := <-c.commands:
			c.handleCommand(cmd, transport, shutdownCtx)

		case <-timer.C:
			c.logger.Warn("no traffic within stalled timeout, disconnecting", "timeout", stallTimeout)
			c.notifyStatus(statusStalled)
			c.setPhase(PhaseDisconnecting)
			c.notifyStatus(statusDisconnected)
			c.failPending(&TransportError{Cause: fmt.Errorf("keepalive stalled after %s", stallTimeout)})
			c.setPhase(PhaseDisconnected)
			return
		}
	}
}

// handleFrame dispatches one parsed ingress message. It returns true
// when the session has ended and the driver loop should exit.
func (c *Client) handleFrame(frame string, transport Transport, ctx context.Context) bool {
	msg, err := protocol.ParseMessage(frame)
	if err != nil {
		c.logger.Warn("malformed frame", "error", err)
		return false
	}

	switch data := msg.Data.(type) {
	case protocol.PROBEData, protocol.NOOPData:
		// keepalive traffic only

	case protocol.SERVNAMEData:
		c.notifyPropertyChange("serverName")
		c.mu.Lock()
		c.serverName = data.Name
		c.mu.Unlock()

	case protocol.CLIENTIPData:
		c.notifyPropertyChange("clientIP")

	case protocol.CONSData:
		c.notifyPropertyChange("bandwidth")

	case protocol.SYNCData:
		// time-sync informational only; no public surface consumes it

	case protocol.SUBOKData:
		c.handleSubok(data)

	case protocol.SUBCMDData:
		c.failSubscription(data.SubscriptionID, 0, "COMMAND mode is not supported by this core")

	case protocol.CONFData:
		c.notifyPropertyChange(fmt.Sprintf("subscription[%d].maxFrequency", data.SubscriptionID))

	case protocol.UNSUBData:
		c.handleUnsub(data.SubscriptionID)

	case protocol.EOSData:
		c.handleEOS(data)

	case protocol.CSData:
		c.handleCS(data)

	case protocol.OVData:
		c.handleOV(data)

	case protocol.UData:
		c.handleUpdate(data)

	case protocol.REQOKData:
		c.handleReqOK(data.RequestID)

	case protocol.REQERRData:
		c.handleReqErr(data)

	case protocol.MSGDONEData:
		c.handleMsgDone(data)

	case protocol.MSGFAILData:
		c.handleMsgFail(data)

	case protocol.ENDData:
		c.logger.Info("server ended session", "code", data.Code, "message", data.Message)
		c.setPhase(PhaseDisconnecting)
		c.notifyServerError(data.Code, data.Message)
		c.notifyStatus(statusDisconnected)
		c.failPending(&ServerError{Code: data.Code, Message: data.Message})
		c.setPhase(PhaseDisconnected)
		return true

	case protocol.LOOPData:
		// Reconnect directive: this core does not implement session
		// recovery. Treat it like a graceful end.
		c.logger.Info("server requested rebind, disconnecting (recovery not implemented)", "delay_ms", data.DelayMs)
		c.setPhase(PhaseDisconnecting)
		c.notifyStatus(statusDisconnected)
		c.failPending(&ServerError{Code: 0, Message: "server requested session recovery, which this core does not implement"})
		c.setPhase(PhaseDisconnected)
		return true

	case protocol.UnknownData:
		c.logger.Debug("ignoring unknown tag", "tag", data.Tag)
	}
	return false
}

func (c *Client) handleSubok(data protocol.SUBOKData) {
	c.mu.Lock()
	err := c.reg.confirm(data.SubscriptionID, data.NItems, data.NFields)
	listener := c.subscriptionListener(data.SubscriptionID)
	c.mu.Unlock()
	if err != nil {
		c.logger.Warn("SUBOK validation failed", "subscription", data.SubscriptionID, "error", err)
		if listener != nil {
			listener.OnSubscriptionError(0, err.Error())
		}
		return
	}
	if listener != nil {
		listener.OnSubscription()
	}
}

func (c *Client) handleUnsub(subID int) {
	c.mu.Lock()
	listener := c.subscriptionListener(subID)
	c.reg.remove(subID)
	c.mu.Unlock()
	if listener != nil {
		listener.OnUnsubscription()
	}
}

func (c *Client) handleEOS(data protocol.EOSData) {
	c.mu.Lock()
	err := applyEOS(c.reg, data.SubscriptionID, data.ItemIndex)
	listener := c.subscriptionListener(data.SubscriptionID)
	c.mu.Unlock()
	if err == nil && listener != nil {
		listener.OnEndOfSnapshot(data.ItemIndex)
	}
}

func (c *Client) handleCS(data protocol.CSData) {
	c.mu.Lock()
	err := applyCS(c.reg, data.SubscriptionID, data.ItemIndex)
	listener := c.subscriptionListener(data.SubscriptionID)
	c.mu.Unlock()
	if err == nil && listener != nil {
		listener.OnClearSnapshot(data.ItemIndex)
	}
}

func (c *Client) handleOV(data protocol.OVData) {
	c.mu.Lock()
	listener := c.subscriptionListener(data.SubscriptionID)
	c.mu.Unlock()
	if listener != nil {
		listener.OnItemLostUpdates(data.ItemIndex, data.LostCount)
	}
}

func (c *Client) handleUpdate(data protocol.UData) {
	c.mu.Lock()
	update, err := decodeUpdate(c.reg, data.SubscriptionID, data.ItemIndex, data.RawValues)
	listener := c.subscriptionListener(data.SubscriptionID)
	c.mu.Unlock()
	if err != nil {
		c.logger.Warn("failed to decode update", "subscription", data.SubscriptionID, "item", data.ItemIndex, "error", err)
		return
	}
	c.metrics.observeUpdate(data.SubscriptionID)
	if listener != nil {
		listener.OnItemUpdate(update)
	}
}

func (c *Client) failSubscription(subID, code int, message string) {
	c.mu.Lock()
	listener := c.subscriptionListener(subID)
	c.reg.remove(subID)
	c.mu.Unlock()
	c.metrics.observeSubscriptionError(subID)
	if listener != nil {
		listener.OnSubscriptionError(code, message)
	}
}

func (c *Client) handleReqOK(reqID int) {
	c.mu.Lock()
	req, ok := c.pendingRequests[reqID]
	delete(c.pendingRequests, reqID)
	c.mu.Unlock()
	if !ok {
		return
	}
	if req.kind == pendingKindUnsubscribe {
		c.mu.Lock()
		listener := c.subscriptionListener(req.subID)
		c.reg.remove(req.subID)
		c.mu.Unlock()
		if listener != nil {
			listener.OnUnsubscription()
		}
	}
	// subscribe REQOK is just the round-trip ack; OnSubscription fires
	// on SUBOK once item/field counts are validated.
}

func (c *Client) handleReqErr(data protocol.REQERRData) {
	c.mu.Lock()
	req, ok := c.pendingRequests[data.RequestID]
	delete(c.pendingRequests, data.RequestID)
	c.mu.Unlock()
	if !ok {
		return
	}
	if req.kind == pendingKindSubscribe {
		c.failSubscription(req.subID, data.Code, data.Message)
	}
}

func (c *Client) handleMsgDone(data protocol.MSGDONEData) {
	c.mu.Lock()
	key := messageKey{sequence: data.Sequence, prog: data.Prog}
	pm, ok := c.pendingMessages[key]
	delete(c.pendingMessages, key)
	c.mu.Unlock()
	if ok && pm.listener != nil {
		pm.listener.OnProcessed(pm.message)
	}
}

func (c *Client) handleMsgFail(data protocol.MSGFAILData) {
	c.mu.Lock()
	key := messageKey{sequence: data.Sequence, prog: data.Prog}
	pm, ok := c.pendingMessages[key]
	delete(c.pendingMessages, key)
	c.mu.Unlock()
	if !ok || pm.listener == nil {
		return
	}
	switch {
	case data.Code == 32 || data.Code == 33:
		pm.listener.OnDenied(pm.message, data.Code, data.Message)
	case data.Code != 0:
		pm.listener.OnError(pm.message)
	default:
		pm.listener.OnDiscarded(pm.message)
	}
}

// handleCommand validates and translates one user command against the
// current phase.
func (c *Client) handleCommand(cmd command, transport Transport, ctx context.Context) {
	switch cmd.kind {
	case cmdKindSubscribe:
		c.mu.Lock()
		subID := c.reg.enqueue(cmd.sub)
		phase := c.phase
		c.mu.Unlock()
		cmd.intResult <- subID
		if phase == PhaseSessionOpen {
			c.flushPendingSubscribes(ctx, transport)
		}

	case cmdKindUnsubscribe:
		c.mu.Lock()
		cancelled := c.reg.cancelPending(cmd.subID)
		phase := c.phase
		if cancelled {
			c.reg.remove(cmd.subID)
		}
		c.mu.Unlock()
		if cancelled {
			cmd.errResult <- nil
			return
		}
		if phase != PhaseSessionOpen {
			cmd.errResult <- &IllegalStateError{Operation: "Unsubscribe", Phase: phase}
			return
		}
		c.mu.Lock()
		reqID := c.nextRequestID()
		c.pendingRequests[reqID] = pendingRequest{kind: pendingKindUnsubscribe, subID: cmd.subID}
		c.mu.Unlock()
		err := transport.WriteFrame(ctx, protocol.EncodeUnsubscribe(reqID, cmd.subID))
		cmd.errResult <- err

	case cmdKindSendMessage:
		c.mu.Lock()
		phase := c.phase
		if phase != PhaseSessionOpen {
			c.mu.Unlock()
			cmd.errResult <- &IllegalStateError{Operation: "SendMessage", Phase: phase}
			return
		}
		reqID := c.nextRequestID()
		c.msgProg++
		prog := c.msgProg
		sequence := cmd.sequence
		if sequence == "" {
			sequence = "UNORDERED"
		}
		key := messageKey{sequence: sequence, prog: prog}
		if cmd.listener != nil {
			c.pendingMessages[key] = pendingMessage{message: cmd.message, listener: cmd.listener}
		}
		c.mu.Unlock()
		frame, err := protocol.EncodeSendMessage(protocol.SendMessageRequest{
			RequestID: reqID,
			Message:   cmd.message,
			Sequence:  sequence,
			Prog:      prog,
		})
		if err != nil {
			cmd.errResult <- &ConfigError{Reason: err.Error()}
			return
		}
		cmd.errResult <- transport.WriteFrame(ctx, frame)

	case cmdKindDisconnect:
		c.disconnectGracefully(transport)
		cmd.errResult <- nil
	}
}

func (c *Client) disconnectGracefully(transport Transport) {
	c.setPhase(PhaseDisconnecting)
	writeCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = transport.WriteFrame(writeCtx, "control\r\n"+url.Values{"LS_op": {"destroy"}}.Encode())
	c.notifyStatus(statusDisconnected)
	c.failPending(&IllegalStateError{Operation: "session", Phase: PhaseDisconnecting})
	c.setPhase(PhaseDisconnected)
}

func (c *Client) nextRequestID() int {
	c.requestSeq++
	return c.requestSeq
}

// failPending fails every outstanding subscribe acknowledgment with err
// and aborts every outstanding message. Outstanding unsubscribe
// acknowledgments are dropped without a callback.
func (c *Client) failPending(err error) {
	c.mu.Lock()
	reqs := c.pendingRequests
	c.pendingRequests = make(map[int]pendingRequest)
	msgs := c.pendingMessages
	c.pendingMessages = make(map[messageKey]pendingMessage)
	c.mu.Unlock()

	for _, req := range reqs {
		if req.kind == pendingKindSubscribe {
			c.failSubscription(req.subID, 0, err.Error())
		}
	}
	for _, pm := range msgs {
		if pm.listener != nil {
			pm.listener.OnAbort(pm.message, true)
		}
	}
}

func (c *Client) setPhase(p Phase) {
	c.mu.Lock()
	c.phase = p
	c.mu.Unlock()
	if p != PhaseSessionOpen {
		c.metrics.setSessionOpen(false)
	}
}

// subscriptionListener returns subID's listener. Caller must hold c.mu.
func (c *Client) subscriptionListener(subID int) SubscriptionListener {
	e, ok := c.reg.get(subID)
	if !ok || e.sub.Listener == nil {
		return nil
	}
	return e.sub.Listener
}

const (
	statusDisconnected = "DISCONNECTED"
	statusConnecting   = "CONNECTING"
	statusWSStreaming  = "CONNECTED:WS-STREAMING"
	statusStalled      = "STALLED"
)

func (c *Client) notifyStatus(status string) {
	c.logger.Debug("status change", "status", status)
	for _, l := range c.listenersSnapshot() {
		l.OnStatusChange(status)
	}
}

func (c *Client) notifyServerError(code int, message string) {
	for _, l := range c.listenersSnapshot() {
		l.OnServerError(code, message)
	}
}

func (c *Client) notifyPropertyChange(name string) {
	for _, l := range c.listenersSnapshot() {
		l.OnPropertyChange(name)
	}
}

func (c *Client) listenersSnapshot() []ClientListener {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ClientListener, len(c.listeners))
	copy(out, c.listeners)
	return out
}
