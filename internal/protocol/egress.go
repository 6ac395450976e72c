package protocol

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// CreateSessionRequest is the initial session-creation request sent right
// after the WebSocket handshake completes.
type CreateSessionRequest struct {
	CID        string
	AdapterSet string
	User       string
	Password   string
	Cause      string
}

// EncodeWSOK serializes the "wsok" acknowledgement the client sends once
// the WebSocket subprotocol handshake has completed.
func EncodeWSOK() string {
	return "wsok"
}

// EncodeCreateSession serializes a session-creation request as a
// form-url-encoded frame.
func EncodeCreateSession(r CreateSessionRequest) (string, error) {
	for _, value := range []string{r.CID, r.AdapterSet, r.User, r.Password, r.Cause} {
		if err := ValidateOutbound(value); err != nil {
			return "", err
		}
	}
	v := url.Values{}
	v.Set("LS_cid", r.CID)
	if r.AdapterSet != "" {
		v.Set("LS_adapter_set", r.AdapterSet)
	}
	if r.User != "" {
		v.Set("LS_user", r.User)
	}
	if r.Password != "" {
		v.Set("LS_password", r.Password)
	}
	if r.Cause != "" {
		v.Set("LS_cause", r.Cause)
	}
	v.Set("LS_send_sync", "false")
	v.Set("LS_polling", "false")
	return "create_session\r\n" + v.Encode(), nil
}

// ControlOp is a subscription control request's LS_op value.
type ControlOp string

const (
	ControlOpAdd    ControlOp = "add"
	ControlOpDelete ControlOp = "delete"
)

// SubscribeRequest is an "add" control request establishing a new
// subscription.
type SubscribeRequest struct {
	RequestID         int
	SubscriptionID    int
	Mode              string
	Group             string // item group name, or a space-joined item list
	Schema            string // field schema name, or a space-joined field list
	DataAdapter       string
	Snapshot          string // "true", "false", or a decimal item count
	RequestedMaxFreq  float64
	HasMaxFreq        bool
	RequestedBufSize  int
	HasBufSize        bool
	Selector          string
}

// EncodeSubscribe serializes a SubscribeRequest as a control request.
func EncodeSubscribe(r SubscribeRequest) (string, error) {
	for _, value := range []string{r.Mode, r.Group, r.Schema, r.DataAdapter, r.Snapshot, r.Selector} {
		if err := ValidateOutbound(value); err != nil {
			return "", err
		}
	}
	v := url.Values{}
	v.Set("LS_reqId", strconv.Itoa(r.RequestID))
	v.Set("LS_op", string(ControlOpAdd))
	v.Set("LS_subId", strconv.Itoa(r.SubscriptionID))
	v.Set("LS_mode", r.Mode)
	v.Set("LS_group", r.Group)
	v.Set("LS_schema", r.Schema)
	if r.DataAdapter != "" {
		v.Set("LS_data_adapter", r.DataAdapter)
	}
	if r.Snapshot != "" {
		v.Set("LS_snapshot", r.Snapshot)
	}
	if r.HasMaxFreq {
		v.Set("LS_requested_max_frequency", strconv.FormatFloat(r.RequestedMaxFreq, 'f', -1, 64))
	}
	if r.HasBufSize {
		v.Set("LS_requested_buffer_size", strconv.Itoa(r.RequestedBufSize))
	}
	if r.Selector != "" {
		v.Set("LS_selector", r.Selector)
	}
	return "control\r\n" + v.Encode(), nil
}

// EncodeUnsubscribe serializes a "delete" control request.
func EncodeUnsubscribe(requestID, subscriptionID int) string {
	v := url.Values{}
	v.Set("LS_reqId", strconv.Itoa(requestID))
	v.Set("LS_op", string(ControlOpDelete))
	v.Set("LS_subId", strconv.Itoa(subscriptionID))
	return "control\r\n" + v.Encode()
}

// SendMessageRequest serializes an application message for the server's
// Metadata Adapter, optionally ordered within a named sequence.
type SendMessageRequest struct {
	RequestID int
	Message   string
	Sequence  string // "UNORDERED" if unset by the caller
	Prog      int
}

// EncodeSendMessage serializes a SendMessageRequest as a "msg" request.
func EncodeSendMessage(r SendMessageRequest) (string, error) {
	sequence := r.Sequence
	if sequence == "" {
		sequence = "UNORDERED"
	}
	for _, value := range []string{r.Message, sequence} {
		if err := ValidateOutbound(value); err != nil {
			return "", err
		}
	}
	v := url.Values{}
	v.Set("LS_reqId", strconv.Itoa(r.RequestID))
	v.Set("LS_message", r.Message)
	v.Set("LS_sequence", sequence)
	if r.Prog > 0 {
		v.Set("LS_msg_prog", strconv.Itoa(r.Prog))
	}
	return "msg\r\n" + v.Encode(), nil
}

// EncodeHeartbeat serializes a "heartbeat" frame, sent by the client to
// reassure the server when no other traffic is due.
func EncodeHeartbeat() string {
	return "heartbeat"
}

// ValidateOutbound rejects payload values that would corrupt the frame
// grammar: CR, LF, and other control characters are not valid inside a
// form field and must have been percent-encoded by the caller already if
// they are meaningful data.
func ValidateOutbound(value string) error {
	if i := strings.IndexFunc(value, isRawControl); i >= 0 {
		return fmt.Errorf("value contains raw control byte at offset %d", i)
	}
	return nil
}

func isRawControl(r rune) bool {
	return r == '\r' || r == '\n' || (r < 0x20 && r != '\t')
}
