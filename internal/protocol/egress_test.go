package protocol

import (
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeCreateSession(t *testing.T) {
	frame, err := EncodeCreateSession(CreateSessionRequest{
		CID:        "cid-1",
		AdapterSet: "ISSLIVE",
		Cause:      "api",
	})
	require.NoError(t, err)
	lines := strings.SplitN(frame, "\r\n", 2)
	require.Len(t, lines, 2)
	assert.Equal(t, "create_session", lines[0])

	v, err := url.ParseQuery(lines[1])
	require.NoError(t, err)
	assert.Equal(t, "cid-1", v.Get("LS_cid"))
	assert.Equal(t, "ISSLIVE", v.Get("LS_adapter_set"))
	assert.Equal(t, "api", v.Get("LS_cause"))
	assert.Equal(t, "false", v.Get("LS_send_sync"))
	assert.Equal(t, "false", v.Get("LS_polling"))
	assert.Empty(t, v.Get("LS_user"))
}

func TestEncodeCreateSession_RejectsRawControlBytes(t *testing.T) {
	_, err := EncodeCreateSession(CreateSessionRequest{CID: "cid\r\n1"})
	assert.Error(t, err)
}

func TestEncodeSubscribe(t *testing.T) {
	frame, err := EncodeSubscribe(SubscribeRequest{
		RequestID:        1,
		SubscriptionID:   3,
		Mode:             "MERGE",
		Group:            "NODE3000005",
		Schema:           "Value Units",
		Snapshot:         "true",
		HasMaxFreq:       true,
		RequestedMaxFreq: 2.5,
	})
	require.NoError(t, err)
	lines := strings.SplitN(frame, "\r\n", 2)
	require.Len(t, lines, 2)
	assert.Equal(t, "control", lines[0])

	v, err := url.ParseQuery(lines[1])
	require.NoError(t, err)
	assert.Equal(t, "1", v.Get("LS_reqId"))
	assert.Equal(t, "add", v.Get("LS_op"))
	assert.Equal(t, "3", v.Get("LS_subId"))
	assert.Equal(t, "MERGE", v.Get("LS_mode"))
	assert.Equal(t, "NODE3000005", v.Get("LS_group"))
	assert.Equal(t, "Value Units", v.Get("LS_schema"))
	assert.Equal(t, "true", v.Get("LS_snapshot"))
	assert.Equal(t, "2.5", v.Get("LS_requested_max_frequency"))
	assert.Empty(t, v.Get("LS_requested_buffer_size"))
}

func TestEncodeSubscribe_RejectsRawControlBytes(t *testing.T) {
	_, err := EncodeSubscribe(SubscribeRequest{Group: "bad\x00item"})
	assert.Error(t, err)
}

func TestEncodeUnsubscribe(t *testing.T) {
	frame := EncodeUnsubscribe(9, 3)
	lines := strings.SplitN(frame, "\r\n", 2)
	require.Len(t, lines, 2)

	v, err := url.ParseQuery(lines[1])
	require.NoError(t, err)
	assert.Equal(t, "9", v.Get("LS_reqId"))
	assert.Equal(t, "delete", v.Get("LS_op"))
	assert.Equal(t, "3", v.Get("LS_subId"))
}

func TestEncodeSendMessage_DefaultsToUnordered(t *testing.T) {
	frame, err := EncodeSendMessage(SendMessageRequest{RequestID: 1, Message: "ping"})
	require.NoError(t, err)
	lines := strings.SplitN(frame, "\r\n", 2)
	require.Len(t, lines, 2)
	assert.Equal(t, "msg", lines[0])

	v, err := url.ParseQuery(lines[1])
	require.NoError(t, err)
	assert.Equal(t, "ping", v.Get("LS_message"))
	assert.Equal(t, "UNORDERED", v.Get("LS_sequence"))
}

func TestEncodeSendMessage_RejectsRawControlBytes(t *testing.T) {
	_, err := EncodeSendMessage(SendMessageRequest{RequestID: 1, Message: "bad\r\nmessage"})
	assert.Error(t, err)
}

func TestValidateOutbound(t *testing.T) {
	assert.NoError(t, ValidateOutbound("plain value"))
	assert.Error(t, ValidateOutbound("has\r\nCRLF"))
	assert.Error(t, ValidateOutbound("has\x00null"))
}
