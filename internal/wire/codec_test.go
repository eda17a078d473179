package wire

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		msg  *Message
	}{
		{"auth", NewAuth(Auth{ApiKey: "k", AgentVersion: "1.2.0"})},
		{"auth_result", NewAuthResult(AuthResult{Success: true, GatewayVersion: "1.0.0"})},
		{"config_sync", NewConfigSync(ConfigSync{
			Mappings: []MappingSnapshot{
				{ID: "m1", ExternalDomain: "app.test", InternalHost: "10.0.0.7", InternalPort: 8080},
			},
			ConfigHash: "deadbeefcafebabe",
		})},
		{"heartbeat", NewHeartbeat(Heartbeat{TimestampMs: 123})},
		{"request", NewRequest(Request{
			RequestID:   "r1",
			MappingID:   "m1",
			Method:      "GET",
			PathQuery:   "/hello",
			Headers:     map[string][]string{"Accept": {"*/*"}},
			InitialBody: []byte("hello"),
		})},
		{"response_small", NewResponse(Response{
			RequestID:   "r1",
			Status:      200,
			Headers:     map[string][]string{"Content-Type": {"text/plain"}},
			InitialBody: []byte("world"),
		})},
		{"response_chunk", NewResponseBodyChunk(ResponseBodyChunk{RequestID: "r1", Bytes: bytes(256), IsFinal: true})},
		{"disconnect", NewDisconnect(Disconnect{Reason: "shutting down"})},
		{"update_request", NewUpdateRequest(UpdateRequest{TargetVersion: "1.2.0", RequestedBy: "agent"})},
		{"update_response", NewUpdateResponse(UpdateResponse{Accepted: true, Status: UpdateStatusQueued, CurrentVersion: "1.0.0"})},
		{"gateway_log", NewGatewayLog(GatewayLog{UnixMs: 1, Level: LogLevelInfo, Message: "hi"})},
		{"get_logs_request", NewGetLogsRequest(GetLogsRequest{RequestID: "r2", BeforeID: 100, Count: 50})},
		{"get_logs_response", NewGetLogsResponse(GetLogsResponse{
			RequestID: "r2",
			Entries:   []LogEntryWire{{ID: 1, UnixMs: 1, Level: LogLevelDebug, Message: "m"}},
			HasMore:   true,
		})},
		{"error", NewError("bad_gateway", "upstream unavailable")},
		{"large_payload_compressed", NewResponse(Response{
			RequestID:   "r3",
			Status:      200,
			InitialBody: []byte(strings.Repeat("x", 4096)),
		})},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			frame, err := Encode(tc.msg)
			require.NoError(t, err)
			require.NotEmpty(t, frame)

			got, err := Decode(frame)
			require.NoError(t, err)
			assert.Equal(t, tc.msg, got)
		})
	}
}

func TestEncodeCompressesLargeFrames(t *testing.T) {
	msg := NewResponse(Response{RequestID: "r", InitialBody: []byte(strings.Repeat("a", 8192))})

	frame, err := Encode(msg)
	require.NoError(t, err)
	assert.True(t, isCompressed(frame))

	got, err := Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, msg, got)
}

func TestDecodeUnknownTypeCodeFails(t *testing.T) {
	// A minimal msgpack map with an unrecognized "type" is still
	// well-formed MessagePack; Decode rejects it with an error (the
	// tunnel's receive loop logs and drops such a frame, so the failure
	// is non-fatal) instead of returning a union with no payload.
	msg := &Message{Type: Type(99)}
	frame, err := Encode(msg)
	require.NoError(t, err)

	got, err := Decode(frame)
	require.Error(t, err)
	assert.Nil(t, got)
}

func bytes(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = 0xAA
	}
	return b
}
