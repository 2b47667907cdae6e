package wire

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestControlRoundTrip(t *testing.T) {
	msgs := []Message{
		{M: VerbRequest, ID: 7, Method: "GET", Proto: "https", Host: "a.example", Path: "/x?y=1",
			HTTPVersion: "1.1", Headers: map[string][]string{"Accept": {"*/*"}},
			Raw: []string{"Accept", "*/*"}, RemoteIP: "203.0.113.9", RemotePort: 4411},
		{M: VerbResponse, ID: 7, SC: 200, SM: "OK", Headers: map[string][]string{"Content-Type": {"text/plain"}}},
		{M: VerbResponseEnd, ID: 7},
		{M: VerbErr, ID: 9, Msg: "upstream unreachable"},
		{M: VerbThrottle, Throttle: &Throttle{Latency: 250, Down: 1 << 20}},
		{M: VerbCfg, Opts: &Options{Auth: "user:pw", BlockRules: []string{"rex:^/admin"}, PingInterval: 30}},
		{M: VerbWSClose, ID: 3, Code: 1000, Reason: "done"},
		{M: VerbBlock, ID: 12, Rule: "rex:^/admin", UR: true},
	}
	for _, in := range msgs {
		data, err := Marshal(in)
		require.NoError(t, err, "marshal %s", in.M)
		out, err := Unmarshal(data)
		require.NoError(t, err, "unmarshal %s", in.M)
		assert.Equal(t, in, out)
	}
}

func TestMarshalRejectsUnknownVerb(t *testing.T) {
	_, err := Marshal(Message{M: "nope"})
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestUnmarshalFatalOnGarbage(t *testing.T) {
	for _, data := range [][]byte{
		[]byte(`{`),
		[]byte(`{"m":"unknown-verb","id":1}`),
		[]byte(`[1,2,3]`),
	} {
		_, err := Unmarshal(data)
		assert.ErrorIs(t, err, ErrMalformed, "input %q", data)
	}
}

func TestFrameHeaderExact(t *testing.T) {
	for _, id := range []uint32{0, 1, 255, 256, 1<<16 + 3, 1<<31 + 1, 1<<32 - 1} {
		buf := EncodeFrame(FrameResponseBody, id, []byte("payload"))
		require.Len(t, buf, HeaderLen+7)
		assert.Equal(t, FrameResponseBody, buf[0])

		f, err := DecodeFrame(buf)
		require.NoError(t, err)
		assert.Equal(t, FrameResponseBody, f.Type)
		assert.Equal(t, id, f.ID)
		assert.Equal(t, []byte("payload"), f.Payload)
	}
}

func TestFrameEmptyPayload(t *testing.T) {
	buf := EncodeFrame(FrameRequestBody, 42, nil)
	require.Len(t, buf, HeaderLen)
	f, err := DecodeFrame(buf)
	require.NoError(t, err)
	assert.Equal(t, uint32(42), f.ID)
	assert.Empty(t, f.Payload)
}

func TestFrameRejects(t *testing.T) {
	_, err := DecodeFrame([]byte{1, 0, 0})
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = DecodeFrame(EncodeFrame(9, 1, nil)) // EncodeFrame does not validate; decode must
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestOmitEmptyKeepsControlMessagesSmall(t *testing.T) {
	data, err := Marshal(Message{M: VerbAck, ID: 5})
	require.NoError(t, err)
	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Len(t, raw, 2, "ack should only carry m and id: %s", data)
}
