package transaction

import (
	"bytes"
	"compress/gzip"
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBodySpilloverThreshold(t *testing.T) {
	b := NewBody(16)
	require.NoError(t, b.Append(bytes.Repeat([]byte("a"), 16)))
	assert.False(t, b.Spilled())
	chunksBefore := b.ChunkCount()

	// One byte over the limit: exactly one transition to disk, chunk list
	// stops growing.
	require.NoError(t, b.Append([]byte("b")))
	assert.True(t, b.Spilled())
	assert.Equal(t, 0, b.ChunkCount())

	require.NoError(t, b.Append([]byte("ccc")))
	assert.Equal(t, 0, b.ChunkCount())
	assert.GreaterOrEqual(t, chunksBefore, 1)

	data, binary, err := b.Data()
	require.NoError(t, err)
	assert.False(t, binary)
	assert.Equal(t, int64(20), b.Size())
	assert.Equal(t, strings.Repeat("a", 16)+"bccc", string(data))
	b.Release()
}

func TestBodyWarnFiresOnce(t *testing.T) {
	b := NewBody(100)
	var warns int
	b.OnLarge = func(int64) { warns++ }
	require.NoError(t, b.Append(bytes.Repeat([]byte("x"), 60)))
	require.NoError(t, b.Append(bytes.Repeat([]byte("x"), 10)))
	assert.Equal(t, 1, warns)
}

func TestBodyEndExactlyOnce(t *testing.T) {
	b := NewBody(100)
	require.NoError(t, b.Append([]byte("hi")))
	require.NoError(t, b.End())
	assert.ErrorIs(t, b.End(), ErrBodyEnded)
	assert.ErrorIs(t, b.Append([]byte("more")), ErrBodyEnded)
}

func TestBodyGzipDecode(t *testing.T) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, _ = zw.Write([]byte(`{"ok":true}`))
	require.NoError(t, zw.Close())

	b := NewBody(1 << 20)
	b.ContentType = "application/json"
	b.ContentEncoding = "gzip"
	require.NoError(t, b.Append(buf.Bytes()))

	data, binary, err := b.Data()
	require.NoError(t, err)
	assert.False(t, binary)
	assert.JSONEq(t, `{"ok":true}`, string(data))
}

func TestBodyBinaryBase64(t *testing.T) {
	b := NewBody(1 << 20)
	b.ContentType = "image/png"
	require.NoError(t, b.Append([]byte{0x89, 0x50, 0x4e, 0x47}))
	data, binary, err := b.Data()
	require.NoError(t, err)
	assert.True(t, binary)
	assert.Equal(t, "iVBORw==", string(data))
}

func TestTransactionCompleteInvariant(t *testing.T) {
	txn := New(1, "GET", "https", "a.example", "/")
	txn.ReqBody = NewBody(1 << 20)
	txn.ResBody = NewBody(1 << 20)

	require.NoError(t, txn.AppendRequestBody([]byte("req")))
	require.NoError(t, txn.SetResponse(200, "OK", http.Header{"X-A": {"1"}}, nil))
	require.NoError(t, txn.AppendResponseBody([]byte("res")))
	require.NoError(t, txn.Finish())

	assert.True(t, txn.Complete())
	assert.Equal(t, StateComplete, txn.State())
	assert.ErrorIs(t, txn.AppendResponseBody([]byte("late")), ErrComplete)
	assert.ErrorIs(t, txn.SetResponse(500, "oops", nil, nil), ErrComplete)
	assert.ErrorIs(t, txn.Finish(), ErrComplete)
	assert.True(t, txn.ReqBody.Ended())
	assert.True(t, txn.ResBody.Ended())
}

func TestTransactionFailAbsorbs(t *testing.T) {
	txn := New(2, "POST", "http", "b.example", "/submit")
	cause := errors.New("boom")
	txn.Fail(cause)
	txn.Fail(errors.New("second"))
	assert.Equal(t, StateError, txn.State())
	assert.Equal(t, cause, txn.Err())

	// Finish after failure must not resurrect the transaction.
	assert.ErrorIs(t, txn.Finish(), ErrComplete)
}

func TestTargetRoutingDiverges(t *testing.T) {
	txn := New(3, "GET", "https", "public.example", "/app")
	txn.TargetHost = "127.0.0.3:9090"
	txn.TargetProto = "http"
	assert.Equal(t, "https://public.example/app", txn.URL())
	assert.Equal(t, "http://127.0.0.3:9090/app", txn.TargetURL())
}
