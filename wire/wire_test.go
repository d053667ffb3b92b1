package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nanvix/multikernel/domain"
)

func TestWriterReaderRoundTrip(t *testing.T) {
	w := NewWriter(42).
		PutSource(domain.NodeId(7)).
		PutU32(0xdeadbeef).
		PutI32(-5).
		PutU64(0x1122334455667788).
		PutI64(-123456789).
		PutBool(true).
		PutString("hello")

	frame := w.Bytes()
	require.Len(t, frame, 128)

	r := NewReader(frame)
	assert.Equal(t, uint8(42), r.Opcode())
	assert.Equal(t, domain.NodeId(7), r.Source())
	assert.Equal(t, uint32(0xdeadbeef), r.U32())
	assert.Equal(t, int32(-5), r.I32())
	assert.Equal(t, uint64(0x1122334455667788), r.U64())
	assert.Equal(t, int64(-123456789), r.I64())
	assert.Equal(t, true, r.Bool())
	assert.Equal(t, "hello", r.String())
}

func TestPutBoolFalse(t *testing.T) {
	frame := NewWriter(1).PutBool(false).Bytes()
	r := NewReader(frame)
	r.Opcode()
	assert.False(t, r.Bool())
}

func TestStatusReplyAndIDReply(t *testing.T) {
	sr := StatusReply(9, -2)
	r := NewReader(sr)
	assert.Equal(t, uint8(9), r.Opcode())
	assert.Equal(t, int32(-2), r.I32())

	ir := IDReply(9, 100)
	r = NewReader(ir)
	assert.Equal(t, uint8(9), r.Opcode())
	assert.Equal(t, int32(100), r.I32())
}

func TestErrCodeNilIsZero(t *testing.T) {
	assert.Equal(t, int32(0), ErrCode(nil))
}

func TestErrCodeNonNilIsNonZero(t *testing.T) {
	err := domain.NewError("wire.test", domain.ErrNotFound, "missing")
	assert.NotEqual(t, int32(0), ErrCode(err))
}

func TestBytesReturnsRemainingPayload(t *testing.T) {
	w := NewWriter(1).PutI32(5)
	r := NewReader(w.Bytes())
	r.Opcode()
	r.I32()
	rest := r.Bytes()
	assert.Len(t, rest, 128-1-4)
}
