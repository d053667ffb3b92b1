//
// Copyright 2024 The Nanvix Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

// Package wire implements the fixed MAILBOX_MSG_SIZE frame shape: an
// 8-bit opcode discriminator followed by opcode-specific fields. Every
// server package's protocol.go uses it to decode requests off the
// mailbox layer and encode its replies ({status}, {id}, or a block/size
// payload).
package wire

import (
	"encoding/binary"

	"github.com/nanvix/multikernel/domain"
	"github.com/nanvix/multikernel/noc"
	"github.com/nanvix/multikernel/noc/mailbox"
)

// Reader walks a fixed-size mailbox frame field by field.
type Reader struct {
	buf []byte
	pos int
}

// NewReader wraps a full MAILBOX_MSG_SIZE frame; the opcode byte is
// consumed separately by callers via Opcode.
func NewReader(frame []byte) *Reader {
	return &Reader{buf: frame}
}

// Opcode reads the frame's first byte.
func (r *Reader) Opcode() uint8 {
	v := r.buf[0]
	r.pos = 1
	return v
}

// Source reads a 4-byte big-endian NodeId.
func (r *Reader) Source() domain.NodeId {
	v := binary.BigEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return domain.NodeId(v)
}

// U32 reads a 4-byte big-endian uint32.
func (r *Reader) U32() uint32 {
	v := binary.BigEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v
}

// I32 reads a 4-byte big-endian int32.
func (r *Reader) I32() int32 {
	return int32(r.U32())
}

// U64 reads an 8-byte big-endian uint64.
func (r *Reader) U64() uint64 {
	v := binary.BigEndian.Uint64(r.buf[r.pos:])
	r.pos += 8
	return v
}

// I64 reads an 8-byte big-endian int64.
func (r *Reader) I64() int64 {
	return int64(r.U64())
}

// Bool reads a single byte as a boolean.
func (r *Reader) Bool() bool {
	v := r.buf[r.pos] != 0
	r.pos++
	return v
}

// String reads a 1-byte length prefix followed by that many bytes.
func (r *Reader) String() string {
	n := int(r.buf[r.pos])
	r.pos++
	s := string(r.buf[r.pos : r.pos+n])
	r.pos += n
	return s
}

// Bytes returns the remaining unread payload.
func (r *Reader) Bytes() []byte {
	return r.buf[r.pos:]
}

// Writer builds a fixed-size mailbox frame.
type Writer struct {
	buf [noc.MailboxMsgSize]byte
	pos int
}

// NewWriter starts a frame with opcode as its first byte.
func NewWriter(opcode uint8) *Writer {
	w := &Writer{}
	w.buf[0] = opcode
	w.pos = 1
	return w
}

func (w *Writer) PutSource(n domain.NodeId) *Writer {
	binary.BigEndian.PutUint32(w.buf[w.pos:], uint32(n))
	w.pos += 4
	return w
}

func (w *Writer) PutU32(v uint32) *Writer {
	binary.BigEndian.PutUint32(w.buf[w.pos:], v)
	w.pos += 4
	return w
}

func (w *Writer) PutI32(v int32) *Writer {
	return w.PutU32(uint32(v))
}

func (w *Writer) PutU64(v uint64) *Writer {
	binary.BigEndian.PutUint64(w.buf[w.pos:], v)
	w.pos += 8
	return w
}

func (w *Writer) PutI64(v int64) *Writer {
	return w.PutU64(uint64(v))
}

func (w *Writer) PutBool(v bool) *Writer {
	if v {
		w.buf[w.pos] = 1
	}
	w.pos++
	return w
}

func (w *Writer) PutString(s string) *Writer {
	w.buf[w.pos] = byte(len(s))
	w.pos++
	copy(w.buf[w.pos:], s)
	w.pos += len(s)
	return w
}

// Bytes returns the complete MAILBOX_MSG_SIZE frame.
func (w *Writer) Bytes() []byte {
	return w.buf[:]
}

// StatusReply builds the {status:i32} reply shape.
func StatusReply(opcode uint8, code int32) []byte {
	return NewWriter(opcode).PutI32(code).Bytes()
}

// IDReply builds the {id:i32} reply shape.
func IDReply(opcode uint8, id int32) []byte {
	return NewWriter(opcode).PutI32(id).Bytes()
}

// ErrCode maps an error to its wire error code (0 on success).
func ErrCode(err error) int32 {
	return domain.WireCode(domain.KindOf(err))
}

// SendReply opens a one-shot output mailbox toward dst, writes reply and
// closes it. Every stateful server's request loop replies this way since
// a mailbox's input side never learns which connection a message arrived
// on: the requester's node id travels inside the request payload
// instead.
func SendReply(mbox *mailbox.Table, dst domain.NodeId, reply []byte) error {
	id, err := mbox.Open(dst)
	if err != nil {
		return err
	}
	defer mbox.Close(id)
	_, err = mbox.Write(id, reply)
	return err
}
