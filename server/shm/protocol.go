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

package shm

import (
	"github.com/sirupsen/logrus"

	"github.com/nanvix/multikernel/domain"
	"github.com/nanvix/multikernel/noc/mailbox"
	"github.com/nanvix/multikernel/wire"
)

// Wire opcodes for the SHM server's mailbox protocol.
const (
	OpCreateExcl uint8 = iota + 1
	OpCreate
	OpOpen
	OpUnlink
	OpClose
	OpTruncate
	OpMap
	OpUnmap
)

// ServeMailbox runs the SHM server's request loop on the node's input
// mailbox, mirroring nameservice.ServeMailbox's framing.
func ServeMailbox(srv *Server, mbox *mailbox.Table, input domain.EndpointId) {
	buf := make([]byte, 128)
	for {
		n, err := mbox.Read(input, buf)
		if err != nil {
			logrus.Debugf("shm: mailbox read: %s", err)
			return
		}

		r := wire.NewReader(buf[:n])
		op := r.Opcode()
		source := r.Source()

		var reply []byte
		switch op {
		case OpCreateExcl, OpCreate:
			name := r.String()
			writable := r.Bool()
			mode := r.U32()
			var id int32
			var err error
			if op == OpCreateExcl {
				id, err = srv.CreateExcl(source, name, writable, mode)
			} else {
				id, err = srv.Create(source, name, writable, mode)
			}
			reply = wire.NewWriter(op).PutI32(wire.ErrCode(err)).PutI32(id).Bytes()

		case OpOpen:
			name := r.String()
			writable := r.Bool()
			trunc := r.Bool()
			id, err := srv.Open(source, name, writable, trunc)
			reply = wire.NewWriter(op).PutI32(wire.ErrCode(err)).PutI32(id).Bytes()

		case OpUnlink:
			name := r.String()
			err := srv.Unlink(source, name)
			reply = wire.StatusReply(op, wire.ErrCode(err))

		case OpClose:
			name := r.String()
			err := srv.Close(source, name)
			reply = wire.StatusReply(op, wire.ErrCode(err))

		case OpTruncate:
			name := r.String()
			size := r.I64()
			err := srv.Truncate(source, name, size)
			reply = wire.StatusReply(op, wire.ErrCode(err))

		case OpMap:
			name := r.String()
			offset := r.I64()
			length := r.I64()
			writable := r.Bool()
			shared := r.Bool()
			size, err := srv.Map(source, name, offset, length, writable, shared)
			reply = wire.NewWriter(op).PutI32(wire.ErrCode(err)).PutI64(size).Bytes()

		case OpUnmap:
			name := r.String()
			err := srv.Unmap(source, name)
			reply = wire.StatusReply(op, wire.ErrCode(err))

		default:
			logrus.Warnf("shm: unknown opcode %d", op)
			continue
		}

		if err := wire.SendReply(mbox, source, reply); err != nil {
			logrus.Warnf("shm: reply to %d: %s", source, err)
		}
	}
}
