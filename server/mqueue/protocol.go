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

package mqueue

import (
	"github.com/sirupsen/logrus"

	"github.com/nanvix/multikernel/domain"
	"github.com/nanvix/multikernel/noc/mailbox"
	"github.com/nanvix/multikernel/wire"
)

// Wire opcodes for the message queue server's mailbox protocol.
const (
	OpCreateExcl uint8 = iota + 1
	OpOpen
	OpSend
	OpReceive
	OpUnlink
	OpClose
)

// MessageMaxWire bounds how large a queued message payload the fixed
// mailbox frame can carry; larger payloads would need the portal layer,
// which is out of scope for this reference dispatch loop.
const MessageMaxWire = 96

// ServeMailbox runs the message queue server's request loop.
func ServeMailbox(srv *Server, mbox *mailbox.Table, input domain.EndpointId) {
	buf := make([]byte, 128)
	for {
		n, err := mbox.Read(input, buf)
		if err != nil {
			logrus.Debugf("mqueue: mailbox read: %s", err)
			return
		}

		r := wire.NewReader(buf[:n])
		op := r.Opcode()
		source := r.Source()

		var replyMsg []byte
		switch op {
		case OpCreateExcl:
			name := r.String()
			mode := r.U32()
			err := srv.CreateExcl(source, name, mode)
			replyMsg = wire.StatusReply(op, wire.ErrCode(err))

		case OpOpen:
			name := r.String()
			err := srv.Open(source, name)
			replyMsg = wire.StatusReply(op, wire.ErrCode(err))

		case OpSend:
			name := r.String()
			prio := r.U32()
			payload := append([]byte(nil), r.Bytes()...)
			err := srv.Send(source, name, prio, payload)
			replyMsg = wire.StatusReply(op, wire.ErrCode(err))

		case OpReceive:
			name := r.String()
			msg, prio, err := srv.Receive(source, name)
			w := wire.NewWriter(op).PutI32(wire.ErrCode(err)).PutU32(prio)
			if err == nil {
				w.PutString(string(msg))
			} else {
				w.PutString("")
			}
			replyMsg = w.Bytes()

		case OpUnlink:
			name := r.String()
			err := srv.Unlink(source, name)
			replyMsg = wire.StatusReply(op, wire.ErrCode(err))

		case OpClose:
			name := r.String()
			err := srv.Close(source, name)
			replyMsg = wire.StatusReply(op, wire.ErrCode(err))

		default:
			logrus.Warnf("mqueue: unknown opcode %d", op)
			continue
		}

		if err := wire.SendReply(mbox, source, replyMsg); err != nil {
			logrus.Warnf("mqueue: reply to %d: %s", source, err)
		}
	}
}
