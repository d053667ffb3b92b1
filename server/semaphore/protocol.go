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

package semaphore

import (
	"github.com/sirupsen/logrus"

	"github.com/nanvix/multikernel/domain"
	"github.com/nanvix/multikernel/noc/mailbox"
	"github.com/nanvix/multikernel/wire"
)

// Wire opcodes for the semaphore server's mailbox protocol.
const (
	OpCreateExcl uint8 = iota + 1
	OpOpen
	OpWait
	OpPost
	OpUnlink
	OpClose
)

// ServeMailbox runs the semaphore server's request loop. Wait is
// dispatched onto its own goroutine so a blocked waiter never stalls the
// node's single input mailbox: its handler returns without replying
// until a matching Post wakes it.
func ServeMailbox(srv *Server, mbox *mailbox.Table, input domain.EndpointId) {
	buf := make([]byte, 128)
	for {
		n, err := mbox.Read(input, buf)
		if err != nil {
			logrus.Debugf("semaphore: mailbox read: %s", err)
			return
		}

		frame := append([]byte(nil), buf[:n]...)
		r := wire.NewReader(frame)
		op := r.Opcode()
		source := r.Source()

		switch op {
		case OpCreateExcl:
			name := r.String()
			value := r.I32()
			mode := r.U32()
			err := srv.CreateExcl(source, name, value, mode)
			reply(mbox, op, source, wire.ErrCode(err))

		case OpOpen:
			name := r.String()
			err := srv.Open(source, name)
			reply(mbox, op, source, wire.ErrCode(err))

		case OpWait:
			name := r.String()
			go func() {
				err := srv.Wait(source, name)
				reply(mbox, op, source, wire.ErrCode(err))
			}()

		case OpPost:
			name := r.String()
			err := srv.Post(source, name)
			reply(mbox, op, source, wire.ErrCode(err))

		case OpUnlink:
			name := r.String()
			err := srv.Unlink(source, name)
			reply(mbox, op, source, wire.ErrCode(err))

		case OpClose:
			name := r.String()
			err := srv.Close(source, name)
			reply(mbox, op, source, wire.ErrCode(err))

		default:
			logrus.Warnf("semaphore: unknown opcode %d", op)
		}
	}
}

func reply(mbox *mailbox.Table, op uint8, dst domain.NodeId, code int32) {
	if err := wire.SendReply(mbox, dst, wire.StatusReply(op, code)); err != nil {
		logrus.Warnf("semaphore: reply to %d: %s", dst, err)
	}
}
