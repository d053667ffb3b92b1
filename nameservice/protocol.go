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

package nameservice

import (
	"github.com/sirupsen/logrus"

	"github.com/nanvix/multikernel/domain"
	"github.com/nanvix/multikernel/noc/mailbox"
	"github.com/nanvix/multikernel/wire"
)

// Wire opcodes for the name service's mailbox protocol.
const (
	OpLink uint8 = iota + 1
	OpLookup
	OpUnlink
)

// ServeMailbox runs the name service's request loop on the node's input
// mailbox: decode a request frame, dispatch to the Service, reply on a
// fresh output mailbox toward the requester.
func ServeMailbox(svc *Service, mbox *mailbox.Table, input domain.EndpointId) {
	svc.MarkAlive()

	buf := make([]byte, 128)
	for {
		n, err := mbox.Read(input, buf)
		if err != nil {
			logrus.Debugf("nameservice: mailbox read: %s", err)
			return
		}

		r := wire.NewReader(buf[:n])
		op := r.Opcode()
		replyTo := r.Source()

		var reply []byte
		switch op {
		case OpLink:
			name := r.String()
			node := domain.NodeId(r.I32())
			err := svc.Link(name, node)
			reply = wire.StatusReply(OpLink, wire.ErrCode(err))

		case OpLookup:
			name := r.String()
			node, err := svc.Lookup(name)
			w := wire.NewWriter(OpLookup).PutI32(wire.ErrCode(err))
			if err == nil {
				w.PutSource(node)
			} else {
				w.PutSource(domain.NodeIdNone)
			}
			reply = w.Bytes()

		case OpUnlink:
			name := r.String()
			err := svc.Unlink(name)
			reply = wire.StatusReply(OpUnlink, wire.ErrCode(err))

		default:
			logrus.Warnf("nameservice: unknown opcode %d", op)
			continue
		}

		if err := wire.SendReply(mbox, replyTo, reply); err != nil {
			logrus.Warnf("nameservice: reply: %s", err)
		}
	}
}
