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

package rmem

import (
	"github.com/sirupsen/logrus"

	"github.com/nanvix/multikernel/domain"
	"github.com/nanvix/multikernel/noc/mailbox"
	"github.com/nanvix/multikernel/noc/portal"
	"github.com/nanvix/multikernel/wire"
)

// Wire opcodes for the RMEM server's mailbox protocol . Read
// and Write move their payload over the portal layer since a block
// is up to BlockSize bytes, far larger than a mailbox frame.
const (
	OpAlloc uint8 = iota + 1
	OpFree
	OpRead
	OpWrite
)

// ServeMailbox runs the RMEM server's control-plane request loop: Alloc
// and Free complete entirely over the mailbox, while Read and Write carry
// only the block/offset/length header here and move their payload
// through portals, identified in the request.
func ServeMailbox(srv *Server, mbox *mailbox.Table, portals *portal.Table, input, portalInput domain.EndpointId) {
	buf := make([]byte, 128)
	for {
		n, err := mbox.Read(input, buf)
		if err != nil {
			logrus.Debugf("rmem: mailbox read: %s", err)
			return
		}

		r := wire.NewReader(buf[:n])
		op := r.Opcode()
		source := r.Source()

		switch op {
		case OpAlloc:
			owner := r.I32()
			blknum, err := srv.Alloc(owner)
			reply(mbox, op, source, wire.ErrCode(err), blknum)

		case OpFree:
			owner := r.I32()
			blknum := r.I32()
			err := srv.Free(owner, blknum)
			reply(mbox, op, source, wire.ErrCode(err), 0)

		case OpRead:
			blknum := r.I32()
			offset := r.I64()
			length := r.I32()
			buf := make([]byte, length)
			err := srv.Read(blknum, offset, buf)
			sendPortalThenReply(mbox, portals, op, source, err, buf)

		case OpWrite:
			blknum := r.I32()
			offset := r.I64()
			length := r.I32()
			payload := make([]byte, length)
			if perr := recvPortal(portals, portalInput, source, payload); perr != nil {
				logrus.Warnf("rmem: portal recv from %d: %s", source, perr)
				reply(mbox, op, source, wire.ErrCode(domain.NewError("rmem.write", domain.ErrInvalid, "%v", perr)), 0)
				continue
			}
			err := srv.Write(blknum, offset, payload)
			reply(mbox, op, source, wire.ErrCode(err), 0)

		default:
			logrus.Warnf("rmem: unknown opcode %d", op)
		}
	}
}

func reply(mbox *mailbox.Table, op uint8, dst domain.NodeId, code int32, blknum int32) {
	msg := wire.NewWriter(op).PutI32(code).PutI32(blknum).Bytes()
	if err := wire.SendReply(mbox, dst, msg); err != nil {
		logrus.Warnf("rmem: reply to %d: %s", dst, err)
	}
}

// recvPortal arms the node's input portal for one transfer from remote
// and reads it synchronously ("allow, then the sender writes"
// protocol).
func recvPortal(portals *portal.Table, input domain.EndpointId, remote domain.NodeId, buf []byte) error {
	if err := portals.Allow(input, remote); err != nil {
		return err
	}
	_, _, err := portals.Read(input, buf)
	return err
}

// sendPortalThenReply opens an output portal toward source, writes data,
// then sends the mailbox status reply carrying the fault code (if any).
func sendPortalThenReply(mbox *mailbox.Table, portals *portal.Table, op uint8, dst domain.NodeId, readErr error, data []byte) {
	id, err := portals.Open(dst)
	if err == nil {
		_, err = portals.Write(id, data)
		portals.Close(id)
	}
	code := wire.ErrCode(readErr)
	if err != nil {
		code = wire.ErrCode(domain.NewError("rmem.read", domain.ErrInvalid, "%v", err))
	}
	reply(mbox, op, dst, code, 0)
}
