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

// Package rmemclient implements rmemcache.BlockStore against the real
// RMEM server wire protocol: Alloc/Free round-trip over the mailbox
// layer, Read/Write carry a small mailbox header plus their block
// payload over a portal.
//
// It duplicates the RMEM server's opcode and block-size constants
// (rather than importing server/rmem) so a client depends only on
// wire, noc/mailbox and noc/portal, never on the server's storage and
// bitmap machinery.
package rmemclient

import (
	"github.com/nanvix/multikernel/domain"
	"github.com/nanvix/multikernel/noc/mailbox"
	"github.com/nanvix/multikernel/noc/portal"
	"github.com/nanvix/multikernel/rmemcache"
	"github.com/nanvix/multikernel/wire"
)

// Wire opcodes for the RMEM server's mailbox protocol; must match
// server/rmem's.
const (
	opAlloc uint8 = iota + 1
	opFree
	opRead
	opWrite
)

// BlockSize is the RMEM server's fixed block size in bytes.
const BlockSize = rmemcache.BlockSize

var _ rmemcache.BlockStore = (*Client)(nil)

// Client issues RMEM requests over the mailbox and portal layers from
// any node in the cluster. self is the caller's own node id; server is
// the RMEM server's node id.
type Client struct {
	mbox        *mailbox.Table
	portals     *portal.Table
	input       domain.EndpointId
	portalInput domain.EndpointId
	self        domain.NodeId
	server      domain.NodeId
}

// NewClient builds a Client bound to mbox/portals' node, talking to
// server. input and portalInput are the caller's own already-created
// input mailbox and input portal endpoints.
func NewClient(mbox *mailbox.Table, portals *portal.Table, input, portalInput domain.EndpointId, self, server domain.NodeId) *Client {
	return &Client{
		mbox:        mbox,
		portals:     portals,
		input:       input,
		portalInput: portalInput,
		self:        self,
		server:      server,
	}
}

func (c *Client) roundTrip(req []byte) ([]byte, error) {
	id, err := c.mbox.Open(c.server)
	if err != nil {
		return nil, err
	}
	defer c.mbox.Close(id)

	if _, err := c.mbox.Write(id, req); err != nil {
		return nil, err
	}

	reply := make([]byte, 128)
	n, err := c.mbox.Read(c.input, reply)
	if err != nil {
		return nil, err
	}
	return reply[:n], nil
}

func decodeReply(reply []byte) (int32, int32) {
	r := wire.NewReader(reply)
	r.Opcode()
	code := r.I32()
	blknum := r.I32()
	return code, blknum
}

// Alloc requests a fresh block owned by owner, returning its block
// number.
func (c *Client) Alloc(owner int32) (int32, error) {
	req := wire.NewWriter(opAlloc).PutSource(c.self).PutI32(owner).Bytes()
	reply, err := c.roundTrip(req)
	if err != nil {
		return 0, err
	}
	code, blknum := decodeReply(reply)
	if code != 0 {
		return 0, domain.NewError("rmemclient.alloc", domain.ErrorKind(-code), "")
	}
	return blknum, nil
}

// Free releases blknum, which must be owned by owner.
func (c *Client) Free(owner, blknum int32) error {
	req := wire.NewWriter(opFree).PutSource(c.self).PutI32(owner).PutI32(blknum).Bytes()
	reply, err := c.roundTrip(req)
	if err != nil {
		return err
	}
	code, _ := decodeReply(reply)
	if code != 0 {
		return domain.NewError("rmemclient.free", domain.ErrorKind(-code), "")
	}
	return nil
}

// AllocBlock adapts Alloc to rmemcache.BlockStore's PageNum-typed
// allocation contract.
func (c *Client) AllocBlock(owner int32) (rmemcache.PageNum, error) {
	blknum, err := c.Alloc(owner)
	if err != nil {
		return rmemcache.NullPage, err
	}
	return rmemcache.PageNum(blknum), nil
}

// FreeBlock adapts Free to rmemcache.BlockStore's PageNum-typed
// allocation contract.
func (c *Client) FreeBlock(owner int32, pgnum rmemcache.PageNum) error {
	return c.Free(owner, int32(pgnum))
}

// FetchBlocks implements rmemcache.BlockStore: it reads count
// consecutive BlockSize-sized blocks starting at start into one
// contiguous buffer, one RMEM Read request per block.
func (c *Client) FetchBlocks(start rmemcache.PageNum, count int) ([]byte, error) {
	out := make([]byte, 0, count*BlockSize)
	for i := 0; i < count; i++ {
		blk, err := c.readBlock(int32(start) + int32(i))
		if err != nil {
			return nil, err
		}
		out = append(out, blk...)
	}
	return out, nil
}

// FlushBlocks implements rmemcache.BlockStore: it writes data (a
// multiple of BlockSize) back starting at start, one RMEM Write
// request per block.
func (c *Client) FlushBlocks(start rmemcache.PageNum, data []byte) error {
	for off := 0; off+BlockSize <= len(data); off += BlockSize {
		blk := int32(start) + int32(off/BlockSize)
		if err := c.writeBlock(blk, data[off:off+BlockSize]); err != nil {
			return err
		}
	}
	return nil
}

// readBlock reads one full block from blknum. It arms the client's
// own input portal before sending the request so the server's
// subsequent Open+Write toward this node always lands on an armed
// slot.
func (c *Client) readBlock(blknum int32) ([]byte, error) {
	if err := c.portals.Allow(c.portalInput, c.server); err != nil {
		return nil, err
	}

	req := wire.NewWriter(opRead).PutSource(c.self).PutI32(blknum).PutI64(0).PutI32(BlockSize).Bytes()
	id, err := c.mbox.Open(c.server)
	if err != nil {
		return nil, err
	}
	if _, err := c.mbox.Write(id, req); err != nil {
		c.mbox.Close(id)
		return nil, err
	}
	c.mbox.Close(id)

	buf := make([]byte, BlockSize)
	n, _, err := c.portals.Read(c.portalInput, buf)
	if err != nil {
		return nil, err
	}

	reply := make([]byte, 128)
	rn, err := c.mbox.Read(c.input, reply)
	if err != nil {
		return nil, err
	}
	code, _ := decodeReply(reply[:rn])
	if code != 0 {
		return nil, domain.NewError("rmemclient.read", domain.ErrorKind(-code), "")
	}
	return buf[:n], nil
}

// writeBlock writes one full block to blknum. It opens an output
// portal toward the server, sends the mailbox request that tells the
// server to arm its matching receive, and then writes the payload.
//
// This races the server's Allow against this node's Write; Write
// blocks on the remote's permit channel until the server's handler
// calls Allow, so the ordering here only needs the portal opened, not
// the server already listening.
func (c *Client) writeBlock(blknum int32, data []byte) error {
	out, err := c.portals.Open(c.server)
	if err != nil {
		return err
	}
	defer c.portals.Close(out)

	req := wire.NewWriter(opWrite).PutSource(c.self).PutI32(blknum).PutI64(0).PutI32(int32(len(data))).Bytes()
	id, err := c.mbox.Open(c.server)
	if err != nil {
		return err
	}
	if _, err := c.mbox.Write(id, req); err != nil {
		c.mbox.Close(id)
		return err
	}
	c.mbox.Close(id)

	if _, err := c.portals.Write(out, data); err != nil {
		return err
	}

	reply := make([]byte, 128)
	rn, err := c.mbox.Read(c.input, reply)
	if err != nil {
		return err
	}
	code, _ := decodeReply(reply[:rn])
	if code != 0 {
		return domain.NewError("rmemclient.write", domain.ErrorKind(-code), "")
	}
	return nil
}
