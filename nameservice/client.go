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
	"github.com/nanvix/multikernel/domain"
	"github.com/nanvix/multikernel/noc/mailbox"
	"github.com/nanvix/multikernel/wire"
)

// Client issues name-service requests over the mailbox layer from any
// node in the cluster. self is the caller's own node id (used as the
// reply address); server is the name service's node id.
type Client struct {
	mbox *mailbox.Table
	input domain.EndpointId
	self domain.NodeId
	server domain.NodeId
}

// NewClient builds a Client bound to mbox's node, talking to server.
// input is the caller's own already-created input mailbox endpoint,
// used to receive replies.
func NewClient(mbox *mailbox.Table, input domain.EndpointId, self, server domain.NodeId) *Client {
	return &Client{mbox: mbox, input: input, self: self, server: server}
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

// Link requests the server bind name to node.
func (c *Client) Link(name string, node domain.NodeId) error {
	req := wire.NewWriter(OpLink).PutSource(c.self).PutString(name).PutI32(int32(node)).Bytes()
	reply, err := c.roundTrip(req)
	if err != nil {
		return err
	}
	return decodeStatus(reply)
}

// Lookup requests the node bound to name.
func (c *Client) Lookup(name string) (domain.NodeId, error) {
	req := wire.NewWriter(OpLookup).PutSource(c.self).PutString(name).Bytes()
	reply, err := c.roundTrip(req)
	if err != nil {
		return domain.NodeIdNone, err
	}
	r := wire.NewReader(reply)
	r.Opcode()
	code := r.I32()
	node := r.Source()
	if code != 0 {
		return domain.NodeIdNone, domain.NewError("nameservice.client.lookup", domain.ErrorKind(-code), "")
	}
	return node, nil
}

// Unlink requests name's binding be removed.
func (c *Client) Unlink(name string) error {
	req := wire.NewWriter(OpUnlink).PutSource(c.self).PutString(name).Bytes()
	reply, err := c.roundTrip(req)
	if err != nil {
		return err
	}
	return decodeStatus(reply)
}

func decodeStatus(reply []byte) error {
	r := wire.NewReader(reply)
	r.Opcode()
	code := r.I32()
	if code == 0 {
		return nil
	}
	return domain.NewError("nameservice.client", domain.ErrorKind(-code), "")
}
