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

// Package config loads the cluster topology every substrate binary
// starts from: the TOML file mapping node ids to (cluster, interface,
// address) tuples.
package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"

	"github.com/nanvix/multikernel/domain"
)

// Topology is the on-disk shape of a cluster's node table; Resolve turns
// it into a domain.Topology.
type Topology struct {
	Nodes []NodeEntry `toml:"nodes"`
}

// NodeEntry is one node's entry in the topology file.
type NodeEntry struct {
	ID int32 `toml:"id"`
	Cluster int32 `toml:"cluster"`
	Interface int32 `toml:"interface"`
	Kind string `toml:"kind"` // "compute" or "io"
	Name string `toml:"name"`
	Addr string `toml:"addr"`
}

// Load reads and parses a topology TOML file from path.
func Load(path string) (*Topology, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var t Topology
	if err := toml.Unmarshal(b, &t); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return &t, nil
}

// Resolve builds a domain.Topology from the parsed file.
func (t *Topology) Resolve() (*domain.Topology, error) {
	infos := make([]domain.NodeInfo, 0, len(t.Nodes))
	for _, n := range t.Nodes {
		kind := domain.ClusterCompute
		switch n.Kind {
		case "", "compute":
			kind = domain.ClusterCompute
		case "io":
			kind = domain.ClusterIO
		default:
			return nil, fmt.Errorf("config: node %d: unknown kind %q", n.ID, n.Kind)
		}
		infos = append(infos, domain.NodeInfo{
			ID: domain.NodeId(n.ID),
			Cluster: domain.ClusterId(n.Cluster),
			Interface: domain.InterfaceId(n.Interface),
			Kind: kind,
			Name: n.Name,
			Addr: n.Addr,
		})
	}
	return domain.NewTopology(infos)
}
