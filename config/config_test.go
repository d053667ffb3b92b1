package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nanvix/multikernel/domain"
)

const sample = `
[[nodes]]
id = 0
cluster = 0
interface = 0
kind = "io"
name = "nsd"
addr = "127.0.0.1:7000"

[[nodes]]
id = 1
cluster = 1
interface = 0
kind = "compute"
name = "worker0"
addr = "127.0.0.1:7010"
`

func writeSample(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "topology.toml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o644))
	return path
}

func TestLoadAndResolve(t *testing.T) {
	path := writeSample(t)

	topo, err := Load(path)
	require.NoError(t, err)
	require.Len(t, topo.Nodes, 2)

	resolved, err := topo.Resolve()
	require.NoError(t, err)

	ni, err := resolved.Lookup(domain.NodeId(0))
	require.NoError(t, err)
	assert.Equal(t, domain.ClusterIO, ni.Kind)
	assert.Equal(t, "127.0.0.1:7000", ni.Addr)

	ni1, err := resolved.Lookup(domain.NodeId(1))
	require.NoError(t, err)
	assert.Equal(t, domain.ClusterCompute, ni1.Kind)
}

func TestUnknownKindRejected(t *testing.T) {
	topo := &Topology{Nodes: []NodeEntry{{ID: 0, Kind: "bogus", Addr: "127.0.0.1:7000"}}}
	_, err := topo.Resolve()
	require.Error(t, err)
}
