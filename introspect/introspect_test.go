package introspect

import (
	"context"
	"testing"

	"bazil.org/fuse"
	fusefs "bazil.org/fuse/fs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterAndLookup(t *testing.T) {
	f := New()
	f.Register("stats", func() []byte { return []byte("42") })

	root, err := f.Root()
	require.NoError(t, err)

	d, ok := root.(fusefs.NodeStringLookuper)
	require.True(t, ok)

	node, err := d.Lookup(context.Background(), "stats")
	require.NoError(t, err)

	reader, ok := node.(fusefs.HandleReadAller)
	require.True(t, ok)

	data, err := reader.ReadAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "42", string(data))
}

func TestLookupUnknownIsENOENT(t *testing.T) {
	f := New()
	root, err := f.Root()
	require.NoError(t, err)

	d := root.(fusefs.NodeStringLookuper)
	_, err = d.Lookup(context.Background(), "missing")
	assert.Equal(t, fuse.ENOENT, err)
}

func TestReadDirAllListsEveryRegisteredName(t *testing.T) {
	f := New()
	f.Register("a", func() []byte { return nil })
	f.Register("b", func() []byte { return nil })

	root, err := f.Root()
	require.NoError(t, err)
	d := root.(fusefs.HandleReadDirAller)

	ents, err := d.ReadDirAll(context.Background())
	require.NoError(t, err)
	names := map[string]bool{}
	for _, e := range ents {
		names[e.Name] = true
	}
	assert.True(t, names["a"])
	assert.True(t, names["b"])
}

func TestFileContentReflectsLiveProvider(t *testing.T) {
	f := New()
	counter := 0
	f.Register("counter", func() []byte {
		counter++
		return []byte{byte(counter)}
	})

	root, _ := f.Root()
	d := root.(fusefs.NodeStringLookuper)

	node, err := d.Lookup(context.Background(), "counter")
	require.NoError(t, err)
	reader := node.(fusefs.HandleReadAller)

	first, _ := reader.ReadAll(context.Background())
	second, _ := reader.ReadAll(context.Background())
	assert.NotEqual(t, first, second)
}
