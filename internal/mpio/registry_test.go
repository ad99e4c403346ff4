package mpio

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_GetOrCreate(t *testing.T) {
	reg := NewRegistry(nil, nil, nil)
	tr := newFakeTransport(remoteEngine, ProtocolVersion{Major: 8})

	c1 := reg.GetOrCreate(tr, EngineID{})
	c2 := reg.GetOrCreate(tr, EngineID{})

	assert.Same(t, c1, c2)
	assert.Equal(t, remoteEngine, c1.Engine(), "engine derived from metadata")
	assert.Same(t, c1, reg.ByEngine(remoteEngine))
	assert.Same(t, c1, reg.ByTransport(tr))
	assert.Equal(t, 1, reg.Len())
}

func TestRegistry_ReplaceKeepsIndicesConsistent(t *testing.T) {
	reg := NewRegistry(nil, nil, nil)
	first := newFakeTransport(remoteEngine, VersionUnknown)
	second := newFakeTransport(remoteEngine, VersionUnknown)

	reg.GetOrCreate(first, remoteEngine)
	c := reg.GetOrCreate(second, remoteEngine)

	assert.True(t, reg.consistent())
	assert.Nil(t, reg.ByTransport(first))
	assert.Same(t, c, reg.ByEngine(remoteEngine))

	// removing the replaced transport leaves the live one alone
	assert.Nil(t, reg.Remove(first))
	assert.Same(t, c, reg.ByEngine(remoteEngine))
}

func TestRegistry_RemoveIsIdempotent(t *testing.T) {
	reg := NewRegistry(nil, nil, nil)
	tr := newFakeTransport(remoteEngine, VersionUnknown)
	reg.GetOrCreate(tr, remoteEngine)

	require.NotNil(t, reg.Remove(tr))
	assert.Nil(t, reg.Remove(tr))
	assert.Nil(t, reg.Remove(newFakeTransport(thirdEngine, VersionUnknown)))
	assert.Equal(t, 0, reg.Len())
	assert.True(t, reg.consistent())
}

func TestRegistry_RandomSequenceStaysConsistent(t *testing.T) {
	reg := NewRegistry(nil, nil, nil)
	rng := rand.New(rand.NewSource(42))

	engines := []EngineID{localEngine, remoteEngine, thirdEngine}
	var transports []*fakeTransport
	for i := 0; i < 9; i++ {
		transports = append(transports, newFakeTransport(engines[i%len(engines)], VersionUnknown))
	}

	for i := 0; i < 500; i++ {
		tr := transports[rng.Intn(len(transports))]
		if rng.Intn(2) == 0 {
			reg.GetOrCreate(tr, EngineID{})
		} else {
			reg.Remove(tr)
		}
		require.True(t, reg.consistent(), "step %d", i)
	}
}

func TestRegistry_Find(t *testing.T) {
	topo := newFakeTopology()
	reg := NewRegistry(nil, func() TopologyResolver { return topo }, nil)

	c, err := reg.Find(remoteEngine)
	require.NoError(t, err)
	assert.Nil(t, c)

	tr := newFakeTransport(remoteEngine, VersionUnknown)
	topo.add(remoteEngine, tr)

	c, err = reg.Find(remoteEngine)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Same(t, c, reg.ByTransport(tr), "found connection is registered")
}

func TestRegistry_FindMultiplePathsIsFatal(t *testing.T) {
	topo := newFakeTopology()
	topo.add(remoteEngine,
		newFakeTransport(remoteEngine, VersionUnknown),
		newFakeTransport(remoteEngine, VersionUnknown),
	)
	reg := NewRegistry(nil, func() TopologyResolver { return topo }, nil)

	c, err := reg.Find(remoteEngine)
	assert.Nil(t, c)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMultiplePaths))
	assert.True(t, IsInternal(err))
	assert.Equal(t, 0, reg.Len())
}

func TestRegistry_FindWithoutResolver(t *testing.T) {
	reg := NewRegistry(nil, func() TopologyResolver { return nil }, nil)

	c, err := reg.Find(remoteEngine)
	assert.NoError(t, err)
	assert.Nil(t, c)
}

func TestRegistry_Reset(t *testing.T) {
	reg := NewRegistry(nil, nil, nil)
	reg.GetOrCreate(newFakeTransport(remoteEngine, VersionUnknown), EngineID{})
	reg.GetOrCreate(newFakeTransport(thirdEngine, VersionUnknown), EngineID{})
	require.Len(t, reg.Snapshot(), 2)

	reg.Reset()
	assert.Empty(t, reg.Snapshot())
	assert.True(t, reg.consistent())
}
