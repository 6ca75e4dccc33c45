package idgen

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGenerator_Next(t *testing.T) {
	require := require.New(t)

	var g Generator
	require.Equal(uint32(1), g.Next())
	require.Equal(uint32(2), g.Next())

	s := New()
	id1, id2 := s.Next(), s.Next()
	require.Equal(id1+1, id2)
}

func TestGenerator_Next16SkipsZero(t *testing.T) {
	require := require.New(t)

	var g Generator
	g.id.Store(0xfffe)
	require.Equal(uint16(0xffff), g.Next16())
	require.Equal(uint16(1), g.Next16())
	require.Equal([]byte{0x00, 0x02}, g.Bytes16())
}

func TestGenerator_Concurrent(t *testing.T) {
	require := require.New(t)

	g := New()
	seen := make(chan uint32, 1000)

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				seen <- g.Next()
			}
		}()
	}
	wg.Wait()
	close(seen)

	uniq := make(map[uint32]struct{})
	for id := range seen {
		uniq[id] = struct{}{}
	}
	require.Len(uniq, 1000)
}
