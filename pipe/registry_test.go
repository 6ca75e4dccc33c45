package pipe

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/arloliu/go-devcomm/logger"
	"github.com/arloliu/go-devcomm/transport"
)

func TestRegistry(t *testing.T) {
	require := require.New(t)

	srv := newEchoServer(t)
	reg := NewRegistry(WithLogger(logger.NewMockLogger().AllowAll()))

	var wg sync.WaitGroup
	pipes := make([]*Pipe, 10)
	for i := range pipes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := reg.Get("127.0.0.1", srv.port())
			if err == nil {
				pipes[i] = p
			}
		}()
	}
	wg.Wait()

	for _, p := range pipes {
		require.Same(pipes[0], p)
	}
	require.Equal(1, reg.Len())

	_, err := reg.Get("", srv.port())
	require.ErrorIs(err, ErrInvalidConfig)

	p := pipes[0]
	require.NoError(p.Do(context.Background(), func(ctx context.Context, conn *transport.Conn) error {
		return echo(ctx, conn, []byte("x"))
	}))

	// a pipe closed by its user is replaced on the next Get
	require.NoError(p.Close())
	fresh, err := reg.Get("127.0.0.1", srv.port())
	require.NoError(err)
	require.NotSame(p, fresh)
	require.False(fresh.IsClosed())

	var seen []string
	reg.Range(func(address string, _ *Pipe) bool {
		seen = append(seen, address)
		return true
	})
	require.Equal([]string{fresh.Config().Address()}, seen)

	require.NoError(reg.CloseAll())
	require.Zero(reg.Len())
	require.True(fresh.IsClosed())

	require.NoError(reg.Remove("127.0.0.1:1"))
}
