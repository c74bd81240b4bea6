package netpool

import (
	"context"
	"net"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func startEchoListener(t *testing.T) net.Listener {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = listener.Close()
	})

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer func() {
					_ = conn.Close()
				}()
				buf := make([]byte, 64)
				for {
					n, err := conn.Read(buf)
					if err != nil {
						return
					}
					_, _ = conn.Write(buf[:n])
				}
			}(conn)
		}
	}()

	return listener
}

func TestAcquireReleaseReuses(t *testing.T) {
	listener := startEchoListener(t)

	pool := NewPool(PoolOptions{Address: listener.Addr().String()})
	defer func() {
		_ = pool.Close()
	}()

	conn, err := pool.Acquire(context.Background())
	require.NoError(t, err)

	pool.Release(conn)

	again, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	require.Same(t, conn, again)

	pool.Release(again)
}

func TestAcquireAfterCloseFails(t *testing.T) {
	listener := startEchoListener(t)

	pool := NewPool(PoolOptions{Address: listener.Addr().String()})
	require.NoError(t, pool.Close())

	_, err := pool.Acquire(context.Background())
	require.ErrorIs(t, err, ErrPoolClosed)
}

func TestPing(t *testing.T) {
	listener := startEchoListener(t)

	t.Run("DialOnly", func(t *testing.T) {
		pool := NewPool(PoolOptions{Address: listener.Addr().String()})
		defer func() {
			_ = pool.Close()
		}()

		require.NoError(t, pool.Ping(context.Background()))
	})

	t.Run("PingFuncRuns", func(t *testing.T) {
		pinged := false
		pool := NewPool(PoolOptions{
			Address: listener.Addr().String(),
			PingFunc: func(ctx context.Context, conn net.Conn) error {
				pinged = true

				_, err := conn.Write([]byte("ping"))
				if err != nil {
					return err
				}

				buf := make([]byte, 4)
				_, err = conn.Read(buf)
				return err
			},
		})
		defer func() {
			_ = pool.Close()
		}()

		require.NoError(t, pool.Ping(context.Background()))
		require.True(t, pinged)
	})

	t.Run("PingFuncFailureSurfaces", func(t *testing.T) {
		pool := NewPool(PoolOptions{
			Address: listener.Addr().String(),
			PingFunc: func(ctx context.Context, conn net.Conn) error {
				return errors.New("node said no")
			},
		})
		defer func() {
			_ = pool.Close()
		}()

		require.Error(t, pool.Ping(context.Background()))
	})

	t.Run("DeadEndpoint", func(t *testing.T) {
		dead, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		address := dead.Addr().String()
		require.NoError(t, dead.Close())

		pool := NewPool(PoolOptions{Address: address})
		require.Error(t, pool.Ping(context.Background()))
	})
}
