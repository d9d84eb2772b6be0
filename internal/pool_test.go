package internal

import (
	"bufio"
	"net"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pipehttp/pipehttp/internal/model"
)

func TestPoolReusesOneClient(t *testing.T) {
	var conns atomic.Int32
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conns.Add(1)
			go func(conn net.Conn) {
				defer conn.Close()
				br := bufio.NewReader(conn)
				for {
					if _, err := readHead(br); err != nil {
						return
					}
					conn.Write([]byte(resp200hello))
				}
			}(conn)
		}
	}()

	p, err := NewPool("http://"+ln.Addr().String(), &PoolOptions{Connections: 4})
	require.NoError(t, err)
	t.Cleanup(func() { p.Destroy(nil) })

	// sequential requests land on the first, never-busy client
	for i := 0; i < 4; i++ {
		h := newRecHandler()
		p.Dispatch(get("/"), h)
		h.wait(t)
		require.NoError(t, h.lastErr())
		require.Equal(t, "hello", h.bodyString())
	}
	require.Equal(t, int32(1), conns.Load())
	require.Equal(t, 1, p.Connected())
}

func TestPoolSpillsToSecondClient(t *testing.T) {
	release := make(chan struct{})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				br := bufio.NewReader(conn)
				for {
					if _, err := readHead(br); err != nil {
						return
					}
					<-release
					conn.Write([]byte(resp200hello))
				}
			}(conn)
		}
	}()

	p, err := NewPool("http://"+ln.Addr().String(), &PoolOptions{Connections: 2})
	require.NoError(t, err)
	t.Cleanup(func() { p.Destroy(nil) })

	// the first member saturates (pipelining 1), so the second dispatch
	// must pick another client and open a second connection
	h1, h2 := newRecHandler(), newRecHandler()
	p.Dispatch(get("/"), h1)
	p.Dispatch(get("/"), h2)
	eventually(t, func() bool { return p.Connected() == 2 }, "second client should connect")
	close(release)
	h1.wait(t)
	h2.wait(t)
	require.NoError(t, h1.lastErr())
	require.NoError(t, h2.lastErr())
}

func TestPoolDispatchRejectsAfterDestroy(t *testing.T) {
	p, err := NewPool("http://127.0.0.1:1", &PoolOptions{Connections: 1})
	require.NoError(t, err)
	require.NoError(t, p.Destroy(nil))

	h := newRecHandler()
	p.Dispatch(get("/"), h)
	h.wait(t)
	require.Error(t, h.lastErr())
}

var _ model.Handler = (*recHandler)(nil)
