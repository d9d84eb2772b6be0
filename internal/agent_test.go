package internal

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pipehttp/pipehttp/internal/model"
)

func TestAgentRoutesByOrigin(t *testing.T) {
	originA := serve(t, func(t *testing.T, conn net.Conn) {
		br := bufio.NewReader(conn)
		readHead(br)
		conn.Write([]byte("HTTP/1.1 200 OK\r\ncontent-length: 1\r\n\r\nA"))
		io.Copy(io.Discard, conn)
	})
	originB := serve(t, func(t *testing.T, conn net.Conn) {
		br := bufio.NewReader(conn)
		readHead(br)
		conn.Write([]byte("HTTP/1.1 200 OK\r\ncontent-length: 1\r\n\r\nB"))
		io.Copy(io.Discard, conn)
	})

	a := NewAgent(&AgentOptions{Pool: PoolOptions{Connections: 1}})
	t.Cleanup(func() { a.Destroy(nil) })

	hA, hB := newRecHandler(), newRecHandler()
	a.Dispatch(&model.DispatchOptions{Origin: originA, Method: "GET", Path: "/"}, hA)
	a.Dispatch(&model.DispatchOptions{Origin: originB, Method: "GET", Path: "/"}, hB)
	hA.wait(t)
	hB.wait(t)
	require.Equal(t, "A", hA.bodyString())
	require.Equal(t, "B", hB.bodyString())

	a.mu.RLock()
	pools := len(a.pools)
	a.mu.RUnlock()
	require.Equal(t, 2, pools)
}

func TestAgentRejectsMissingOrigin(t *testing.T) {
	a := NewAgent(nil)
	h := newRecHandler()
	a.Dispatch(&model.DispatchOptions{Method: "GET", Path: "/"}, h)
	h.wait(t)
	require.Error(t, h.lastErr())
}

func TestAgentEvictsIdlePool(t *testing.T) {
	// connection: close makes the client drop the socket right after the
	// response, leaving the pool idle and empty
	origin := serve(t, func(t *testing.T, conn net.Conn) {
		br := bufio.NewReader(conn)
		readHead(br)
		conn.Write([]byte("HTTP/1.1 200 OK\r\ncontent-length: 5\r\nconnection: close\r\n\r\nhello"))
		io.Copy(io.Discard, conn)
	})

	a := NewAgent(&AgentOptions{Pool: PoolOptions{Connections: 1}})
	t.Cleanup(func() { a.Destroy(nil) })

	h := newRecHandler()
	a.Dispatch(&model.DispatchOptions{Origin: origin, Method: "GET", Path: "/"}, h)
	h.wait(t)
	require.NoError(t, h.lastErr())
	require.Equal(t, "hello", h.bodyString())

	eventually(t, func() bool {
		a.mu.RLock()
		defer a.mu.RUnlock()
		return len(a.pools) == 0
	}, "idle pool should be evicted")
}

// redirectOrigin serves count requests, each scripted by reply(i).
func redirectOrigin(t *testing.T, count int, reply func(i int) string) string {
	scripts := make([]func(*testing.T, net.Conn), count)
	for i := 0; i < count; i++ {
		i := i
		scripts[i] = func(t *testing.T, conn net.Conn) {
			br := bufio.NewReader(conn)
			if _, err := readHead(br); err != nil {
				t.Errorf("read request: %v", err)
				return
			}
			conn.Write([]byte(reply(i)))
			io.Copy(io.Discard, conn)
		}
	}
	return serve(t, scripts...)
}

func TestRedirectChainFollowed(t *testing.T) {
	originC := redirectOrigin(t, 1, func(int) string { return resp200hello })
	originB := redirectOrigin(t, 1, func(int) string {
		return fmt.Sprintf("HTTP/1.1 302 Found\r\nlocation: %s/\r\ncontent-length: 2\r\nconnection: close\r\n\r\ngo", originC)
	})
	originA := redirectOrigin(t, 1, func(int) string {
		return fmt.Sprintf("HTTP/1.1 302 Found\r\nlocation: %s/\r\ncontent-length: 2\r\nconnection: close\r\n\r\ngo", originB)
	})

	a := NewAgent(&AgentOptions{Pool: PoolOptions{Connections: 1}})
	t.Cleanup(func() { a.Destroy(nil) })
	ra := NewRedirectAgent(a, 10)

	h := newRecHandler()
	ra.Dispatch(&model.DispatchOptions{Origin: originA, Method: "GET", Path: "/"}, h)
	h.wait(t)
	require.NoError(t, h.lastErr())
	// the 3xx hops never surface
	require.Equal(t, 1, h.headersN)
	require.Equal(t, 200, h.status)
	require.Equal(t, "hello", h.bodyString())
}

func TestRedirectBudgetExhausted(t *testing.T) {
	// every reply redirects to /loop on the same origin
	origin := redirectOrigin(t, 3, func(i int) string {
		return "HTTP/1.1 302 Found\r\nlocation: /loop\r\ncontent-length: 0\r\nconnection: close\r\n\r\n"
	})

	a := NewAgent(&AgentOptions{Pool: PoolOptions{Connections: 1}})
	t.Cleanup(func() { a.Destroy(nil) })
	ra := NewRedirectAgent(a, 2)

	h := newRecHandler()
	ra.Dispatch(&model.DispatchOptions{Origin: origin, Method: "GET", Path: "/"}, h)
	h.wait(t)
	// the budget ran out; the last 3xx is delivered as-is
	require.NoError(t, h.lastErr())
	require.Equal(t, 302, h.status)
}

func TestRedirect303RewritesToGet(t *testing.T) {
	gotSecond := make(chan string, 1)
	target := serve(t, func(t *testing.T, conn net.Conn) {
		br := bufio.NewReader(conn)
		head, err := readHead(br)
		if err != nil {
			t.Errorf("read target request: %v", err)
			return
		}
		gotSecond <- head
		conn.Write([]byte(resp200hello))
		io.Copy(io.Discard, conn)
	})
	origin := serve(t, func(t *testing.T, conn net.Conn) {
		br := bufio.NewReader(conn)
		readHead(br)
		// swallow the POST body
		body := make([]byte, 3)
		io.ReadFull(br, body)
		conn.Write([]byte("HTTP/1.1 303 See Other\r\nlocation: " + target + "/done\r\ncontent-length: 0\r\nconnection: close\r\n\r\n"))
		io.Copy(io.Discard, conn)
	})

	a := NewAgent(&AgentOptions{Pool: PoolOptions{Connections: 1}})
	t.Cleanup(func() { a.Destroy(nil) })
	ra := NewRedirectAgent(a, 5)

	h := newRecHandler()
	ra.Dispatch(&model.DispatchOptions{
		Origin:  origin,
		Method:  "POST",
		Path:    "/submit",
		Body:    "abc",
		Headers: []model.Header{{Name: "Content-Type", Value: "text/plain"}},
	}, h)
	h.wait(t)
	require.NoError(t, h.lastErr())
	require.Equal(t, 200, h.status)

	head := <-gotSecond
	require.True(t, strings.HasPrefix(head, "GET /done"), "303 must rewrite to GET, got %q", head)
	require.NotContains(t, strings.ToLower(head), "content-type")
}
