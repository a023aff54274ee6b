package scanner

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClamd answers PING with PONG and INSTREAM scans by checking
// whether the streamed payload contains the EICAR test marker.
func fakeClamd(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go serveFakeClamd(conn)
		}
	}()
	return ln.Addr().String()
}

func serveFakeClamd(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	for {
		cmd, err := r.ReadString(0)
		if err != nil {
			return
		}
		switch {
		case strings.HasPrefix(cmd, "zPING"):
			conn.Write([]byte("PONG\000"))
		case strings.HasPrefix(cmd, "zINSTREAM"):
			infected := readFakeInstream(r)
			if infected {
				conn.Write([]byte("stream: Eicar-Test-Signature FOUND\000"))
			} else {
				conn.Write([]byte("stream: OK\000"))
			}
		default:
			return
		}
	}
}

func readFakeInstream(r *bufio.Reader) bool {
	var payload []byte
	for {
		var size [4]byte
		if _, err := io.ReadFull(r, size[:]); err != nil {
			return false
		}
		n := int(size[0])<<24 | int(size[1])<<16 | int(size[2])<<8 | int(size[3])
		if n == 0 {
			break
		}
		chunk := make([]byte, n)
		if _, err := io.ReadFull(r, chunk); err != nil {
			return false
		}
		payload = append(payload, chunk...)
	}
	return bytes.Contains(payload, []byte("EICAR"))
}

func TestClamAVScannerCleanPayload(t *testing.T) {
	addr := fakeClamd(t)
	s, err := Connect(Parameters{Addr: addr, MaxConns: 2})
	require.NoError(t, err)
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	infected, _, err := s.Scan(ctx, []byte("hello world"))
	require.NoError(t, err)
	assert.False(t, infected)
}

func TestClamAVScannerInfectedPayload(t *testing.T) {
	addr := fakeClamd(t)
	s, err := Connect(Parameters{Addr: addr, MaxConns: 2})
	require.NoError(t, err)
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	infected, signature, err := s.Scan(ctx, []byte("contains EICAR marker"))
	require.NoError(t, err)
	assert.True(t, infected)
	assert.Contains(t, signature, "Eicar-Test-Signature")
}

func TestClamAVScannerRejectsUnreachableDaemon(t *testing.T) {
	_, err := Connect(Parameters{Addr: "127.0.0.1:1", DialTimeout: 100 * time.Millisecond})
	assert.Error(t, err)
}
