// Package scanner implements the Scanner plugin capability trait: a
// virus-scan service a post-queue rule directive calls with the full
// message body, getting back whether it's infected.
//
// Grounded directly on the original vsmtp ClamAV plugin's wire
// protocol: clamd's INSTREAM command is a length-prefixed chunk stream
// terminated by a zero-length chunk, with the reply read until a NUL
// byte. No ecosystem ClamAV client exists anywhere in the examples
// pack (confirmed by grep across every go.mod in the retrieval set),
// so this one trait is implemented directly over stdlib net/bufio
// rather than a wrapped library — the exception documented in
// DESIGN.md, not a default choice.
package scanner

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"time"
)

// instreamCmd is clamd's streaming scan command, NUL-terminated per
// the clamd protocol.
const instreamCmd = "zINSTREAM\000"

// pingCmd/pongReply implement clamd's liveness check.
const pingCmd = "zPING\000"
const pongReply = "PONG"

// safeToken is the substring clamd's INSTREAM reply contains when no
// signature matched.
const safeToken = "OK"

// Scanner is the capability trait a rule directive programs against
// at the pre/post-queue stage.
type Scanner interface {
	Scan(ctx context.Context, data []byte) (infected bool, signature string, err error)
	Close() error
}

// Parameters mirrors the connect() parameter map of the original
// plugin: an address plus a connection pool size.
type Parameters struct {
	Addr        string
	MaxConns    int
	DialTimeout time.Duration
}

func (p Parameters) withDefaults() Parameters {
	if p.MaxConns <= 0 {
		p.MaxConns = 4
	}
	if p.DialTimeout <= 0 {
		p.DialTimeout = 10 * time.Second
	}
	return p
}

// ClamAVScanner is the concrete Scanner backend: a small connection
// pool over clamd's TCP INSTREAM protocol.
type ClamAVScanner struct {
	params Parameters
	conns  chan net.Conn
}

// Connect dials one clamd connection to confirm the daemon is reachable
// before returning; the pool's remaining slots start empty and are
// dialed on first use by acquire.
func Connect(params Parameters) (*ClamAVScanner, error) {
	params = params.withDefaults()
	s := &ClamAVScanner{params: params, conns: make(chan net.Conn, params.MaxConns)}

	conn, err := s.dial()
	if err != nil {
		return nil, err
	}
	s.conns <- conn
	for i := 1; i < params.MaxConns; i++ {
		s.conns <- nil
	}
	return s, nil
}

func (s *ClamAVScanner) dial() (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", s.params.Addr, s.params.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("scanner: dialing clamd at %s: %w", s.params.Addr, err)
	}
	if err := ping(conn); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

func ping(conn net.Conn) error {
	if _, err := conn.Write([]byte(pingCmd)); err != nil {
		return fmt.Errorf("scanner: sending PING: %w", err)
	}
	reply, err := readUntilNUL(conn, 16)
	if err != nil {
		return fmt.Errorf("scanner: reading PING reply: %w", err)
	}
	if !bytes.Contains(reply, []byte(pongReply)) {
		return fmt.Errorf("scanner: clamd did not answer PONG to PING")
	}
	return nil
}

// acquire takes a pooled connection, lazily dialing a fresh one if the
// pool slot was empty (e.g. because a prior connection was dropped
// after an error).
func (s *ClamAVScanner) acquire(ctx context.Context) (net.Conn, error) {
	select {
	case conn := <-s.conns:
		if conn != nil {
			return conn, nil
		}
		return s.dial()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *ClamAVScanner) release(conn net.Conn) {
	select {
	case s.conns <- conn:
	default:
	}
}

// Scan streams data to clamd using the INSTREAM protocol and reports
// whether the reply names a matched signature.
func (s *ClamAVScanner) Scan(ctx context.Context, data []byte) (bool, string, error) {
	conn, err := s.acquire(ctx)
	if err != nil {
		return false, "", err
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if err := writeInstream(conn, data); err != nil {
		conn.Close()
		s.release(nil)
		return false, "", err
	}

	reply, err := readUntilNUL(conn, 64)
	if err != nil {
		conn.Close()
		s.release(nil)
		return false, "", fmt.Errorf("scanner: reading scan reply: %w", err)
	}
	_ = conn.SetDeadline(time.Time{})
	s.release(conn)

	text := string(bytes.TrimRight(reply, "\x00"))
	if bytes.Contains(reply, []byte(safeToken)) {
		return false, "", nil
	}
	return true, text, nil
}

// writeInstream sends the zINSTREAM command, one length-prefixed chunk
// per max-sized slice of data, followed by the empty-chunk footer.
func writeInstream(conn net.Conn, data []byte) error {
	w := bufio.NewWriter(conn)
	if _, err := w.WriteString(instreamCmd); err != nil {
		return fmt.Errorf("scanner: sending INSTREAM: %w", err)
	}

	const maxChunk = 1 << 20
	for len(data) > 0 {
		chunk := data
		if len(chunk) > maxChunk {
			chunk = data[:maxChunk]
		}
		var size [4]byte
		binary.BigEndian.PutUint32(size[:], uint32(len(chunk)))
		if _, err := w.Write(size[:]); err != nil {
			return fmt.Errorf("scanner: writing chunk length: %w", err)
		}
		if _, err := w.Write(chunk); err != nil {
			return fmt.Errorf("scanner: writing chunk: %w", err)
		}
		data = data[len(chunk):]
	}

	var footer [4]byte // zero-length chunk terminates the stream
	if _, err := w.Write(footer[:]); err != nil {
		return fmt.Errorf("scanner: writing footer: %w", err)
	}
	return w.Flush()
}

// readUntilNUL reads from conn, bufferSize bytes at a time, until a NUL
// byte appears in the accumulated buffer.
func readUntilNUL(conn net.Conn, bufferSize int) ([]byte, error) {
	var full []byte
	buf := make([]byte, bufferSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			full = append(full, buf[:n]...)
			if bytes.IndexByte(full, 0) >= 0 {
				return full, nil
			}
		}
		if err != nil {
			return nil, err
		}
	}
}

// Close drains and closes every pooled connection.
func (s *ClamAVScanner) Close() error {
	close(s.conns)
	var firstErr error
	for conn := range s.conns {
		if conn == nil {
			continue
		}
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
