package delivery

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeSMTPServer accepts one connection and drives it through a scripted
// conversation, reporting each RCPT TO reply from rcptReplies (by order).
func fakeSMTPServer(t *testing.T, rcptReplies []string, dataReply string) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		w := bufio.NewWriter(conn)
		r := bufio.NewReader(conn)

		fmt.Fprintf(w, "220 fake.test ESMTP\r\n")
		w.Flush()

		readLine := func() string {
			line, _ := r.ReadString('\n')
			return strings.TrimSpace(line)
		}

		line := readLine() // EHLO
		_ = line
		fmt.Fprintf(w, "250-fake.test\r\n250 PIPELINING\r\n")
		w.Flush()

		readLine() // MAIL FROM
		fmt.Fprintf(w, "250 2.1.0 OK\r\n")
		w.Flush()

		for _, rr := range rcptReplies {
			readLine() // RCPT TO
			fmt.Fprintf(w, "%s\r\n", rr)
			w.Flush()
		}

		readLine() // DATA
		fmt.Fprintf(w, "354 Start input\r\n")
		w.Flush()

		for {
			l, err := r.ReadString('\n')
			if err != nil || strings.TrimSpace(l) == "." {
				break
			}
		}
		fmt.Fprintf(w, "%s\r\n", dataReply)
		w.Flush()

		readLine() // QUIT
		fmt.Fprintf(w, "221 2.0.0 Bye\r\n")
		w.Flush()
	}()

	return ln.Addr().String()
}

func newTestWorker(t *testing.T, addr string) *BasicWorker {
	t.Helper()
	_, port, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	w := NewBasicWorker(nil, BasicWorkerConfig{HeloDomain: "relay.test", ConnectTimeout: 2 * time.Second, CommandTimeout: 5 * time.Second})
	w.port = port
	return w
}

func TestDeliverToHostAllRecipientsAccepted(t *testing.T) {
	addr := fakeSMTPServer(t, []string{"250 2.1.5 OK", "250 2.1.5 OK"}, "250 2.0.0 Queued")
	w := newTestWorker(t, addr)
	host, _, _ := net.SplitHostPort(addr)

	info := &RemoteInformation{}
	attempt, err := w.deliverToHost(context.Background(), host, "sender@relay.test", []string{"a@b.test", "c@d.test"}, []byte("Subject: hi\r\n\r\nbody\r\n"), info)
	require.NoError(t, err)
	require.Len(t, attempt.PerRecipient, 2)
	for _, pr := range attempt.PerRecipient {
		require.Equal(t, ActionDelivered, pr.Action)
	}
	require.Equal(t, StageSMTPDataEnd, info.Stage)
}

func TestDeliverToHostOneRecipientRejected(t *testing.T) {
	addr := fakeSMTPServer(t, []string{"250 2.1.5 OK", "550 5.1.1 No such user"}, "250 2.0.0 Queued")
	w := newTestWorker(t, addr)
	host, _, _ := net.SplitHostPort(addr)

	info := &RemoteInformation{}
	attempt, err := w.deliverToHost(context.Background(), host, "sender@relay.test", []string{"a@b.test", "bad@d.test"}, []byte("Subject: hi\r\n\r\nbody\r\n"), info)
	require.NoError(t, err)

	byAddr := map[string]Action{}
	for _, pr := range attempt.PerRecipient {
		byAddr[pr.Address] = pr.Action
	}
	require.Equal(t, ActionDelivered, byAddr["a@b.test"])
	require.Equal(t, ActionFailed, byAddr["bad@d.test"])
}

func TestDeliverToHostAllRecipientsRejectedSkipsData(t *testing.T) {
	addr := fakeSMTPServerNoData(t, []string{"550 5.1.1 No such user"})
	w := newTestWorker(t, addr)
	host, _, _ := net.SplitHostPort(addr)

	info := &RemoteInformation{}
	attempt, err := w.deliverToHost(context.Background(), host, "sender@relay.test", []string{"bad@d.test"}, []byte("x"), info)
	require.NoError(t, err)
	require.Equal(t, ActionFailed, attempt.PerRecipient[0].Action)
}

// fakeSMTPServerNoData behaves like fakeSMTPServer but expects the client
// to RSET instead of proceeding to DATA when every RCPT TO is rejected.
func fakeSMTPServerNoData(t *testing.T, rcptReplies []string) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		w := bufio.NewWriter(conn)
		r := bufio.NewReader(conn)

		fmt.Fprintf(w, "220 fake.test ESMTP\r\n")
		w.Flush()
		readLine := func() string {
			line, _ := r.ReadString('\n')
			return strings.TrimSpace(line)
		}

		readLine() // EHLO
		fmt.Fprintf(w, "250 fake.test\r\n")
		w.Flush()

		readLine() // MAIL FROM
		fmt.Fprintf(w, "250 2.1.0 OK\r\n")
		w.Flush()

		for _, rr := range rcptReplies {
			readLine() // RCPT TO
			fmt.Fprintf(w, "%s\r\n", rr)
			w.Flush()
		}

		readLine() // RSET
		fmt.Fprintf(w, "250 2.0.0 OK\r\n")
		w.Flush()
	}()

	return ln.Addr().String()
}
