package server

import (
	"bytes"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"rkv/internal/command"
	"rkv/internal/rdb"
	"rkv/internal/replication"
	"rkv/internal/store"
)

func newTestMaster() *Server {
	s := &Server{
		cfg:    DefaultConfig(),
		store:  store.New(),
		role:   replication.RoleMaster,
		master: replication.NewMaster(),
	}
	s.dispatcher = command.NewMaster(s.store, s.master, command.Config{
		Dir:        s.cfg.Dir,
		DBFilename: s.cfg.DBFilename,
	})
	return s
}

// exchange writes wire to a fresh connection handled by s and returns
// everything the server wrote back before the conversation idles.
func exchange(t *testing.T, s *Server, wire []byte) []byte {
	t.Helper()
	clientSide, serverSide := net.Pipe()
	defer clientSide.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.handleConnection(ctx, serverSide)

	if _, err := clientSide.Write(wire); err != nil {
		t.Fatalf("writing request: %v", err)
	}

	var out []byte
	buf := make([]byte, 4096)
	for {
		clientSide.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
		n, err := clientSide.Read(buf)
		out = append(out, buf[:n]...)
		if err != nil {
			return out
		}
	}
}

func TestPingAndEchoOverWire(t *testing.T) {
	s := newTestMaster()

	got := exchange(t, s, []byte("*1\r\n$4\r\nPING\r\n"))
	if string(got) != "+PONG\r\n" {
		t.Fatalf("got %q", got)
	}

	got = exchange(t, s, []byte("*2\r\n$4\r\nECHO\r\n$3\r\nhey\r\n"))
	if string(got) != "$3\r\nhey\r\n" {
		t.Fatalf("got %q", got)
	}
}

func TestSetGetWithExpiryOverWire(t *testing.T) {
	s := newTestMaster()

	got := exchange(t, s, []byte("*5\r\n$3\r\nSET\r\n$1\r\nk\r\n$1\r\nv\r\n$2\r\nPX\r\n$3\r\n100\r\n"))
	if string(got) != "+OK\r\n" {
		t.Fatalf("got %q", got)
	}

	got = exchange(t, s, []byte("*2\r\n$3\r\nGET\r\n$1\r\nk\r\n"))
	if string(got) != "$1\r\nv\r\n" {
		t.Fatalf("got %q", got)
	}

	time.Sleep(150 * time.Millisecond)

	got = exchange(t, s, []byte("*2\r\n$3\r\nGET\r\n$1\r\nk\r\n"))
	if string(got) != "$-1\r\n" {
		t.Fatalf("expected null bulk string after expiry, got %q", got)
	}
}

func TestPipelinedCommandsInOneWrite(t *testing.T) {
	s := newTestMaster()

	got := exchange(t, s, []byte("*1\r\n$4\r\nPING\r\n*1\r\n$4\r\nPING\r\n"))
	if string(got) != "+PONG\r\n+PONG\r\n" {
		t.Fatalf("got %q", got)
	}
}

// TestPsyncHandshake drives the full master-side handshake over one
// connection and checks the FULLRESYNC reply and RDB bootstrap frame.
func TestPsyncHandshake(t *testing.T) {
	s := newTestMaster()

	clientSide, serverSide := net.Pipe()
	defer clientSide.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.handleConnection(ctx, serverSide)

	step := func(req, wantReply string) {
		t.Helper()
		if _, err := clientSide.Write([]byte(req)); err != nil {
			t.Fatalf("writing %q: %v", req, err)
		}
		buf := make([]byte, 256)
		clientSide.SetReadDeadline(time.Now().Add(time.Second))
		n, err := clientSide.Read(buf)
		if err != nil {
			t.Fatalf("reading reply to %q: %v", req, err)
		}
		if string(buf[:n]) != wantReply {
			t.Fatalf("reply to %q: got %q, want %q", req, buf[:n], wantReply)
		}
	}

	step("*1\r\n$4\r\nPING\r\n", "+PONG\r\n")
	step("*3\r\n$8\r\nREPLCONF\r\n$14\r\nlistening-port\r\n$4\r\n6380\r\n", "+OK\r\n")
	step("*3\r\n$8\r\nREPLCONF\r\n$4\r\ncapa\r\n$6\r\npsync2\r\n", "+OK\r\n")

	if _, err := clientSide.Write([]byte("*3\r\n$5\r\nPSYNC\r\n$1\r\n?\r\n$2\r\n-1\r\n")); err != nil {
		t.Fatalf("writing PSYNC: %v", err)
	}

	var reply []byte
	buf := make([]byte, 4096)
	deadline := time.Now().Add(time.Second)
	for !bytes.Contains(reply, rdb.EmptyRDB) {
		clientSide.SetReadDeadline(deadline)
		n, err := clientSide.Read(buf)
		reply = append(reply, buf[:n]...)
		if err != nil {
			t.Fatalf("reading PSYNC reply: %v (so far %q)", err, reply)
		}
	}

	line, _, ok := strings.Cut(string(reply), "\r\n")
	if !ok || !strings.HasPrefix(line, "+FULLRESYNC ") {
		t.Fatalf("expected a FULLRESYNC line, got %q", line)
	}
	fields := strings.Fields(strings.TrimPrefix(line, "+"))
	if len(fields) != 3 || len(fields[1]) != 40 || fields[2] != "0" {
		t.Fatalf("malformed FULLRESYNC line %q", line)
	}

	deadline = time.Now().Add(time.Second)
	for s.master.NumReplicas() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("expected 1 registered replica, got %d", s.master.NumReplicas())
		}
		time.Sleep(time.Millisecond)
	}
}

// TestWritePropagationToReplicaLink checks that a SET accepted from a
// client is fanned out to a subscribed replica connection byte for
// byte, and that the master offset advances by its wire length.
func TestWritePropagationToReplicaLink(t *testing.T) {
	s := newTestMaster()

	replicaClient, replicaServer := net.Pipe()
	defer replicaClient.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.servePsync(ctx, replicaServer, &command.Conn{Kind: command.KindMain, ListeningPort: 6380})

	// Drain the FULLRESYNC line and RDB frame.
	handshake := make([]byte, 0, 256)
	buf := make([]byte, 4096)
	for !bytes.Contains(handshake, rdb.EmptyRDB) {
		replicaClient.SetReadDeadline(time.Now().Add(time.Second))
		n, err := replicaClient.Read(buf)
		handshake = append(handshake, buf[:n]...)
		if err != nil {
			t.Fatalf("draining handshake: %v", err)
		}
	}

	// Wait for the replica to be registered before issuing the write.
	deadline := time.Now().Add(time.Second)
	for s.master.NumReplicas() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("replica never registered")
		}
		time.Sleep(time.Millisecond)
	}

	setWire := []byte("*3\r\n$3\r\nSET\r\n$1\r\nk\r\n$1\r\nv\r\n")
	got := exchange(t, s, setWire)
	if string(got) != "+OK\r\n" {
		t.Fatalf("SET reply: %q", got)
	}

	replicaClient.SetReadDeadline(time.Now().Add(time.Second))
	n, err := replicaClient.Read(buf)
	if err != nil {
		t.Fatalf("reading propagated write: %v", err)
	}
	if string(buf[:n]) != string(setWire) {
		t.Fatalf("propagated %q, want %q", buf[:n], setWire)
	}

	if got, want := s.master.Offset(), int64(len(setWire)); got != want {
		t.Fatalf("master offset %d, want %d", got, want)
	}
}
