package replication

import (
	"net"
	"strings"
	"testing"
	"time"

	"rkv/internal/resp"
)

func TestNewReplIDShape(t *testing.T) {
	id := NewReplID()
	if len(id) != 40 {
		t.Fatalf("expected 40 chars, got %d", len(id))
	}
	for _, c := range id {
		if !strings.ContainsRune(replIDAlphabet, c) {
			t.Fatalf("unexpected character %q in replid", c)
		}
	}
	if NewReplID() == id {
		t.Fatal("two generated replids should not collide")
	}
}

func TestParseFullresync(t *testing.T) {
	replID, ok := parseFullresync("+FULLRESYNC 8371b4fb1155b71f4a04d3e1bc3e18c4a990aeeb 0")
	if !ok || replID != "8371b4fb1155b71f4a04d3e1bc3e18c4a990aeeb" {
		t.Fatalf("got %q ok=%v", replID, ok)
	}
	if _, ok := parseFullresync("+OK"); ok {
		t.Fatal("expected ok=false for a non-FULLRESYNC line")
	}
	if _, ok := parseFullresync("+FULLRESYNC onlyonefield"); ok {
		t.Fatal("expected ok=false for a malformed FULLRESYNC line")
	}
}

func TestParseAck(t *testing.T) {
	ack := resp.Array([]resp.Value{
		resp.BulkStringFromString("REPLCONF"),
		resp.BulkStringFromString("ACK"),
		resp.BulkStringFromString("170"),
	})
	offset, ok := parseAck(ack)
	if !ok || offset != 170 {
		t.Fatalf("got offset=%d ok=%v", offset, ok)
	}

	notAck := resp.Array([]resp.Value{resp.BulkStringFromString("PING")})
	if _, ok := parseAck(notAck); ok {
		t.Fatal("expected ok=false for a non-ACK array")
	}
}

// TestApplyLoopOffsetAccounting drives a ReplicaLink over an in-memory
// pipe and checks that repl_offset advances by the exact wire length of
// every received command, and that a GETACK is answered with the
// offset accumulated before the GETACK itself.
func TestApplyLoopOffsetAccounting(t *testing.T) {
	masterSide, replicaSide := net.Pipe()
	defer masterSide.Close()

	link := &ReplicaLink{conn: replicaSide}

	var applied [][]resp.Value
	done := make(chan error, 1)
	go func() {
		done <- link.RunApplyLoop(func(args []resp.Value) error {
			applied = append(applied, args)
			return nil
		})
	}()

	set := resp.Encode(resp.Array([]resp.Value{
		resp.BulkStringFromString("SET"),
		resp.BulkStringFromString("k"),
		resp.BulkStringFromString("v"),
	}))
	if _, err := masterSide.Write(set); err != nil {
		t.Fatalf("writing SET: %v", err)
	}

	getack := resp.Encode(resp.Array([]resp.Value{
		resp.BulkStringFromString("REPLCONF"),
		resp.BulkStringFromString("GETACK"),
		resp.BulkStringFromString("*"),
	}))
	if _, err := masterSide.Write(getack); err != nil {
		t.Fatalf("writing GETACK: %v", err)
	}

	masterSide.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 256)
	n, err := masterSide.Read(buf)
	if err != nil {
		t.Fatalf("reading ACK reply: %v", err)
	}
	values, _, err := resp.Decode(buf[:n])
	if err != nil || len(values) != 1 {
		t.Fatalf("decoding ACK reply: %v %v", values, err)
	}
	offset, ok := parseAck(values[0])
	if !ok {
		t.Fatalf("expected a REPLCONF ACK reply, got %#v", values[0])
	}
	if offset != int64(len(set)) {
		t.Fatalf("ACK offset %d, want %d (the SET's wire length, not counting the GETACK)", offset, len(set))
	}

	// After the ack round, the GETACK's own bytes are part of the
	// running offset.
	want := int64(len(set) + len(getack))
	deadline := time.Now().Add(time.Second)
	for link.Offset() != want {
		if time.Now().After(deadline) {
			t.Fatalf("repl_offset %d, want %d", link.Offset(), want)
		}
		time.Sleep(time.Millisecond)
	}

	masterSide.Close()
	if err := <-done; err == nil {
		t.Fatal("apply loop should report a fatal error when the link closes")
	}

	if len(applied) != 1 || len(applied[0]) != 3 {
		t.Fatalf("expected exactly the SET to be applied, got %d commands", len(applied))
	}
}

// TestApplyLoopSkipsPing verifies that PING advances the offset but is
// never handed to apply.
func TestApplyLoopSkipsPing(t *testing.T) {
	masterSide, replicaSide := net.Pipe()
	defer masterSide.Close()

	link := &ReplicaLink{conn: replicaSide}

	done := make(chan error, 1)
	go func() {
		done <- link.RunApplyLoop(func(args []resp.Value) error {
			t.Errorf("PING should not be applied, got %v", args)
			return nil
		})
	}()

	ping := resp.Encode(resp.Array([]resp.Value{resp.BulkStringFromString("PING")}))
	if _, err := masterSide.Write(ping); err != nil {
		t.Fatalf("writing PING: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for link.Offset() != int64(len(ping)) {
		if time.Now().After(deadline) {
			t.Fatalf("repl_offset %d, want %d", link.Offset(), len(ping))
		}
		time.Sleep(time.Millisecond)
	}

	masterSide.Close()
	<-done
}

func TestBroadcastAdvancesMasterOffset(t *testing.T) {
	m := NewMaster()
	set := resp.Array([]resp.Value{
		resp.BulkStringFromString("SET"),
		resp.BulkStringFromString("k"),
		resp.BulkStringFromString("v"),
	})

	m.Broadcast(set)
	if got, want := m.Offset(), int64(resp.EncodedLen(set)); got != want {
		t.Fatalf("offset %d, want %d", got, want)
	}

	m.PublishWithoutOffset(set)
	if got, want := m.Offset(), int64(resp.EncodedLen(set)); got != want {
		t.Fatalf("PublishWithoutOffset must not move the offset: %d, want %d", got, want)
	}
}

func TestBroadcasterFanOut(t *testing.T) {
	b := newBroadcaster()
	id1, ch1 := b.subscribe()
	_, ch2 := b.subscribe()

	v := resp.SimpleString("PING")
	b.publish(v)

	for _, ch := range []<-chan resp.Value{ch1, ch2} {
		select {
		case got := <-ch:
			if got.Str != "PING" {
				t.Fatalf("got %#v", got)
			}
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive the published value")
		}
	}

	b.unsubscribe(id1)
	if _, open := <-ch1; open {
		t.Fatal("unsubscribed channel should be closed")
	}
}
