package replication

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"rkv/internal/logging"
	"rkv/internal/resp"
)

// Ack is one REPLCONF ACK offset observed from a replica, forwarded to
// the WAIT coordinator over Master.Acks().
type Ack struct {
	Addr   string
	Offset int64
}

// Replica is a master's view of one connected replica.
type Replica struct {
	Addr          string
	ListeningPort int

	subID  uint64
	ch     <-chan resp.Value
	offset atomic.Int64 // last acknowledged offset, checked by WAIT before it sends GETACK
}

// AckOffset returns the last offset this replica has acknowledged.
func (r *Replica) AckOffset() int64 { return r.offset.Load() }

// Master holds master-side replication state: the replica registry,
// the broadcast fan-out, and the running byte offset of everything
// broadcast so far.
type Master struct {
	ReplID string

	offset atomic.Int64
	bc     *broadcaster

	mu       sync.RWMutex
	replicas map[string]*Replica

	acks chan Ack
}

func NewMaster() *Master {
	return &Master{
		ReplID:   NewReplID(),
		bc:       newBroadcaster(),
		replicas: make(map[string]*Replica),
		acks:     make(chan Ack, 256),
	}
}

// Offset returns the current master_repl_offset.
func (m *Master) Offset() int64 { return m.offset.Load() }

// Acks returns the channel the WAIT coordinator drains for ACK
// offsets forwarded by replica reader loops.
func (m *Master) Acks() <-chan Ack { return m.acks }

// Replicas returns a snapshot of currently connected replicas.
func (m *Master) Replicas() []*Replica {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Replica, 0, len(m.replicas))
	for _, r := range m.replicas {
		out = append(out, r)
	}
	return out
}

// NumReplicas returns the number of currently connected replicas.
func (m *Master) NumReplicas() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.replicas)
}

// Broadcast publishes v (a write command) to every connected replica
// and advances master_repl_offset by its encoded byte length. The
// offset advances at broadcast time, not on ack.
func (m *Master) Broadcast(v resp.Value) {
	n := resp.EncodedLen(v)
	m.offset.Add(int64(n))
	m.bc.publish(v)
}

// AddOffset advances master_repl_offset by n bytes without publishing
// anything. The WAIT coordinator uses it to fold a GETACK's byte
// length in once the ack round is over.
func (m *Master) AddOffset(n int64) int64 {
	return m.offset.Add(n)
}

// PublishWithoutOffset fans v out to every connected replica without
// advancing master_repl_offset. The WAIT coordinator uses this to send
// REPLCONF GETACK, deferring the offset advance via AddOffset until
// its ack round is over so the GETACK doesn't inflate the very target
// offset the acks are measured against.
func (m *Master) PublishWithoutOffset(v resp.Value) {
	m.bc.publish(v)
}

// ServeReplica runs the master side of one replica connection: a
// writer goroutine forwarding broadcast messages, and a reader loop
// parsing REPLCONF ACK replies, until the connection closes or ctx is
// canceled. It blocks until both finish.
func (m *Master) ServeReplica(ctx context.Context, conn net.Conn, addr string, listeningPort int) error {
	subID, ch := m.bc.subscribe()
	r := &Replica{Addr: addr, ListeningPort: listeningPort, subID: subID, ch: ch}

	m.mu.Lock()
	m.replicas[addr] = r
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.replicas, addr)
		m.mu.Unlock()
		m.bc.unsubscribe(subID)
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.writerLoop(gctx, conn, r) })
	g.Go(func() error { return m.ackReaderLoop(gctx, conn, r) })
	g.Go(func() error {
		// Unblock the ack reader's pending Read once either loop ends
		// or ctx is canceled.
		<-gctx.Done()
		return conn.SetReadDeadline(time.Now())
	})

	err := g.Wait()
	if err != nil {
		logging.L().Infow("replica link closed", "addr", addr, "err", err)
	}
	return err
}

func (m *Master) writerLoop(ctx context.Context, conn net.Conn, r *Replica) error {
	w := bufio.NewWriter(conn)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case v, ok := <-r.ch:
			if !ok {
				return nil
			}
			if _, err := w.Write(resp.Encode(v)); err != nil {
				return fmt.Errorf("writing to replica %s: %w", r.Addr, err)
			}
			if err := w.Flush(); err != nil {
				return fmt.Errorf("flushing to replica %s: %w", r.Addr, err)
			}
		}
	}
}

// ackReaderLoop consumes REPLCONF ACK <offset> replies the replica
// sends back on the same connection and forwards the offsets to the
// WAIT coordinator's ack channel.
func (m *Master) ackReaderLoop(ctx context.Context, conn net.Conn, r *Replica) error {
	buf := make([]byte, 0, 4096)
	tmp := make([]byte, 4096)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		n, err := conn.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
			var frames []resp.Frame
			frames, buf, err = resp.DecodeFrames(buf)
			if err != nil {
				return fmt.Errorf("decoding ACK from replica %s: %w", r.Addr, err)
			}
			for _, f := range frames {
				offset, ok := parseAck(f.Value)
				if !ok {
					continue
				}
				r.offset.Store(offset)
				select {
				case m.acks <- Ack{Addr: r.Addr, Offset: offset}:
				default:
					// Wait coordinator isn't draining right now; the
					// stored r.offset above still reflects the latest
					// value for the next WAIT call.
				}
			}
		}
		if err != nil {
			return fmt.Errorf("reading from replica %s: %w", r.Addr, err)
		}
	}
}

func parseAck(v resp.Value) (int64, bool) {
	if v.Kind != resp.KindArray || len(v.Items) != 3 {
		return 0, false
	}
	parts := make([]string, 3)
	for i, item := range v.Items {
		b, ok := item.AsBulkString()
		if !ok {
			return 0, false
		}
		parts[i] = string(b)
	}
	if !strings.EqualFold(parts[0], "REPLCONF") || !strings.EqualFold(parts[1], "ACK") {
		return 0, false
	}
	offset, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return 0, false
	}
	return offset, true
}
