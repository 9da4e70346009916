// Package wait implements the WAIT coordinator: it sends a single
// REPLCONF GETACK to every connected replica, collects ACK offsets off
// the master's ack channel, and reports how many replicas had caught
// up to the master's offset as of the WAIT call by the deadline.
package wait

import (
	"time"

	"rkv/internal/replication"
	"rkv/internal/resp"
)

// pollInterval is the cadence at which the coordinator drains the ack
// channel while waiting for replicas to catch up.
const pollInterval = 50 * time.Millisecond

// Coordinator implements WAIT against a single master's replication
// state.
type Coordinator struct {
	master *replication.Master
}

func New(m *replication.Master) *Coordinator {
	return &Coordinator{master: m}
}

// Wait implements `WAIT numreplicas timeout_ms`: it returns the
// number of replicas caught up to the master's offset at call time,
// with the wanted count clamped to the number of connected replicas.
func (c *Coordinator) Wait(numReplicas int, timeoutMs int64) int64 {
	replicas := c.master.Replicas()
	n := len(replicas)

	desired := numReplicas
	if desired > n {
		desired = n
	}

	target := c.master.Offset()
	if target == 0 {
		// No writes have been broadcast yet: every replica is
		// vacuously in sync.
		return int64(n)
	}

	satisfied := make(map[string]bool, n)
	for _, r := range replicas {
		if r.AckOffset() >= target {
			satisfied[r.Addr] = true
		}
	}

	if len(satisfied) >= desired {
		return int64(len(satisfied))
	}

	deadline := time.Now().Add(time.Duration(timeoutMs) * time.Millisecond)

	getack := resp.Array([]resp.Value{
		resp.BulkStringFromString("REPLCONF"),
		resp.BulkStringFromString("GETACK"),
		resp.BulkStringFromString("*"),
	})
	laterBytes := int64(resp.EncodedLen(getack))
	c.master.PublishWithoutOffset(getack)

	acks := c.master.Acks()
	for len(satisfied) < desired && time.Now().Before(deadline) {
		time.Sleep(pollInterval)
		drainAcks(acks, target, satisfied)
	}

	// Fold the GETACK's byte length into master_repl_offset now that
	// the ack round is over: the very next WAIT must not be
	// immediately satisfied by these stale acks.
	c.master.AddOffset(laterBytes)

	return int64(len(satisfied))
}

// drainAcks consumes every ack currently queued on ch without
// blocking, marking any replica whose reported offset has reached
// target as satisfied.
func drainAcks(ch <-chan replication.Ack, target int64, satisfied map[string]bool) {
	for {
		select {
		case ack, ok := <-ch:
			if !ok {
				return
			}
			if ack.Offset >= target {
				satisfied[ack.Addr] = true
			}
		default:
			return
		}
	}
}
