// Package command implements the command dispatcher: it looks up a
// command by name, routes arguments to the matching handler, enforces
// role-based restrictions (WAIT master-only, REPLCONF GETACK
// replica-only), and propagates successful writes to connected
// replicas. PSYNC is deliberately absent from the registry: it hijacks
// the raw connection (FULLRESYNC line, RDB frame, then a long-lived
// replica-writer goroutine), so internal/server intercepts it before
// it would reach this dispatcher.
package command

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"rkv/internal/replication"
	"rkv/internal/resp"
	"rkv/internal/store"
	"rkv/internal/wait"
)

// ConnKind distinguishes an ordinary client connection from a
// master<->replica replication link. A replication-kind connection
// suppresses replies to commands that would normally produce one.
type ConnKind int

const (
	KindMain ConnKind = iota
	KindReplication
)

// Conn is the per-connection state the dispatcher can read or mutate.
// REPLCONF listening-port stores into ListeningPort so the server can
// later register this connection's replica address correctly.
type Conn struct {
	Kind          ConnKind
	RemoteAddr    string
	ListeningPort int
	ID            string
}

// Config holds the CONFIG GET-visible, RDB-bootstrap-relevant server
// settings.
type Config struct {
	Dir        string
	DBFilename string
}

type handlerFunc func(c *Conn, args []resp.Value) (resp.Value, bool)

// Dispatcher routes a decoded command Array to its handler. One
// Dispatcher is shared by every connection goroutine.
type Dispatcher struct {
	store *store.Store

	role        replication.Role
	master      *replication.Master
	replicaLink *replication.ReplicaLink
	masterHost  string
	masterPort  int

	waitCoord *wait.Coordinator
	cfg       Config

	handlers map[string]handlerFunc
}

// NewMaster builds a Dispatcher for a server running as master.
func NewMaster(st *store.Store, m *replication.Master, cfg Config) *Dispatcher {
	d := &Dispatcher{
		store:     st,
		role:      replication.RoleMaster,
		master:    m,
		waitCoord: wait.New(m),
		cfg:       cfg,
	}
	d.registerCommands()
	return d
}

// NewReplica builds a Dispatcher for a server running as replica of
// masterHost:masterPort, with link being the already-handshaken
// connection back to that master (used for INFO's replication
// section). Commands arriving on the link itself are read by
// replication.ReplicaLink.RunApplyLoop, which answers GETACK and skips
// PING itself and hands every other command to this dispatcher with a
// replication-kind Conn.
func NewReplica(st *store.Store, link *replication.ReplicaLink, masterHost string, masterPort int, cfg Config) *Dispatcher {
	d := &Dispatcher{
		store:       st,
		role:        replication.RoleReplica,
		replicaLink: link,
		masterHost:  masterHost,
		masterPort:  masterPort,
		cfg:         cfg,
	}
	d.registerCommands()
	return d
}

func (d *Dispatcher) registerCommands() {
	d.handlers = map[string]handlerFunc{
		"PING":   func(c *Conn, args []resp.Value) (resp.Value, bool) { return d.handlePing(args) },
		"ECHO":   func(c *Conn, args []resp.Value) (resp.Value, bool) { return d.handleEcho(args) },
		"GET":    func(c *Conn, args []resp.Value) (resp.Value, bool) { return d.handleGet(args) },
		"SET":    func(c *Conn, args []resp.Value) (resp.Value, bool) { return d.handleSet(args) },
		"INFO":   func(c *Conn, args []resp.Value) (resp.Value, bool) { return d.handleInfo(args) },
		"CONFIG": func(c *Conn, args []resp.Value) (resp.Value, bool) { return d.handleConfig(args) },
		"KEYS":   func(c *Conn, args []resp.Value) (resp.Value, bool) { return d.handleKeys(args) },
		"TYPE":   func(c *Conn, args []resp.Value) (resp.Value, bool) { return d.handleType(args) },
		"XADD":   func(c *Conn, args []resp.Value) (resp.Value, bool) { return d.handleXadd(args) },
		"XRANGE": func(c *Conn, args []resp.Value) (resp.Value, bool) { return d.handleXrange(args) },
		"XREAD":  func(c *Conn, args []resp.Value) (resp.Value, bool) { return d.handleXread(args) },
		"WAIT":   func(c *Conn, args []resp.Value) (resp.Value, bool) { return d.handleWait(args) },
		"REPLCONF": d.handleReplconf,
	}
}

// Dispatch looks up args[0] (case-insensitively) and runs its
// handler. It returns the reply to write back (if hasReply is true;
// some replication-only exchanges, like REPLCONF ACK, never reply)
// and handles write propagation: a successful SET is broadcast to
// connected replicas as the original command array.
func (d *Dispatcher) Dispatch(c *Conn, args []resp.Value) (reply resp.Value, hasReply bool) {
	if len(args) == 0 {
		return resp.SimpleError("ERR empty command"), true
	}
	nameBytes, ok := args[0].AsBulkString()
	if !ok {
		return resp.SimpleError("ERR invalid command"), true
	}
	name := strings.ToUpper(string(nameBytes))

	handler, found := d.handlers[name]
	if !found {
		return resp.SimpleError(fmt.Sprintf("ERR unknown command '%s'", name)), true
	}

	reply, hasReply = handler(c, args[1:])

	succeeded := hasReply && reply.Kind != resp.KindSimpleError
	if name == "SET" && succeeded && d.role == replication.RoleMaster && d.master != nil {
		d.master.Broadcast(resp.Array(args))
	}

	return reply, hasReply
}

func errWrongArgs(cmd string) resp.Value {
	return resp.SimpleError(fmt.Sprintf("ERR wrong number of arguments for '%s' command", cmd))
}

func errSyntax() resp.Value {
	return resp.SimpleError("ERR syntax error")
}

func (d *Dispatcher) handlePing(args []resp.Value) (resp.Value, bool) {
	switch len(args) {
	case 0:
		return resp.SimpleString("PONG"), true
	case 1:
		b, ok := args[0].AsBulkString()
		if !ok {
			return errSyntax(), true
		}
		return resp.BulkString(b), true
	default:
		return errWrongArgs("ping"), true
	}
}

func (d *Dispatcher) handleEcho(args []resp.Value) (resp.Value, bool) {
	if len(args) != 1 {
		return errWrongArgs("echo"), true
	}
	b, ok := args[0].AsBulkString()
	if !ok {
		return errSyntax(), true
	}
	return resp.BulkString(b), true
}

func (d *Dispatcher) handleGet(args []resp.Value) (resp.Value, bool) {
	if len(args) != 1 {
		return errWrongArgs("get"), true
	}
	key, ok := args[0].AsBulkString()
	if !ok {
		return errSyntax(), true
	}
	value, found := d.store.GetString(string(key))
	if !found {
		return resp.NullBulkString(), true
	}
	return resp.BulkString(value), true
}

func (d *Dispatcher) handleSet(args []resp.Value) (resp.Value, bool) {
	if len(args) < 2 {
		return errWrongArgs("set"), true
	}
	key, ok := args[0].AsBulkString()
	if !ok {
		return errSyntax(), true
	}
	value, ok := args[1].AsBulkString()
	if !ok {
		return errSyntax(), true
	}

	var ttl time.Duration
	rest := args[2:]
	for len(rest) > 0 {
		opt, ok := rest[0].AsBulkString()
		if !ok {
			return errSyntax(), true
		}
		switch strings.ToUpper(string(opt)) {
		case "PX":
			if len(rest) < 2 {
				return errSyntax(), true
			}
			msText, ok := rest[1].AsBulkString()
			if !ok {
				return errSyntax(), true
			}
			ms, err := strconv.ParseInt(string(msText), 10, 64)
			if err != nil {
				return resp.SimpleError("ERR value is not an integer or out of range"), true
			}
			ttl = time.Duration(ms) * time.Millisecond
			rest = rest[2:]
		default:
			return errSyntax(), true
		}
	}

	d.store.SetString(string(key), value, ttl)
	return resp.SimpleString("OK"), true
}

func (d *Dispatcher) handleInfo(args []resp.Value) (resp.Value, bool) {
	var b strings.Builder
	b.WriteString("# Replication\r\n")
	if d.role == replication.RoleMaster {
		b.WriteString("role:master\r\n")
		fmt.Fprintf(&b, "master_replid:%s\r\n", d.master.ReplID)
		fmt.Fprintf(&b, "master_repl_offset:%d\r\n", d.master.Offset())
	} else {
		b.WriteString("role:slave\r\n")
		fmt.Fprintf(&b, "master_host:%s\r\n", d.masterHost)
		fmt.Fprintf(&b, "master_port:%d\r\n", d.masterPort)
		b.WriteString("master_link_status:up\r\n")
		var replID string
		var offset int64
		if d.replicaLink != nil {
			replID = d.replicaLink.MasterReplID
			offset = d.replicaLink.Offset()
		}
		fmt.Fprintf(&b, "master_replid:%s\r\n", replID)
		fmt.Fprintf(&b, "master_repl_offset:%d\r\n", offset)
	}
	return resp.BulkStringFromString(b.String()), true
}

// handleConfig implements CONFIG GET <param> [<param> ...], answering
// any number of requested parameters in one call. Unknown parameter
// names are silently omitted from the reply.
func (d *Dispatcher) handleConfig(args []resp.Value) (resp.Value, bool) {
	if len(args) < 2 {
		return errWrongArgs("config|get"), true
	}
	sub, ok := args[0].AsBulkString()
	if !ok || !strings.EqualFold(string(sub), "GET") {
		return resp.SimpleError("ERR unsupported CONFIG subcommand"), true
	}

	out := make([]resp.Value, 0, (len(args)-1)*2)
	for _, p := range args[1:] {
		name, ok := p.AsBulkString()
		if !ok {
			continue
		}
		val, found := d.configValue(string(name))
		if !found {
			continue
		}
		out = append(out, resp.BulkStringFromString(string(name)), resp.BulkStringFromString(val))
	}
	return resp.Array(out), true
}

func (d *Dispatcher) configValue(name string) (string, bool) {
	switch strings.ToLower(name) {
	case "dir":
		return d.cfg.Dir, true
	case "dbfilename":
		return d.cfg.DBFilename, true
	default:
		return "", false
	}
}

func (d *Dispatcher) handleKeys(args []resp.Value) (resp.Value, bool) {
	if len(args) != 1 {
		return errWrongArgs("keys"), true
	}
	pattern, ok := args[0].AsBulkString()
	if !ok {
		return errSyntax(), true
	}
	keys := d.store.Keys()
	sort.Strings(keys)
	out := make([]resp.Value, 0, len(keys))
	for _, k := range keys {
		if globMatch(string(pattern), k) {
			out = append(out, resp.BulkStringFromString(k))
		}
	}
	return resp.Array(out), true
}

func (d *Dispatcher) handleType(args []resp.Value) (resp.Value, bool) {
	if len(args) != 1 {
		return errWrongArgs("type"), true
	}
	key, ok := args[0].AsBulkString()
	if !ok {
		return errSyntax(), true
	}
	return resp.SimpleString(d.store.Type(string(key))), true
}

func (d *Dispatcher) handleWait(args []resp.Value) (resp.Value, bool) {
	if d.role != replication.RoleMaster {
		return resp.SimpleError("ERR WAIT is only valid on master"), true
	}
	if len(args) != 2 {
		return errWrongArgs("wait"), true
	}
	numText, ok := args[0].AsBulkString()
	if !ok {
		return errSyntax(), true
	}
	timeoutText, ok := args[1].AsBulkString()
	if !ok {
		return errSyntax(), true
	}
	num, err := strconv.Atoi(string(numText))
	if err != nil {
		return resp.SimpleError("ERR value is not an integer or out of range"), true
	}
	timeoutMs, err := strconv.ParseInt(string(timeoutText), 10, 64)
	if err != nil {
		return resp.SimpleError("ERR timeout is not an integer or out of range"), true
	}
	n := d.waitCoord.Wait(num, timeoutMs)
	return resp.Integer(n), true
}

// handleReplconf implements REPLCONF's client-facing subcommands.
// GETACK is only ever sent by a master to a replica on the replication
// link, and is answered there by replication.ReplicaLink.RunApplyLoop;
// reaching this dispatcher at all means it arrived from the wrong
// direction. ACK is one-way and consumed directly by
// replication.Master's per-replica reader loop; if it ever reaches
// this dispatcher it gets no reply.
func (d *Dispatcher) handleReplconf(c *Conn, args []resp.Value) (resp.Value, bool) {
	if len(args) < 1 {
		return errWrongArgs("replconf"), true
	}
	sub, ok := args[0].AsBulkString()
	if !ok {
		return errSyntax(), true
	}
	switch strings.ToUpper(string(sub)) {
	case "LISTENING-PORT":
		if len(args) < 2 {
			return errSyntax(), true
		}
		portText, ok := args[1].AsBulkString()
		if !ok {
			return errSyntax(), true
		}
		port, err := strconv.Atoi(string(portText))
		if err != nil {
			return resp.SimpleError("ERR invalid port"), true
		}
		c.ListeningPort = port
		return resp.SimpleString("OK"), true

	case "CAPA":
		return resp.SimpleString("OK"), true

	case "GETACK":
		return resp.SimpleError("ERR REPLCONF GETACK is only valid on a replica's replication link"), true

	case "ACK":
		return resp.Value{}, false

	default:
		return resp.SimpleError(fmt.Sprintf("ERR unknown REPLCONF option '%s'", sub)), true
	}
}
