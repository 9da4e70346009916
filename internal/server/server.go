// Package server implements the connection accept loop and process
// wiring: it owns the listener, builds the right command.Dispatcher
// for the configured role, bootstraps the keyspace from an on-disk
// RDB file (or, for a replica, from the handshake's bootstrap frame),
// and special-cases PSYNC by handing the raw connection off to the
// replication package instead of routing it through the dispatcher.
package server

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"rkv/internal/command"
	"rkv/internal/logging"
	"rkv/internal/rdb"
	"rkv/internal/replication"
	"rkv/internal/resp"
	"rkv/internal/store"
)

// Server owns one rkv-server process's listener, keyspace, and
// command dispatcher.
type Server struct {
	cfg *Config

	store      *store.Store
	role       replication.Role
	master     *replication.Master
	replica    *replication.ReplicaLink
	dispatcher *command.Dispatcher

	listener net.Listener

	connCount atomic.Int64
}

// New builds a Server from cfg. Role, dispatcher, and keyspace content
// are established later by Run, since bootstrapping a replica requires
// network I/O (the handshake) that doesn't belong in a constructor.
func New(cfg *Config) *Server {
	return &Server{
		cfg:   cfg,
		store: store.New(),
	}
}

// Run bootstraps the keyspace and replication role, opens the
// listener, and serves connections until ctx is canceled. It returns
// the first fatal error encountered (listener setup, or an
// unrecoverable accept-loop error); a clean shutdown via ctx
// cancellation returns nil.
func (s *Server) Run(ctx context.Context) error {
	if err := s.bootstrap(ctx); err != nil {
		return err
	}

	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("server: listening on %s: %w", addr, err)
	}
	s.listener = ln
	logging.L().Infow("server listening", "addr", addr, "role", s.role)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		return s.listener.Close()
	})
	g.Go(func() error {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if gctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("server: accept: %w", err)
			}
			if s.cfg.MaxConnections > 0 && s.connCount.Load() >= int64(s.cfg.MaxConnections) {
				conn.Close()
				continue
			}
			s.connCount.Add(1)
			go func() {
				defer s.connCount.Add(-1)
				s.handleConnection(gctx, conn)
			}()
		}
	})
	return g.Wait()
}

// bootstrap loads any on-disk RDB snapshot, then either wires up
// master state directly or performs the replica handshake against
// --replicaof. The handshake must complete before the listener opens.
func (s *Server) bootstrap(ctx context.Context) error {
	s.loadRDBFile()

	if s.cfg.ReplicaOf == "" {
		s.role = replication.RoleMaster
		s.master = replication.NewMaster()
		s.dispatcher = command.NewMaster(s.store, s.master, command.Config{
			Dir:        s.cfg.Dir,
			DBFilename: s.cfg.DBFilename,
		})
		return nil
	}

	s.role = replication.RoleReplica
	return s.startReplica(ctx)
}

func (s *Server) startReplica(ctx context.Context) error {
	host, portText, ok := strings.Cut(strings.TrimSpace(s.cfg.ReplicaOf), " ")
	if !ok {
		return fmt.Errorf("server: invalid --replicaof %q, want \"host port\"", s.cfg.ReplicaOf)
	}
	masterPort, err := strconv.Atoi(portText)
	if err != nil {
		return fmt.Errorf("server: invalid master port in --replicaof %q: %w", s.cfg.ReplicaOf, err)
	}
	masterAddr := net.JoinHostPort(host, portText)

	link, rdbBytes, err := replication.Handshake(masterAddr, s.cfg.Port)
	if err != nil {
		return fmt.Errorf("server: replica handshake with %s: %w", masterAddr, err)
	}
	s.replica = link

	if entries, derr := rdb.Load(bytes.NewReader(rdbBytes), time.Now()); derr != nil {
		logging.L().Warnw("rdb: bootstrap frame from master was unparseable, starting empty", "err", derr)
	} else {
		s.installEntries(entries)
	}

	s.dispatcher = command.NewReplica(s.store, link, host, masterPort, command.Config{
		Dir:        s.cfg.Dir,
		DBFilename: s.cfg.DBFilename,
	})

	go func() {
		apply := func(args []resp.Value) error {
			s.dispatcher.Dispatch(&command.Conn{Kind: command.KindReplication}, args)
			return nil
		}
		// A fatal error on the replication link ends the replica
		// process; there is no reconnect.
		if err := link.RunApplyLoop(apply); err != nil {
			logging.L().Fatalw("replication link failed", "master", masterAddr, "err", err)
		}
	}()

	return nil
}

// loadRDBFile loads cfg.Dir/cfg.DBFilename into the keyspace if it
// exists. Any failure (missing file, malformed contents) is logged
// and the server continues with an empty keyspace.
func (s *Server) loadRDBFile() {
	path := filepath.Join(s.cfg.Dir, s.cfg.DBFilename)
	f, err := os.Open(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logging.L().Warnw("rdb: could not open dump file, starting empty", "path", path, "err", err)
		}
		return
	}
	defer f.Close()

	entries, err := rdb.Load(f, time.Now())
	if err != nil {
		logging.L().Warnw("rdb: bootstrap load failed, starting empty", "path", path, "err", err)
		return
	}
	s.installEntries(entries)
	logging.L().Infow("rdb: bootstrap load complete", "path", path, "keys", len(entries))
}

func (s *Server) installEntries(entries []rdb.Entry) {
	now := time.Now()
	for _, e := range entries {
		var ttl time.Duration
		if !e.ExpiresAt.IsZero() {
			ttl = e.ExpiresAt.Sub(now)
			if ttl <= 0 {
				continue
			}
		}
		s.store.LoadEntry(e.Key, &store.Entry{
			Kind:      store.KindString,
			Str:       e.Value,
			CreatedAt: now,
			TTL:       ttl,
		})
	}
}

// handleConnection decodes RESP command arrays off conn and dispatches
// each to s.dispatcher, writing back replies as they're produced. A
// PSYNC command is intercepted before reaching the dispatcher: it
// hijacks the connection into a long-lived replica link instead of a
// normal request/reply exchange.
func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	addr := conn.RemoteAddr().String()
	c := &command.Conn{Kind: command.KindMain, RemoteAddr: addr, ID: uuid.NewString()}
	logging.L().Debugw("client connected", "addr", addr, "session", c.ID)
	defer logging.L().Debugw("client disconnected", "addr", addr, "session", c.ID)

	buf := make([]byte, 0, 1024)
	tmp := make([]byte, 1024)

	for {
		n, rerr := conn.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
			var values []resp.Value
			var derr error
			values, buf, derr = resp.Decode(buf)
			if derr != nil {
				conn.Write(resp.Encode(resp.SimpleError("ERR Protocol error: " + derr.Error())))
				return
			}
			for _, v := range values {
				if v.Kind != resp.KindArray || len(v.Items) == 0 {
					continue
				}
				if isPsync(v.Items) {
					s.servePsync(ctx, conn, c)
					return
				}
				reply, hasReply := s.dispatcher.Dispatch(c, v.Items)
				if !hasReply {
					continue
				}
				if _, werr := conn.Write(resp.Encode(reply)); werr != nil {
					return
				}
			}
		}
		if rerr != nil {
			return
		}
	}
}

func isPsync(args []resp.Value) bool {
	name, ok := args[0].AsBulkString()
	return ok && strings.EqualFold(string(name), "PSYNC")
}

// servePsync implements the master side of the handshake tail: it
// replies FULLRESYNC, sends the empty-RDB bootstrap frame, then
// blocks for the lifetime of the connection running it as a replica
// link.
func (s *Server) servePsync(ctx context.Context, conn net.Conn, c *command.Conn) {
	if s.role != replication.RoleMaster {
		conn.Write(resp.Encode(resp.SimpleError("ERR PSYNC is only valid on master")))
		return
	}

	fullresync := resp.SimpleString(fmt.Sprintf("FULLRESYNC %s 0", s.master.ReplID))
	if _, err := conn.Write(resp.Encode(fullresync)); err != nil {
		return
	}
	if _, err := conn.Write(resp.Encode(resp.RDBFile(rdb.EmptyRDB))); err != nil {
		return
	}

	addr := conn.RemoteAddr().String()
	logging.L().Infow("replica completed handshake", "addr", addr, "listening_port", c.ListeningPort)
	if err := s.master.ServeReplica(ctx, conn, addr, c.ListeningPort); err != nil {
		logging.L().Infow("replica link ended", "addr", addr, "err", err)
	}
}
