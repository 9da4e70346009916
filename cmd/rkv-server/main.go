// Command rkv-server runs one rkv node, as either a master or a
// replica of another rkv-server.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"rkv/internal/logging"
	"rkv/internal/server"
)

func main() {
	port := flag.Int("port", 6379, "port to listen on")
	host := flag.String("host", "0.0.0.0", "host to bind to")
	replicaOf := flag.String("replicaof", "", `start as a replica of "host port"`)
	dir := flag.String("dir", ".", "directory containing the RDB snapshot")
	dbFilename := flag.String("dbfilename", "dump.rdb", "RDB snapshot filename")
	debug := flag.Bool("debug", false, "enable development-mode logging")
	flag.Parse()

	logging.Init(*debug)
	defer logging.Sync()

	cfg := &server.Config{
		Host:           *host,
		Port:           *port,
		ReplicaOf:      *replicaOf,
		Dir:            *dir,
		DBFilename:     *dbFilename,
		MaxConnections: 10000,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		logging.L().Info("shutting down")
		cancel()
	}()

	srv := server.New(cfg)
	if err := srv.Run(ctx); err != nil {
		logging.L().Fatalw("server exited with error", "err", err)
	}
}
