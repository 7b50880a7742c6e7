// The server command is the core's entrypoint: load configuration, open
// both stores, stand up the coordinator and its discovery/stub sidecars,
// and run until signalled. Grounded on archon's cmd/server/main.go (stdlib
// flag, os/signal SIGTERM handling, chdir to the config directory so
// relative paths resolve), generalized from archon's single TCP frontend to
// the gameserver/discovery/webstub trio spec.md section 1/6 describes.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/fkserver/core/internal/buildinfo"
	"github.com/fkserver/core/internal/config"
	"github.com/fkserver/core/internal/corelog"
	"github.com/fkserver/core/internal/discovery"
	"github.com/fkserver/core/internal/gameserver"
	"github.com/fkserver/core/internal/store"
	"github.com/fkserver/core/internal/webstub"
)

var (
	configFlag  = flag.String("config", "./", "Path to the directory containing the server config file")
	portFlag    = flag.Int("port", 0, "TCP port to listen on (overrides the config file; falls back to a random port in [1024,65535] if out of range)")
	versionFlag = flag.Bool("version", false, "Print the server version and exit")
)

func init() {
	flag.BoolVar(versionFlag, "v", false, "Print the server version and exit (shorthand)")
	flag.IntVar(portFlag, "p", 0, "TCP port to listen on (shorthand)")
}

func main() {
	flag.Parse()

	if *versionFlag {
		fmt.Println(buildinfo.Version)
		os.Exit(0)
	}

	cfg, err := config.Load(*configFlag)
	if err != nil {
		fmt.Println("error loading config:", err)
		os.Exit(1)
	}

	// Change to the config directory so relative paths in the config file
	// (key paths, engine working directory, sqlite files) resolve.
	if abs, err := filepath.Abs(*configFlag); err == nil {
		_ = os.Chdir(abs)
	}

	if *portFlag != 0 {
		cfg.Port = config.ParsePort(*portFlag)
	} else {
		cfg.Port = config.ParsePort(cfg.Port)
	}

	if err := corelog.Init(cfg); err != nil {
		fmt.Println("error initializing logger:", err)
		os.Exit(1)
	}

	if err := run(cfg); err != nil {
		corelog.Log.Error(err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	accountsDB, err := store.Open(cfg.DatabaseURL(), corelog.Log.Level >= log.DebugLevel)
	if err != nil {
		return fmt.Errorf("opening accounts database: %w", err)
	}
	defer accountsDB.Close()
	if err := accountsDB.ApplyAccountsSchema(); err != nil {
		return fmt.Errorf("applying accounts schema: %w", err)
	}

	savesDB, err := store.Open(cfg.GameSavesDatabaseURL(), corelog.Log.Level >= log.DebugLevel)
	if err != nil {
		return fmt.Errorf("opening game-saves database: %w", err)
	}
	defer savesDB.Close()
	if err := savesDB.ApplyGameSavesSchema(); err != nil {
		return fmt.Errorf("applying game-saves schema: %w", err)
	}

	srv, err := gameserver.New(cfg, accountsDB, savesDB)
	if err != nil {
		return fmt.Errorf("initializing server: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("server: shutting down gracefully...")
		cancel()
		srv.Stop()
	}()

	addr := fmt.Sprintf("%s:%d", cfg.Hostname, cfg.Port)

	udpResponder, err := discovery.Listen(addr, srv)
	if err != nil {
		return fmt.Errorf("starting discovery responder: %w", err)
	}
	go func() {
		if err := udpResponder.Serve(); err != nil {
			log.Warnf("discovery: serve exited: %v", err)
		}
	}()
	defer udpResponder.Close()

	if cfg.Web.HTTPPort != 0 {
		stub := webstub.Listen(fmt.Sprintf("%s:%d", cfg.Hostname, cfg.Web.HTTPPort), srv)
		go func() {
			if err := stub.Serve(); err != nil {
				log.Warnf("webstub: serve exited: %v", err)
			}
		}()
		defer stub.Close()
	}

	log.Infof("server: listening on %s (tcp+udp), version %s", addr, buildinfo.Version)
	return srv.Listen(ctx, addr)
}
