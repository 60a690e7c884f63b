package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/tamago-labs/asetta-agentd/internal/config"
	"github.com/tamago-labs/asetta-agentd/internal/directory"
	"github.com/tamago-labs/asetta-agentd/internal/engine"
	"github.com/tamago-labs/asetta-agentd/internal/llm"
	"github.com/tamago-labs/asetta-agentd/internal/registry"
	"github.com/tamago-labs/asetta-agentd/internal/server"
	"github.com/tamago-labs/asetta-agentd/internal/store"
)

func main() {
	configPath := flag.String("config", config.DefaultConfigPath(), "path to asetta config")
	socketPath := flag.String("socket", "", "override unix socket path")
	debug := flag.Bool("debug", false, "debug logging")
	showVersion := flag.Bool("version", false, "print version")
	flag.Parse()

	if *showVersion {
		fmt.Println("asettad dev")
		os.Exit(0)
	}

	cfg, err := config.LoadOrInit(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *socketPath != "" {
		cfg.Daemon.SocketPath = *socketPath
	}

	dbStore, err := store.Open(cfg.Daemon.DBPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open store: %v\n", err)
		os.Exit(1)
	}
	defer dbStore.Close()

	model, err := llm.NewOpenAIClient(cfg.Model)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to configure model client: %v\n", err)
		os.Exit(1)
	}

	reg := registry.New(cfg.Servers)
	invoker := registry.NewInvoker(reg, dbStore)
	dir := directory.New(dbStore, reg, cfg.StatusPolicy())
	eng := engine.New(model, invoker, dir, reg.WorkspaceRoot)
	eng.MaxWindow = cfg.Chat.MaxWindow
	eng.MaxToolRounds = cfg.Chat.MaxToolRounds

	srv := server.New(server.Deps{
		ConfigPath: *configPath,
		Config:     cfg,
		Store:      dbStore,
		Registry:   reg,
		Invoker:    invoker,
		Directory:  dir,
		Engine:     eng,
	})
	srv.SetDebug(*debug)
	if err := srv.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		os.Exit(1)
	}
}
