package main

import (
	"fmt"
	"net/http"
	"os"

	"github.com/comigor/sessiond/internal/broadcast"
	"github.com/comigor/sessiond/internal/config"
	"github.com/comigor/sessiond/internal/invoke"
	"github.com/comigor/sessiond/internal/logger"
	"github.com/comigor/sessiond/internal/server"
	"github.com/comigor/sessiond/internal/session"
	"github.com/comigor/sessiond/internal/store"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.L.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	logger.SetLevel(cfg.Log.Level)

	// Open the session store
	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		logger.L.Error("failed to open session store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	// Pick the invocation runner
	var inv invoke.Invoker
	switch cfg.Agent.Provider {
	case "openai":
		inv = invoke.NewOpenAI(cfg.Agent.OpenAI)
	default:
		inv = invoke.NewSubprocess(cfg.Agent.Command, cfg.Agent.Args)
	}

	orch := session.New(st, broadcast.New(), inv)
	srv := server.New(orch)

	// Start server
	serverAddr := fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port)
	logger.L.Info("starting server", "address", serverAddr)
	if err := http.ListenAndServe(serverAddr, srv.Handler()); err != nil {
		logger.L.Error("failed to start server", "error", err)
		os.Exit(1)
	}
}
