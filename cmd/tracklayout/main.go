// File path: cmd/tracklayout/main.go
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"

	"github.com/railforge/tracklayout/internal/api"
	"github.com/railforge/tracklayout/internal/changes"
	"github.com/railforge/tracklayout/internal/common"
	"github.com/railforge/tracklayout/internal/extid"
	"github.com/railforge/tracklayout/internal/publication"
	"github.com/railforge/tracklayout/internal/store"
	"github.com/railforge/tracklayout/internal/store/memory"
	"github.com/railforge/tracklayout/internal/store/sqlite"
)

// layoutStore is the combined persistence surface both backends implement.
type layoutStore interface {
	store.Store
	store.PublicationLog
	store.SplitStore
}

func main() {
	logger := common.Logger()

	if err := godotenv.Load(); err != nil {
		logger.Warn("tracklayout: .env file not loaded", "error", err)
	} else {
		logger.Info("tracklayout: environment loaded from .env")
	}

	addr := flag.String("addr", ":8080", "listen address")
	dbPath := flag.String("db", defaultDBPath(), "path to the SQLite layout database")
	inMemory := flag.Bool("memory", false, "run with the in-memory store instead of SQLite")
	resolution := flag.Float64("resolution", 1, "address sampling interval in metres")
	flag.Parse()

	logger.Info("tracklayout: startup initiated", "addr", *addr, "db", *dbPath, "memory", *inMemory)

	var backing layoutStore
	if *inMemory {
		backing = memory.NewStore()
		logger.Info("tracklayout: using in-memory store")
	} else {
		if dir := filepath.Dir(*dbPath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				logger.Error("tracklayout: create data directory failed", "error", err)
				fmt.Println("data directory error:", err)
				os.Exit(1)
			}
		}
		st, err := sqlite.Open(*dbPath)
		if err != nil {
			logger.Error("tracklayout: sqlite store initialization failed", "error", err)
			fmt.Println("store error:", err)
			os.Exit(1)
		}
		defer st.Close()
		backing = st
	}

	validator := publication.NewValidator(backing, backing,
		publication.WithValidationResolution(*resolution))
	engine := changes.NewEngine(backing, changes.WithResolution(*resolution))

	managerOpts := []publication.ManagerOption{}
	if root := strings.TrimSpace(os.Getenv("TRACKLAYOUT_OID_ROOT")); root != "" {
		managerOpts = append(managerOpts, publication.WithOidProvider(extid.NewFakeProvider(root)))
		logger.Info("tracklayout: oid provider configured", "root", root)
	}
	manager := publication.NewManager(backing, backing, backing, validator, engine, managerOpts...)

	cfg := api.DefaultConfig()
	cfg.AddressResolution = *resolution
	server, err := api.NewServer(backing, backing, backing, manager, validator, engine, &cfg)
	if err != nil {
		logger.Error("tracklayout: server construction failed", "error", err)
		fmt.Println("server error:", err)
		os.Exit(1)
	}

	logger.Info("tracklayout: server listening", "addr", *addr, "health", "/healthz")
	fmt.Printf("Serving on %s\n", *addr)
	reachable := *addr
	if strings.HasPrefix(reachable, ":") {
		reachable = "localhost" + reachable
	}
	logger.Info("tracklayout: verify reachability", "suggestion", fmt.Sprintf("curl http://%s/healthz", reachable))
	if err := http.ListenAndServe(*addr, server); err != nil {
		logger.Error("tracklayout: server stopped", "error", err)
		fmt.Println("server stopped:", err)
	}
}

func defaultDBPath() string {
	if env := strings.TrimSpace(os.Getenv("LAYOUT_SQLITE_PATH")); env != "" {
		return env
	}
	return filepath.Join("data", "layout.db")
}
