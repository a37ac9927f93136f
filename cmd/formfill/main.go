// Entry point for the formfill classification service — chi router,
// optional connectivity routes and MCP stdio.
package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hazyhaar/formfill/connectivity"
	"github.com/hazyhaar/formfill/element"
	"github.com/hazyhaar/formfill/fieldkeeper"
	"github.com/hazyhaar/formfill/profile"
	"github.com/hazyhaar/formfill/siterules"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	_ "modernc.org/sqlite"
)

func main() {
	port := env("PORT", "8086")
	dbPath := env("DB_PATH", "db/formfill.db")
	configPath := env("CONFIG_PATH", "")
	rulesPath := env("RULES_PATH", "")
	routesPath := env("ROUTES_DB", "")
	mcpTransport := env("MCP_TRANSPORT", "")
	logLevel := env("LOG_LEVEL", "info")

	var lvl slog.Level
	switch logLevel {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg := &fieldkeeper.Config{}
	if configPath != "" {
		loaded, err := fieldkeeper.LoadConfigFile(configPath)
		if err != nil {
			slog.Error("load config", "path", configPath, "error", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if cfg.DBPath == "" {
		cfg.DBPath = dbPath
	}
	if rulesPath != "" {
		cfg.RulesPath = rulesPath
	}

	keeper, err := fieldkeeper.New(cfg, logger)
	if err != nil {
		slog.Error("fieldkeeper", "error", err)
		os.Exit(1)
	}
	defer keeper.Close()

	if err := keeper.Start(ctx); err != nil {
		slog.Error("fieldkeeper start", "error", err)
		os.Exit(1)
	}

	// Optional connectivity router backed by a routes DB. Registers the
	// formfill_* services and hot-reloads route changes.
	if routesPath != "" {
		routesDB, err := connectivity.OpenDB(routesPath)
		if err != nil {
			slog.Error("routes db", "path", routesPath, "error", err)
			os.Exit(1)
		}
		defer routesDB.Close()

		router := connectivity.New(connectivity.WithLogger(logger))
		router.RegisterTransport("http", connectivity.HTTPFactory())
		keeper.RegisterConnectivity(router)
		if err := router.Reload(ctx, routesDB); err != nil {
			slog.Error("routes reload", "error", err)
			os.Exit(1)
		}
		go router.Watch(ctx, routesDB, 2*time.Second)
		defer router.Close()
	}

	// Optional MCP over stdio.
	if mcpTransport == "stdio" {
		mcpSrv := mcp.NewServer(&mcp.Implementation{
			Name:    "formfill",
			Version: "1.0.0",
		}, nil)
		keeper.RegisterMCP(mcpSrv)
		go func() {
			if err := mcpSrv.Run(ctx, &mcp.StdioTransport{}); err != nil && ctx.Err() == nil {
				slog.Error("mcp stdio", "error", err)
			}
		}()
	}

	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, 200, map[string]string{"status": "ok"})
	})

	r.Post("/api/classify", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			Snapshot *element.Snapshot `json:"snapshot"`
			Fragment string            `json:"fragment"`
			Hostname string            `json:"hostname"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeError(w, 400, err)
			return
		}
		snap := body.Snapshot
		if snap == nil {
			parsed, err := element.ParseSnapshot(body.Fragment, body.Hostname)
			if err != nil {
				writeError(w, 400, err)
				return
			}
			snap = parsed
		}
		field, err := keeper.Classify(req.Context(), snap)
		if err != nil {
			writeError(w, 500, err)
			return
		}
		writeJSON(w, 200, field)
	})

	r.Post("/api/correct", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			Snapshot  *element.Snapshot `json:"snapshot"`
			Corrected element.FieldType `json:"corrected"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeError(w, 400, err)
			return
		}
		if body.Snapshot == nil {
			writeJSON(w, 400, map[string]string{"error": "snapshot required"})
			return
		}
		if err := keeper.RecordCorrection(req.Context(), body.Snapshot, body.Corrected); err != nil {
			writeError(w, 400, err)
			return
		}
		writeJSON(w, 200, map[string]string{"status": "recorded"})
	})

	r.Post("/api/plan", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			Snapshots []*element.Snapshot `json:"snapshots"`
			Kind      profile.Kind        `json:"kind"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeError(w, 400, err)
			return
		}
		if body.Kind == "" {
			body.Kind = profile.KindPersonal
		}
		plan, err := keeper.PlanFill(req.Context(), body.Snapshots, body.Kind)
		if err != nil {
			writeError(w, 400, err)
			return
		}
		writeJSON(w, 200, plan)
	})

	r.Get("/api/stats", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, 200, keeper.CacheStats())
	})

	r.Post("/api/rules/reload", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			Rules []*siterules.SiteRule `json:"rules"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeError(w, 400, err)
			return
		}
		resp := map[string]any{"loaded": len(body.Rules)}
		if err := keeper.ReloadSiteRules(body.Rules); err != nil {
			resp["errors"] = err.Error()
		}
		writeJSON(w, 200, resp)
	})

	r.Post("/api/profiles/{kind}", func(w http.ResponseWriter, req *http.Request) {
		kind := profile.Kind(chi.URLParam(req, "kind"))
		var body map[element.FieldType]string
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeError(w, 400, err)
			return
		}
		for t, v := range body {
			if err := keeper.Profiles().Set(kind, t, v); err != nil {
				writeError(w, 400, err)
				return
			}
		}
		writeJSON(w, 200, map[string]string{"status": "ok"})
	})

	r.Get("/api/profiles/{kind}", func(w http.ResponseWriter, req *http.Request) {
		kind := profile.Kind(chi.URLParam(req, "kind"))
		writeJSON(w, 200, keeper.Profiles().Snapshot(kind))
	})

	r.Post("/api/sessions/{id}/step", func(w http.ResponseWriter, req *http.Request) {
		info, ok := keeper.CompleteStep(chi.URLParam(req, "id"))
		if !ok {
			writeJSON(w, 404, map[string]string{"error": "no active step session"})
			return
		}
		writeJSON(w, 200, info)
	})

	r.Delete("/api/sessions/{id}", func(w http.ResponseWriter, req *http.Request) {
		keeper.ResetSession(chi.URLParam(req, "id"))
		writeJSON(w, 200, map[string]string{"status": "reset"})
	})

	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		slog.Info("server starting", "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown", "error", err)
	}
	slog.Info("server stopped")
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}