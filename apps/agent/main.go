package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"pilot-lite/apps/agent/internal/advisors"
	"pilot-lite/apps/agent/internal/auth"
	"pilot-lite/apps/agent/internal/config"
	"pilot-lite/apps/agent/internal/gateway"
	"pilot-lite/apps/agent/internal/ledger"
	"pilot-lite/apps/agent/internal/solverclient"
	"pilot-lite/budget"
	"pilot-lite/consistency"
	"pilot-lite/health"
	"pilot-lite/poker"
	"pilot-lite/safety"
	"pilot-lite/session"
	"pilot-lite/strategy"
)

func main() {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		log.Fatalf("[Agent] Failed to load config: %v", err)
	}

	ledgerService, ledgerMode, err := ledger.NewServiceFromEnv(cfg.Server.LedgerMode)
	if err != nil {
		log.Fatalf("[Agent] Failed to init ledger service: %v", err)
	}
	defer ledgerService.Close()

	operators, err := auth.NewManagerFromEnv()
	if err != nil {
		log.Fatalf("[Agent] Failed to init operator auth: %v", err)
	}
	if !operators.Configured() {
		log.Printf("[Agent] No operator password configured, control surface locked")
	}

	safeMode := safety.NewSafeMode()
	panicStop := safety.NewPanicStop(safeMode)

	metrics := health.NewMetricsStore(health.Thresholds{
		VisionMinConfidence:   cfg.Health.VisionMinConfidence,
		VisionMaxSampleAge:    cfg.VisionMaxAge(),
		SolverMaxLatencyMs:    cfg.Health.SolverMaxLatencyMs,
		SolverMaxSampleAge:    cfg.SolverMaxAge(),
		ExecutorMaxFailRate:   cfg.Health.ExecutorMaxFailRate,
		StrategyMaxDiverge:    cfg.Health.StrategyMaxDiverge,
		PanicConfidenceFrames: cfg.Safety.PanicConfidenceFrames,
		PanicMinConfidence:    cfg.Safety.PanicMinConfidence,
	}, panicStop)

	gw := gateway.New(operators, safeMode, panicStop)

	monitor := health.NewMonitor(health.MonitorConfig{
		Interval:       cfg.MonitorInterval(),
		AutoExit:       cfg.Safety.AutoExit,
		AutoExitStreak: cfg.Safety.AutoExitStreak,
	}, safeMode, panicStop)
	monitor.RegisterCheck("vision", func() (health.Status, error) { return metrics.BuildVisionStatus(), nil })
	monitor.RegisterCheck("solver", func() (health.Status, error) { return metrics.BuildSolverStatus(), nil })
	monitor.RegisterCheck("executor", func() (health.Status, error) { return metrics.BuildExecutorStatus(), nil })
	monitor.RegisterCheck("strategy", func() (health.Status, error) { return metrics.BuildStrategyStatus(), nil })
	monitor.Start()
	defer monitor.Stop()

	go snapshotFanout(monitor, ledgerService, gw, cfg.MonitorInterval())

	solver, err := solverclient.New(cfg.Solver.URL, cfg.Solver.CacheEntries)
	if err != nil {
		log.Fatalf("[Agent] Failed to init solver client: %v", err)
	}

	sess := session.New(session.Config{
		Tracker: budget.NewTracker(cfg.Budget.TotalMs, budget.Allocation{
			budget.ComponentPerception: cfg.Budget.PerceptionMs,
			budget.ComponentGTO:        cfg.Budget.GtoMs,
			budget.ComponentAgents:     cfg.Budget.AgentsMs,
			budget.ComponentSynthesis:  cfg.Budget.SynthesisMs,
			budget.ComponentExecution:  cfg.Budget.ExecutionMs,
			budget.ComponentBuffer:     cfg.Budget.BufferMs,
		}),
		Solver:   solver,
		Advisors: advisors.New(cfg.Advisors.Endpoints),
		Decider: strategy.NewBlender(strategy.Config{
			AdvisorInfluence: cfg.Strategy.AdvisorInfluence,
			MinConsensus:     cfg.Strategy.MinConsensus,
		}),
		Checker:   consistency.NewChecker(cfg.Consistency.Tolerance),
		Metrics:   metrics,
		SafeMode:  safeMode,
		PanicStop: panicStop,
		Recorder:  ledgerService,

		GtoBudgetMs: cfg.Budget.GtoMs,
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", gw.HandleWebSocket)
	mux.HandleFunc("/api/login", handleLogin(operators))
	mux.HandleFunc("/api/frames", handleFrame(sess, gw))
	mux.HandleFunc("/api/execution", handleExecution(sess))
	mux.HandleFunc("/api/audit/cycles", handleAuditCycles(operators, ledgerService))
	mux.HandleFunc("/api/audit/snapshots", handleAuditSnapshots(operators, ledgerService))
	mux.HandleFunc("/health", handleHealth(monitor))

	addr := cfg.Server.ListenAddr
	server := &http.Server{Addr: addr, Handler: mux}

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		log.Printf("[Agent] Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	log.Printf("[Agent] Session: %s", sess.ID())
	log.Printf("[Agent] Ledger mode: %s", ledgerMode)
	log.Printf("[Agent] Starting on %s", addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("[Agent] Failed to start: %v", err)
	}
}

// snapshotFanout copies each new monitor snapshot into the ledger and out to
// the gateway observers.
func snapshotFanout(monitor *health.Monitor, ledgerService ledger.Service, gw *gateway.Gateway, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastID string
	for range ticker.C {
		snapshot := monitor.LatestSnapshot()
		if snapshot == nil || snapshot.ID == lastID {
			continue
		}
		lastID = snapshot.ID
		ledgerService.RecordSnapshot(*snapshot)
		gw.BroadcastSnapshot(*snapshot)
	}
}

func handleLogin(operators *auth.Manager) http.HandlerFunc {
	type loginRequest struct {
		Password string `json:"password"`
	}
	type loginResponse struct {
		Token string `json:"token"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req loginRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		token, err := operators.Login(req.Password)
		if err != nil {
			http.Error(w, "invalid credentials", http.StatusUnauthorized)
			return
		}
		writeJSON(w, loginResponse{Token: token})
	}
}

func handleFrame(sess *session.Session, gw *gateway.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var frame poker.Frame
		if err := json.NewDecoder(r.Body).Decode(&frame); err != nil {
			http.Error(w, "invalid frame", http.StatusBadRequest)
			return
		}
		if frame.HandID == "" {
			http.Error(w, "missing hand_id", http.StatusBadRequest)
			return
		}

		record, err := sess.OnFrame(r.Context(), frame)
		if err != nil {
			log.Printf("[Agent] Cycle failed: hand=%s err=%v", frame.HandID, err)
			http.Error(w, "decision cycle failed", http.StatusInternalServerError)
			return
		}
		gw.BroadcastCycle(record)
		writeJSON(w, record)
	}
}

func handleExecution(sess *session.Session) http.HandlerFunc {
	type executionRequest struct {
		Success bool `json:"success"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req executionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		sess.ReportExecution(req.Success)
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleAuditCycles(operators *auth.Manager, ledgerService ledger.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !authorized(operators, r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		items, err := ledgerService.ListRecentCycles(r.Context(),
			r.URL.Query().Get("session_id"), queryLimit(r))
		if err != nil {
			http.Error(w, "ledger query failed", http.StatusInternalServerError)
			return
		}
		writeJSON(w, items)
	}
}

func handleAuditSnapshots(operators *auth.Manager, ledgerService ledger.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !authorized(operators, r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		items, err := ledgerService.ListRecentSnapshots(r.Context(), queryLimit(r))
		if err != nil {
			http.Error(w, "ledger query failed", http.StatusInternalServerError)
			return
		}
		writeJSON(w, items)
	}
}

func handleHealth(monitor *health.Monitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snapshot := monitor.LatestSnapshot()
		if snapshot == nil {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"overall":"unknown"}`))
			return
		}
		writeJSON(w, snapshot)
	}
}

func authorized(operators *auth.Manager, r *http.Request) bool {
	return operators.ResolveSession(r.Header.Get("X-Session-Token"))
}

func queryLimit(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil {
		return 0
	}
	return n
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[Agent] Encode response: %v", err)
	}
}
