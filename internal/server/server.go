// Package server orchestrates a fabric node: broker connection, registry,
// routing policy, transport client, heartbeat monitor, journal, HTTP health.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	comms "github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/morezero/agent-fabric/internal/config"
	"github.com/morezero/agent-fabric/pkg/balancer"
	"github.com/morezero/agent-fabric/pkg/bootstrap"
	"github.com/morezero/agent-fabric/pkg/breaker"
	"github.com/morezero/agent-fabric/pkg/commsutil"
	"github.com/morezero/agent-fabric/pkg/events"
	"github.com/morezero/agent-fabric/pkg/heartbeat"
	"github.com/morezero/agent-fabric/pkg/journal"
	"github.com/morezero/agent-fabric/pkg/metrics"
	"github.com/morezero/agent-fabric/pkg/protocol"
	"github.com/morezero/agent-fabric/pkg/registry"
	"github.com/morezero/agent-fabric/pkg/security"
	"github.com/morezero/agent-fabric/pkg/transport"
)

const logPrefix = "server:server"

// Server is the fabric node orchestrator.
type Server struct {
	cfg        *config.Config
	nc         *comms.Conn
	pool       *pgxpool.Pool
	httpServer *http.Server
	reg        *registry.Registry
	brk        *breaker.Breaker
	client     *transport.Client
	monitor    *heartbeat.Monitor
	collector  *metrics.Collector
	startedAt  time.Time
}

// Run starts the fabric node, blocks until shutdown signal, then cleans up.
func Run() error {
	// Setup structured logging
	var logLevel slog.Level
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("%s - failed to load config: %w", logPrefix, err)
	}

	switch cfg.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))

	slog.Info(fmt.Sprintf("%s - Starting agent-fabric node", logPrefix))

	if err := cfg.ValidateForServe(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := &Server{cfg: cfg, startedAt: time.Now()}

	// Step 1: Load bootstrap topology
	topo, err := bootstrap.Load(cfg.BootstrapFile)
	if err != nil {
		return fmt.Errorf("%s - failed to load bootstrap topology: %w", logPrefix, err)
	}

	// Step 2: Connect to COMMS
	nc, err := commsutil.Connect(commsutil.ConnectParams{URL: cfg.COMMSURL, Name: cfg.COMMSName})
	if err != nil {
		return fmt.Errorf("%s - failed to connect to COMMS: %w", logPrefix, err)
	}
	s.nc = nc

	// Step 3: Delivery journal (optional)
	var recorder journal.Recorder = &journal.NoOpRecorder{}
	if cfg.JournalEnabled {
		pool, err := journal.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			nc.Close()
			return fmt.Errorf("%s - failed to connect to database: %w", logPrefix, err)
		}
		if err := journal.EnsureSchema(ctx, pool); err != nil {
			pool.Close()
			nc.Close()
			return fmt.Errorf("%s - failed to ensure journal schema: %w", logPrefix, err)
		}
		s.pool = pool
		recorder = journal.NewPGRecorder(pool)
	}

	// Step 4: Security manager (present only when key material is configured)
	var secManager *security.Manager
	if cfg.SigningSecret != "" || cfg.EncryptionKey != "" {
		var keys security.KeyProvider
		if cfg.EncryptionKey != "" {
			provider, err := security.NewStaticKeyProvider(cfg.EncryptionKey)
			if err != nil {
				s.closePool()
				nc.Close()
				return fmt.Errorf("%s - bad FABRIC_ENCRYPTION_KEY: %w", logPrefix, err)
			}
			keys = provider
		}
		secManager = security.NewManager(security.NewManagerParams{
			SigningSecret: []byte(cfg.SigningSecret),
			Keys:          keys,
		})
	}

	// Step 5: Registry, balancer, breaker, metrics, transport client.
	// Every registry/breaker event refreshes the node gauge on its way to COMMS.
	collector := metrics.NewCollector(nil)
	s.collector = collector
	commsPub := events.NewCommsPublisher(nc, nil)
	publisher := events.NewCallbackPublisher(func(ctx context.Context, event *events.FabricEvent) error {
		if s.reg != nil {
			collector.SetRegisteredNodes(s.reg.Count())
		}
		return commsPub.Publish(ctx, event)
	})

	reg := registry.NewRegistry(registry.NewRegistryParams{
		Publisher: publisher,
		Config: registry.Config{
			OverloadThreshold: cfg.OverloadThreshold,
			StaleAfter:        cfg.StaleAfter,
		},
	})
	s.reg = reg

	strategy, err := balancer.New(cfg.BalancerStrategy)
	if err != nil {
		s.closePool()
		nc.Close()
		return fmt.Errorf("%s - bad FABRIC_BALANCER: %w", logPrefix, err)
	}

	brk := breaker.NewBreaker(breaker.NewBreakerParams{
		Config:    breaker.Config{FailureThreshold: cfg.BreakerThreshold, Cooldown: cfg.BreakerCooldown},
		Publisher: publisher,
		OnChange: func(target string, from, to breaker.State) {
			collector.SetCircuitState(target, string(to))
		},
	})
	s.brk = brk

	localDesc := protocol.AgentDescriptor{
		AgentID:      cfg.AgentID,
		AgentType:    cfg.AgentType,
		InstanceID:   cfg.InstanceID,
		Capabilities: cfg.CapabilityList(),
	}
	client, err := transport.NewClient(transport.NewClientParams{
		Local:     localDesc,
		Registry:  reg,
		Broker:    transport.NewCommsBroker(nc),
		Balancer:  strategy,
		Breaker:   brk,
		Security:  secManager,
		Journal:   recorder,
		Metrics:   collector,
		Publisher: publisher,
		Policy: transport.Policy{
			DefaultTimeout: cfg.CallTimeout,
			TTLSeconds:     cfg.TTLSeconds,
			RetryLimit:     cfg.RetryLimit,
			RateLimit:      cfg.RateLimit,
			RequireAuth:    cfg.RequireAuth,
			EncryptData:    cfg.EncryptData,
			BatchEnabled:   cfg.BatchEnabled,
			BatchSize:      cfg.BatchSize,
			BatchTimeout:   cfg.BatchTimeout,
		},
	})
	if err != nil {
		s.closePool()
		nc.Close()
		return fmt.Errorf("%s - failed to build transport client: %w", logPrefix, err)
	}
	s.client = client

	// Step 6: Register the local agent and seed the bootstrap topology
	if err := reg.Register(ctx, localDesc, cfg.MaxCapacity); err != nil {
		s.closePool()
		nc.Close()
		return fmt.Errorf("%s - failed to register local agent: %w", logPrefix, err)
	}
	bootstrap.Seed(ctx, reg, topo)
	collector.SetRegisteredNodes(reg.Count())

	// Step 7: Start the receive loop and the heartbeat monitor
	if err := client.Start(); err != nil {
		s.closePool()
		nc.Close()
		return fmt.Errorf("%s - failed to start receive loop: %w", logPrefix, err)
	}
	monitor, err := heartbeat.NewMonitor(heartbeat.NewMonitorParams{
		Registry: reg,
		Prober:   client,
		Metrics:  collector,
		Config: heartbeat.Config{
			Interval:     cfg.HeartbeatInterval,
			ProbeTimeout: cfg.ProbeTimeout,
		},
	})
	if err != nil {
		client.Close(ctx)
		s.closePool()
		nc.Close()
		return fmt.Errorf("%s - failed to build heartbeat monitor: %w", logPrefix, err)
	}
	monitor.Start(ctx)
	s.monitor = monitor

	// Step 8: Start HTTP server (status page, health, metrics)
	healthTimeout := cfg.HealthCheckTimeout
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleHome())
	mux.HandleFunc("/node/", s.handleNodeDetail())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		healthCtx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		defer cancel()
		h := s.health(healthCtx)
		w.Header().Set("Content-Type", "application/json")
		if h.Status != "healthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(h)
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
	})
	mux.Handle("/metrics", promhttp.Handler())

	httpAddr := cfg.HTTPAddr
	if httpAddr == "" {
		httpAddr = fmt.Sprintf(":%d", cfg.HTTPPort)
	}
	s.httpServer = &http.Server{Addr: httpAddr, Handler: mux}
	go func() {
		slog.Info(fmt.Sprintf("%s - HTTP server listening on %s", logPrefix, httpAddr))
		if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error(fmt.Sprintf("%s - HTTP server error: %v", logPrefix, err))
		}
	}()

	slog.Info(fmt.Sprintf("%s - Fabric node %s is ready", logPrefix, cfg.AgentID))

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info(fmt.Sprintf("%s - Received signal %s, shutting down", logPrefix, sig))

	// Graceful shutdown
	monitor.Stop()
	client.Close(ctx)
	s.httpServer.Shutdown(ctx)
	nc.Drain()
	s.closePool()

	slog.Info(fmt.Sprintf("%s - Shutdown complete", logPrefix))
	return nil
}

func (s *Server) closePool() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// healthChecks reports each dependency probe. Journal is true when the
// journal is disabled or its database answers a ping.
type healthChecks struct {
	Broker  bool `json:"broker"`
	Journal bool `json:"journal"`
}

// healthOutput is the /health response body.
type healthOutput struct {
	Status        string         `json:"status"`
	Checks        healthChecks   `json:"checks"`
	Nodes         int            `json:"nodes"`
	Circuits      map[string]int `json:"circuits,omitempty"`
	UptimeSeconds int64          `json:"uptime_seconds"`
	Timestamp     string         `json:"timestamp"`
}

// health computes the node's current health view.
func (s *Server) health(ctx context.Context) *healthOutput {
	brokerOK := s.nc != nil && s.nc.IsConnected()
	journalOK := true
	if s.pool != nil {
		journalOK = s.pool.Ping(ctx) == nil
	}

	status := "healthy"
	if !brokerOK || !journalOK {
		status = "unhealthy"
	}

	out := &healthOutput{
		Status:        status,
		Checks:        healthChecks{Broker: brokerOK, Journal: journalOK},
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
	}
	if s.reg != nil {
		out.Nodes = s.reg.Count()
	}
	if s.brk != nil {
		counts := make(map[string]int)
		for _, ts := range s.brk.Snapshot() {
			counts[string(ts.State)]++
		}
		if len(counts) > 0 {
			out.Circuits = counts
		}
	}
	return out
}

// homePageTemplate is the HTML for the fabric status page (white bg, black/blue text).
const homePageTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8">
  <meta name="viewport" content="width=device-width, initial-scale=1">
  <title>Agent Fabric</title>
  <style>
    * { box-sizing: border-box; }
    body { background: #fff; color: #000; font-family: system-ui, sans-serif; margin: 0; padding: 2rem; line-height: 1.5; }
    a { color: #0066cc; }
    h1, h2, h3 { color: #0066cc; }
    .status-healthy { color: #0066cc; font-weight: bold; }
    .status-unhealthy { color: #cc0000; font-weight: bold; }
    table { border-collapse: collapse; width: 100%; max-width: 1100px; margin-top: 0.5rem; }
    th, td { text-align: left; padding: 0.5rem 0.75rem; border: 1px solid #ccc; }
    th { background: #f0f4f8; color: #0066cc; }
    .stat { font-weight: bold; color: #0066cc; }
    .meta { color: #333; font-size: 0.9rem; margin-top: 1rem; }
    section { margin-bottom: 2rem; }
    .error { color: #cc0000; }
  </style>
</head>
<body>
  <h1>Agent Fabric</h1>
  <p class="meta">Node {{.Local.AgentID}} ({{.Local.AgentType}}): registry, circuits, and health.</p>

  <section>
    <h2>Health</h2>
    <p>Status: <span class="status-{{.Health.Status}}">{{.Health.Status}}</span></p>
    <p>Broker: {{if .Health.Checks.Broker}}<span class="stat">OK</span>{{else}}<span class="error">Failed</span>{{end}}</p>
    <p>Journal: {{if .Health.Checks.Journal}}<span class="stat">OK</span>{{else}}<span class="error">Failed</span>{{end}}</p>
    <p>Uptime: {{.Health.UptimeSeconds}}s</p>
    <p>Timestamp: {{.Health.Timestamp}}</p>
  </section>

  <section>
    <h2>Registry</h2>
    <p>Registered nodes: <span class="stat">{{len .Nodes}}</span></p>
    {{if not .Nodes}}
    <p>No agents registered.</p>
    {{else}}
    <table>
      <thead>
        <tr><th>Agent</th><th>Type</th><th>Capabilities</th><th>Status</th><th>Load</th><th>Error rate</th><th>Avg RT</th><th>Last heartbeat</th></tr>
      </thead>
      <tbody>
        {{range .Nodes}}
        <tr>
          <td><a href="/node/{{.AgentID}}">{{.AgentID}}</a></td>
          <td>{{.AgentType}}</td>
          <td>{{.Capabilities}}</td>
          <td>{{.Status}}</td>
          <td>{{.Load}}</td>
          <td>{{.ErrorRate}}</td>
          <td>{{.AvgResponse}}</td>
          <td>{{.LastHeartbeat}}</td>
        </tr>
        {{end}}
      </tbody>
    </table>
    {{end}}
  </section>

  <section>
    <h2>Circuits</h2>
    {{if not .Circuits}}
    <p>No targets contacted yet.</p>
    {{else}}
    <table>
      <thead>
        <tr><th>Target</th><th>State</th><th>Consecutive failures</th><th>Last failure</th></tr>
      </thead>
      <tbody>
        {{range .Circuits}}
        <tr>
          <td>{{.Target}}</td>
          <td>{{.State}}</td>
          <td>{{.FailureCount}}</td>
          <td>{{.LastFailure}}</td>
        </tr>
        {{end}}
      </tbody>
    </table>
    {{end}}
  </section>
</body>
</html>
`

// nodeRow is one registry row prepared for the status page.
type nodeRow struct {
	AgentID       string
	AgentType     string
	Capabilities  string
	Status        registry.NodeStatus
	Load          string
	ErrorRate     string
	AvgResponse   string
	LastHeartbeat string
}

// circuitRow is one breaker row prepared for the status page.
type circuitRow struct {
	Target       string
	State        breaker.State
	FailureCount int
	LastFailure  string
}

// homeData is the data passed to the home page template.
type homeData struct {
	Local    protocol.AgentDescriptor
	Health   *healthOutput
	Nodes    []nodeRow
	Circuits []circuitRow
}

func buildNodeRow(n registry.Node) nodeRow {
	heartbeat := "never"
	if !n.Metrics.LastHeartbeat.IsZero() {
		heartbeat = n.Metrics.LastHeartbeat.UTC().Format(time.RFC3339)
	}
	return nodeRow{
		AgentID:       n.Descriptor.AgentID,
		AgentType:     n.Descriptor.AgentType,
		Capabilities:  strings.Join(n.Descriptor.Capabilities, ", "),
		Status:        n.Metrics.Status,
		Load:          fmt.Sprintf("%d/%d", n.Metrics.CurrentLoad, n.Metrics.MaxCapacity),
		ErrorRate:     fmt.Sprintf("%.1f%%", n.Metrics.ErrorRate*100),
		AvgResponse:   fmt.Sprintf("%.1fms", n.Metrics.AverageResponseTime),
		LastHeartbeat: heartbeat,
	}
}

func buildCircuitRow(ts breaker.TargetState) circuitRow {
	last := "-"
	if !ts.LastFailure.IsZero() {
		last = ts.LastFailure.UTC().Format(time.RFC3339)
	}
	return circuitRow{
		Target:       ts.Target,
		State:        ts.State,
		FailureCount: ts.FailureCount,
		LastFailure:  last,
	}
}

// handleHome returns an HTTP handler for the fabric status page.
func (s *Server) handleHome() http.HandlerFunc {
	tmpl := template.Must(template.New("home").Parse(homePageTemplate))
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), s.cfg.HealthCheckTimeout)
		defer cancel()

		data := homeData{Health: s.health(ctx)}
		if s.client != nil {
			data.Local = s.client.Local()
		}
		if s.reg != nil {
			for _, n := range s.reg.Snapshot() {
				data.Nodes = append(data.Nodes, buildNodeRow(n))
			}
		}
		if s.brk != nil {
			for _, ts := range s.brk.Snapshot() {
				data.Circuits = append(data.Circuits, buildCircuitRow(ts))
			}
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := tmpl.Execute(w, data); err != nil {
			slog.Error(fmt.Sprintf("%s - home template execute: %v", logPrefix, err))
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
	}
}

// nodeDetailPageTemplate is the HTML for a single node detail page.
const nodeDetailPageTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8">
  <meta name="viewport" content="width=device-width, initial-scale=1">
  <title>{{.Node.AgentID}} – Agent Fabric</title>
  <style>
    * { box-sizing: border-box; }
    body { background: #fff; color: #000; font-family: system-ui, sans-serif; margin: 0; padding: 2rem; line-height: 1.5; }
    a { color: #0066cc; }
    h1, h2, h3 { color: #0066cc; }
    table { border-collapse: collapse; width: 100%; max-width: 900px; margin-top: 0.5rem; }
    th, td { text-align: left; padding: 0.5rem 0.75rem; border: 1px solid #ccc; vertical-align: top; }
    th { background: #f0f4f8; color: #0066cc; width: 180px; }
    .meta { color: #333; font-size: 0.9rem; margin-top: 0.5rem; }
    section { margin-bottom: 2rem; }
    .back { margin-bottom: 1rem; }
  </style>
</head>
<body>
  <p class="back"><a href="/">← Back to fabric</a></p>
  <h1>{{.Node.AgentID}}</h1>
  <p class="meta">{{.Node.AgentType}} agent{{if .InstanceID}}, instance {{.InstanceID}}{{end}}. Registered {{.RegisteredAt}}.</p>

  <section>
    <h2>Descriptor</h2>
    <table>
      <tr><th>Agent ID</th><td>{{.Node.AgentID}}</td></tr>
      <tr><th>Type</th><td>{{.Node.AgentType}}</td></tr>
      <tr><th>Capabilities</th><td>{{.Node.Capabilities}}</td></tr>
      <tr><th>Priority</th><td>{{.Priority}}</td></tr>
    </table>
  </section>

  <section>
    <h2>Metrics</h2>
    <table>
      <tr><th>Status</th><td>{{.Node.Status}}</td></tr>
      <tr><th>Load</th><td>{{.Node.Load}}</td></tr>
      <tr><th>Queue depth</th><td>{{.QueueDepth}}</td></tr>
      <tr><th>Error rate</th><td>{{.Node.ErrorRate}}</td></tr>
      <tr><th>Avg response time</th><td>{{.Node.AvgResponse}}</td></tr>
      <tr><th>Total requests</th><td>{{.TotalRequests}}</td></tr>
      <tr><th>Failed requests</th><td>{{.FailedRequests}}</td></tr>
      <tr><th>Last heartbeat</th><td>{{.Node.LastHeartbeat}}</td></tr>
    </table>
  </section>

  <section>
    <h2>Circuit</h2>
    <table>
      <tr><th>State</th><td>{{.Circuit.State}}</td></tr>
      <tr><th>Consecutive failures</th><td>{{.Circuit.FailureCount}}</td></tr>
      <tr><th>Last failure</th><td>{{.Circuit.LastFailure}}</td></tr>
    </table>
  </section>
</body>
</html>
`

// nodeDetailData is the data passed to the node detail page template.
type nodeDetailData struct {
	Node           nodeRow
	InstanceID     string
	Priority       int
	QueueDepth     int
	TotalRequests  int64
	FailedRequests int64
	RegisteredAt   string
	Circuit        circuitRow
}

// handleNodeDetail returns an HTTP handler for the node detail page and its
// JSON twin (/node/{id}/json).
func (s *Server) handleNodeDetail() http.HandlerFunc {
	tmpl := template.Must(template.New("nodeDetail").Parse(nodeDetailPageTemplate))
	return func(w http.ResponseWriter, r *http.Request) {
		pathID := strings.TrimPrefix(r.URL.Path, "/node/")
		if pathID == "" {
			http.Redirect(w, r, "/", http.StatusFound)
			return
		}
		agentID := pathID
		suffix := ""
		if idx := strings.Index(pathID, "/"); idx >= 0 {
			agentID = pathID[:idx]
			suffix = pathID[idx+1:]
		}
		if unescaped, err := url.PathUnescape(agentID); err == nil {
			agentID = unescaped
		}

		node, ok := s.findNode(agentID)
		if !ok {
			http.NotFound(w, r)
			return
		}
		circuit := breaker.TargetState{Target: agentID, State: breaker.StateClosed}
		if s.brk != nil {
			for _, ts := range s.brk.Snapshot() {
				if ts.Target == agentID {
					circuit = ts
					break
				}
			}
		}

		switch suffix {
		case "json":
			w.Header().Set("Content-Type", "application/json")
			out := struct {
				Node    registry.Node       `json:"node"`
				Circuit breaker.TargetState `json:"circuit"`
			}{Node: node, Circuit: circuit}
			if err := json.NewEncoder(w).Encode(out); err != nil {
				slog.Error(fmt.Sprintf("%s - node json encode: %v", logPrefix, err))
			}
			return
		case "":
			// fall through to detail page
		default:
			http.NotFound(w, r)
			return
		}

		data := nodeDetailData{
			Node:           buildNodeRow(node),
			InstanceID:     node.Descriptor.InstanceID,
			Priority:       node.Descriptor.Priority,
			QueueDepth:     node.Metrics.QueueDepth,
			TotalRequests:  node.Metrics.TotalRequests,
			FailedRequests: node.Metrics.FailedRequests,
			RegisteredAt:   node.RegisteredAt.UTC().Format(time.RFC3339),
			Circuit:        buildCircuitRow(circuit),
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := tmpl.Execute(w, data); err != nil {
			slog.Error(fmt.Sprintf("%s - node detail template execute: %v", logPrefix, err))
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
	}
}

// findNode returns the snapshot entry for one agent.
func (s *Server) findNode(agentID string) (registry.Node, bool) {
	if s.reg == nil {
		return registry.Node{}, false
	}
	for _, n := range s.reg.Snapshot() {
		if n.Descriptor.AgentID == agentID {
			return n, true
		}
	}
	return registry.Node{}, false
}
