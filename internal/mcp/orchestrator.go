// ABOUTME: Orchestrator: registration, routing, balancing, health loop
// ABOUTME: Responses carry routed_by/target_server/routing_timestamp metadata

package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2389/ember-bridge/internal/metrics"
)

// ErrNoServers is the error string returned when no reachable server can
// take a request.
const ErrNoServers = "NO_SERVERS_AVAILABLE"

// routedBy identifies this orchestrator in response metadata.
const routedBy = "ember-bridge-orchestrator"

type registration struct {
	server   Server
	status   Status
	inFlight atomic.Int64
	routed   atomic.Int64
}

// Orchestrator routes requests to registered servers.
type Orchestrator struct {
	healthInterval time.Duration
	balance        bool
	logger         *slog.Logger
	now            func() time.Time

	mu            sync.RWMutex
	servers       map[string]*registration
	rules         []RoutingRule
	defaultRoutes map[string][]string

	queue *messageQueue
}

// Options configure the orchestrator.
type Options struct {
	HealthInterval  time.Duration
	EnableBalancing bool
	EnableMessaging bool
}

func NewOrchestrator(opts Options, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = 30 * time.Second
	}
	o := &Orchestrator{
		healthInterval: opts.HealthInterval,
		balance:        opts.EnableBalancing,
		logger:         logger.With("component", "mcp"),
		now:            time.Now,
		servers:        make(map[string]*registration),
		defaultRoutes:  make(map[string][]string),
	}
	if opts.EnableMessaging {
		o.queue = newMessageQueue(o, o.logger)
	}
	return o
}

// Register adds a server. New servers start HEALTHY; the probe loop
// corrects that within one interval.
func (o *Orchestrator) Register(server Server) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	name := server.Name()
	if _, exists := o.servers[name]; exists {
		return fmt.Errorf("server %q already registered", name)
	}
	o.servers[name] = &registration{server: server, status: StatusHealthy}
	o.logger.Info("registered MCP server",
		"server", name, "capabilities", server.Capabilities())
	return nil
}

// ApplyRegistry registers a registry's servers (as LocalServers for the
// built-in type) and installs its rules and default routes.
func (o *Orchestrator) ApplyRegistry(reg *Registry) error {
	for _, decl := range reg.Servers {
		if decl.Type != "local" {
			return fmt.Errorf("unsupported server type %q for %s", decl.Type, decl.Name)
		}
		if err := o.Register(NewLocalServer(decl.Name, decl.Capabilities...)); err != nil {
			return err
		}
	}
	o.SetRules(reg.Rules)
	o.mu.Lock()
	for prefix, targets := range reg.DefaultRoutes {
		o.defaultRoutes[prefix] = targets
	}
	o.mu.Unlock()
	return nil
}

// SetRules replaces the routing rule list.
func (o *Orchestrator) SetRules(rules []RoutingRule) {
	sorted := make([]RoutingRule, len(rules))
	copy(sorted, rules)
	sortRules(sorted)

	o.mu.Lock()
	o.rules = sorted
	o.mu.Unlock()
}

// ServerStatus returns a server's current status.
func (o *Orchestrator) ServerStatus(name string) (Status, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	reg, ok := o.servers[name]
	if !ok {
		return "", false
	}
	return reg.status, true
}

// InFlight returns a server's current in-flight request count.
func (o *Orchestrator) InFlight(name string) int64 {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if reg, ok := o.servers[name]; ok {
		return reg.inFlight.Load()
	}
	return 0
}

// Route sends a request to the best matching server. Routing failures
// come back as an error Response, not a Go error; only a nil request is a
// programming error.
func (o *Orchestrator) Route(ctx context.Context, req *Request) *Response {
	target := o.selectTarget(req)
	if target == nil {
		o.logger.Warn("no servers available", "method", req.Method)
		return o.finish(&Response{ID: req.ID, Error: ErrNoServers}, "")
	}

	target.inFlight.Add(1)
	target.routed.Add(1)
	defer target.inFlight.Add(-1)

	name := target.server.Name()
	metrics.MCPRequestsRouted.WithLabelValues(name).Inc()

	resp, err := target.server.Handle(ctx, req)
	if err != nil {
		o.logger.Warn("server call failed",
			"server", name, "method", req.Method, "error", err)
		return o.finish(&Response{ID: req.ID, Error: err.Error()}, name)
	}
	return o.finish(resp, name)
}

// finish stamps routing metadata onto a response.
func (o *Orchestrator) finish(resp *Response, target string) *Response {
	if resp.Metadata == nil {
		resp.Metadata = make(map[string]any)
	}
	resp.Metadata["routed_by"] = routedBy
	resp.Metadata["target_server"] = target
	resp.Metadata["routing_timestamp"] = nowRFC3339(o.now())
	return resp
}

// selectTarget picks the routable server for a request: first matching
// rule in priority order, falling back to default prefix routes.
func (o *Orchestrator) selectTarget(req *Request) *registration {
	o.mu.RLock()
	defer o.mu.RUnlock()

	for i := range o.rules {
		if !o.rules[i].matches(req) {
			continue
		}
		if reg := o.pickLocked(o.rules[i].Targets); reg != nil {
			return reg
		}
		// First matching rule wins even if its targets are all down;
		// fall through to default routing rather than the next rule.
		break
	}

	// Longest prefix first, so the most specific default route wins and
	// the choice is stable across runs.
	prefixes := make([]string, 0, len(o.defaultRoutes))
	for prefix := range o.defaultRoutes {
		prefixes = append(prefixes, prefix)
	}
	sort.Slice(prefixes, func(i, j int) bool {
		if len(prefixes[i]) != len(prefixes[j]) {
			return len(prefixes[i]) > len(prefixes[j])
		}
		return prefixes[i] < prefixes[j]
	})
	for _, prefix := range prefixes {
		if strings.HasPrefix(req.Method, prefix) {
			if reg := o.pickLocked(o.defaultRoutes[prefix]); reg != nil {
				return reg
			}
		}
	}
	return nil
}

// pickLocked chooses among candidate names: the routable server with the
// fewest in-flight requests (or the first routable one when balancing is
// off). Caller holds mu.
func (o *Orchestrator) pickLocked(names []string) *registration {
	var best *registration
	for _, name := range names {
		reg, ok := o.servers[name]
		if !ok || !routable(reg.status) {
			continue
		}
		if !o.balance {
			return reg
		}
		if best == nil || lessLoaded(reg, best) {
			best = reg
		}
	}
	return best
}

// lessLoaded orders balancing candidates: fewest in-flight requests first,
// total routed count as the tiebreak so idle servers take turns.
func lessLoaded(a, b *registration) bool {
	af, bf := a.inFlight.Load(), b.inFlight.Load()
	if af != bf {
		return af < bf
	}
	return a.routed.Load() < b.routed.Load()
}

// RunHealthLoop probes servers until ctx is cancelled.
func (o *Orchestrator) RunHealthLoop(ctx context.Context) error {
	ticker := time.NewTicker(o.healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			o.ProbeAll(ctx)
		}
	}
}

// ProbeAll health-checks every registered server once.
func (o *Orchestrator) ProbeAll(ctx context.Context) {
	o.mu.RLock()
	regs := make([]*registration, 0, len(o.servers))
	for _, reg := range o.servers {
		regs = append(regs, reg)
	}
	o.mu.RUnlock()

	for _, reg := range regs {
		status := o.probe(ctx, reg.server)
		o.mu.Lock()
		prev := reg.status
		reg.status = status
		o.mu.Unlock()
		if prev != status {
			o.logger.Info("server status changed",
				"server", reg.server.Name(), "from", prev, "to", status)
		}
	}
}

func (o *Orchestrator) probe(ctx context.Context, server Server) Status {
	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	resp, err := server.Handle(probeCtx, &Request{Method: "health_check"})
	if err != nil {
		return StatusUnknown
	}
	health, err := parseHealth(resp)
	if err != nil {
		return StatusUnknown
	}
	return statusFor(health)
}

// SendMessage queues an inter-server message. Returns an error when
// messaging is disabled.
func (o *Orchestrator) SendMessage(msg *Message) error {
	if o.queue == nil {
		return fmt.Errorf("inter-server messaging disabled")
	}
	return o.queue.enqueue(msg)
}

// RunMessageLoop delivers queued messages until ctx is cancelled.
func (o *Orchestrator) RunMessageLoop(ctx context.Context) error {
	if o.queue == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	return o.queue.run(ctx)
}

// serverByName resolves a registered server for message delivery.
func (o *Orchestrator) serverByName(name string) (Server, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	reg, ok := o.servers[name]
	if !ok {
		return nil, false
	}
	return reg.server, true
}
