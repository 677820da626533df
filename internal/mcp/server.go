// ABOUTME: Server interface, status model, and the in-process server type
// ABOUTME: Built-ins and tests implement Server via LocalServer

package mcp

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Status of a registered server, updated by the health probe loop.
type Status string

const (
	StatusHealthy   Status = "HEALTHY"
	StatusDegraded  Status = "DEGRADED"
	StatusUnhealthy Status = "UNHEALTHY"
	StatusUnknown   Status = "UNKNOWN"
)

// Health score thresholds.
const (
	healthyScore  = 8.0
	degradedScore = 5.0
)

// Request is one method call routed through the orchestrator.
type Request struct {
	ID      string
	Method  string
	Params  map[string]any
	Context map[string]any
}

// Response carries the result or error plus routing metadata.
type Response struct {
	ID       string
	Result   any
	Error    string
	Metadata map[string]any
}

// HealthReport is what a server's health_check method returns.
type HealthReport struct {
	Healthy bool
	Score   float64
}

// Server is a routable tool server. Implementations must be safe for
// concurrent Handle calls.
type Server interface {
	Name() string
	Capabilities() []string
	Handle(ctx context.Context, req *Request) (*Response, error)
	// HandleMessage receives an inter-server message. Servers that do not
	// participate return an error.
	HandleMessage(ctx context.Context, msgType string, payload map[string]any) error
}

// HandlerFunc serves one method on a LocalServer.
type HandlerFunc func(ctx context.Context, req *Request) (any, error)

// MessageFunc handles one inter-server message type.
type MessageFunc func(ctx context.Context, payload map[string]any) error

// LocalServer is an in-process Server for built-in tools and tests.
type LocalServer struct {
	name string
	caps []string

	mu          sync.RWMutex
	handlers    map[string]HandlerFunc
	msgHandlers map[string]MessageFunc
	health      HealthReport
}

func NewLocalServer(name string, capabilities ...string) *LocalServer {
	return &LocalServer{
		name:        name,
		caps:        capabilities,
		handlers:    make(map[string]HandlerFunc),
		msgHandlers: make(map[string]MessageFunc),
		health:      HealthReport{Healthy: true, Score: 10},
	}
}

func (s *LocalServer) Name() string           { return s.name }
func (s *LocalServer) Capabilities() []string { return s.caps }

// HandleFunc registers a method handler.
func (s *LocalServer) HandleFunc(method string, fn HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = fn
}

// OnMessage registers an inter-server message handler.
func (s *LocalServer) OnMessage(msgType string, fn MessageFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgHandlers[msgType] = fn
}

// SetHealth overrides the reported health, for tests and for built-ins
// that track their own degradation.
func (s *LocalServer) SetHealth(healthy bool, score float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.health = HealthReport{Healthy: healthy, Score: score}
}

func (s *LocalServer) Handle(ctx context.Context, req *Request) (*Response, error) {
	if req.Method == "health_check" {
		s.mu.RLock()
		health := s.health
		s.mu.RUnlock()
		return &Response{
			ID:     req.ID,
			Result: map[string]any{"healthy": health.Healthy, "health_score": health.Score},
		}, nil
	}

	s.mu.RLock()
	fn, ok := s.handlers[req.Method]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("server %s: unknown method %q", s.name, req.Method)
	}

	result, err := fn(ctx, req)
	if err != nil {
		return &Response{ID: req.ID, Error: err.Error()}, nil
	}
	return &Response{ID: req.ID, Result: result}, nil
}

func (s *LocalServer) HandleMessage(ctx context.Context, msgType string, payload map[string]any) error {
	s.mu.RLock()
	fn, ok := s.msgHandlers[msgType]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("server %s: no handler for message type %q", s.name, msgType)
	}
	return fn(ctx, payload)
}

var _ Server = (*LocalServer)(nil)

// parseHealth interprets a health_check response.
func parseHealth(resp *Response) (HealthReport, error) {
	result, ok := resp.Result.(map[string]any)
	if !ok {
		return HealthReport{}, fmt.Errorf("malformed health result %T", resp.Result)
	}
	healthy, _ := result["healthy"].(bool)
	score, ok := result["health_score"].(float64)
	if !ok {
		return HealthReport{}, fmt.Errorf("missing health_score")
	}
	return HealthReport{Healthy: healthy, Score: score}, nil
}

// statusFor maps a health report onto a Status.
func statusFor(h HealthReport) Status {
	switch {
	case h.Healthy && h.Score >= healthyScore:
		return StatusHealthy
	case h.Score >= degradedScore && h.Score < healthyScore:
		return StatusDegraded
	default:
		return StatusUnhealthy
	}
}

// routable reports whether a server in this status may receive requests.
func routable(s Status) bool {
	return s == StatusHealthy || s == StatusDegraded
}

// nowRFC3339 is the routing timestamp format.
func nowRFC3339(now time.Time) string {
	return now.UTC().Format(time.RFC3339)
}
