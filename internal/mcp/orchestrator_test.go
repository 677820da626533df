// ABOUTME: Tests for the MCP orchestrator
// ABOUTME: Covers routing rules, balancing, health exclusion, metadata

package mcp

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newOrchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	return NewOrchestrator(Options{
		HealthInterval:  30 * time.Second,
		EnableBalancing: true,
		EnableMessaging: true,
	}, nil)
}

func echoServer(name string) *LocalServer {
	s := NewLocalServer(name, "echo")
	s.HandleFunc("x", func(_ context.Context, req *Request) (any, error) {
		return map[string]any{"server": name}, nil
	})
	return s
}

func TestOrchestrator_RegisterRejectsDuplicates(t *testing.T) {
	o := newOrchestrator(t)
	require.NoError(t, o.Register(echoServer("a")))
	assert.Error(t, o.Register(echoServer("a")))
}

func TestOrchestrator_RoutesByMethodRule(t *testing.T) {
	o := newOrchestrator(t)
	require.NoError(t, o.Register(echoServer("a")))
	require.NoError(t, o.Register(echoServer("b")))
	o.SetRules([]RoutingRule{
		{Condition: Condition{Type: CondMethod, Value: "x"}, Targets: []string{"b"}, Priority: 10},
		{Condition: Condition{Type: CondAlways}, Targets: []string{"a"}, Priority: 20},
	})

	resp := o.Route(context.Background(), &Request{ID: "1", Method: "x"})
	require.Empty(t, resp.Error)
	assert.Equal(t, "b", resp.Metadata["target_server"])
	assert.Equal(t, routedBy, resp.Metadata["routed_by"])
	assert.NotEmpty(t, resp.Metadata["routing_timestamp"])
}

func TestOrchestrator_PriorityOrderFirstMatchWins(t *testing.T) {
	o := newOrchestrator(t)
	require.NoError(t, o.Register(echoServer("low")))
	require.NoError(t, o.Register(echoServer("high")))
	// Registered out of order; priority decides.
	o.SetRules([]RoutingRule{
		{Condition: Condition{Type: CondAlways}, Targets: []string{"low"}, Priority: 50},
		{Condition: Condition{Type: CondAlways}, Targets: []string{"high"}, Priority: 1},
	})

	resp := o.Route(context.Background(), &Request{ID: "1", Method: "x"})
	assert.Equal(t, "high", resp.Metadata["target_server"])
}

func TestOrchestrator_ParameterAndContextConditions(t *testing.T) {
	o := newOrchestrator(t)
	require.NoError(t, o.Register(echoServer("params")))
	require.NoError(t, o.Register(echoServer("ctx")))
	o.SetRules([]RoutingRule{
		{Condition: Condition{Type: CondParameter, Name: "repo", Value: "ember"}, Targets: []string{"params"}, Priority: 1},
		{Condition: Condition{Type: CondContext, Name: "tenant", Value: "acme"}, Targets: []string{"ctx"}, Priority: 2},
	})

	resp := o.Route(context.Background(), &Request{
		ID: "1", Method: "x", Params: map[string]any{"repo": "ember"},
	})
	assert.Equal(t, "params", resp.Metadata["target_server"])

	resp = o.Route(context.Background(), &Request{
		ID: "2", Method: "x", Context: map[string]any{"tenant": "acme"},
	})
	assert.Equal(t, "ctx", resp.Metadata["target_server"])
}

func TestOrchestrator_DefaultPrefixRoutingFallback(t *testing.T) {
	o := newOrchestrator(t)
	require.NoError(t, o.Register(echoServer("gh")))
	o.mu.Lock()
	o.defaultRoutes["github_"] = []string{"gh"}
	o.mu.Unlock()

	s := o.servers["gh"].server.(*LocalServer)
	s.HandleFunc("github_create_issue", func(context.Context, *Request) (any, error) {
		return "ok", nil
	})

	resp := o.Route(context.Background(), &Request{ID: "1", Method: "github_create_issue"})
	require.Empty(t, resp.Error)
	assert.Equal(t, "gh", resp.Metadata["target_server"])
}

func TestOrchestrator_MostSpecificDefaultPrefixWins(t *testing.T) {
	o := newOrchestrator(t)
	require.NoError(t, o.Register(echoServer("generic")))
	require.NoError(t, o.Register(echoServer("search")))
	o.mu.Lock()
	o.defaultRoutes["tools_"] = []string{"generic"}
	o.defaultRoutes["tools_search_"] = []string{"search"}
	o.mu.Unlock()

	for _, name := range []string{"generic", "search"} {
		s := o.servers[name].server.(*LocalServer)
		s.HandleFunc("tools_search_web", func(context.Context, *Request) (any, error) {
			return "ok", nil
		})
	}

	for i := 0; i < 20; i++ {
		resp := o.Route(context.Background(), &Request{ID: "1", Method: "tools_search_web"})
		require.Empty(t, resp.Error)
		assert.Equal(t, "search", resp.Metadata["target_server"])
	}
}

func TestOrchestrator_NoServersAvailable(t *testing.T) {
	o := newOrchestrator(t)
	resp := o.Route(context.Background(), &Request{ID: "1", Method: "x"})
	assert.Equal(t, ErrNoServers, resp.Error)
	assert.Equal(t, "", resp.Metadata["target_server"])
}

func TestOrchestrator_UnhealthyServerExcludedFromRouting(t *testing.T) {
	o := newOrchestrator(t)

	healthy := echoServer("up")
	sick := echoServer("down")
	sick.SetHealth(false, 1.0)
	require.NoError(t, o.Register(healthy))
	require.NoError(t, o.Register(sick))
	o.SetRules([]RoutingRule{
		{Condition: Condition{Type: CondAlways}, Targets: []string{"down", "up"}, Priority: 1},
	})

	o.ProbeAll(context.Background())
	status, ok := o.ServerStatus("down")
	require.True(t, ok)
	assert.Equal(t, StatusUnhealthy, status)

	for i := 0; i < 10; i++ {
		resp := o.Route(context.Background(), &Request{ID: "r", Method: "x"})
		require.Empty(t, resp.Error)
		assert.Equal(t, "up", resp.Metadata["target_server"])
	}
	assert.Equal(t, int64(0), o.InFlight("down"))
}

func TestOrchestrator_HealthyServersShareLoadAfterFailover(t *testing.T) {
	o := newOrchestrator(t)
	for _, name := range []string{"a", "b", "c"} {
		require.NoError(t, o.Register(echoServer(name)))
	}
	o.servers["c"].server.(*LocalServer).SetHealth(false, 1.0)
	o.SetRules([]RoutingRule{
		{Condition: Condition{Type: CondMethod, Value: "x"}, Targets: []string{"a", "b", "c"}, Priority: 1},
	})
	o.ProbeAll(context.Background())

	counts := map[string]int{}
	for i := 0; i < 10; i++ {
		resp := o.Route(context.Background(), &Request{ID: "r", Method: "x"})
		require.Empty(t, resp.Error)
		counts[resp.Metadata["target_server"].(string)]++
	}

	assert.Equal(t, 5, counts["a"])
	assert.Equal(t, 5, counts["b"])
	assert.Zero(t, counts["c"])
	assert.Equal(t, int64(0), o.InFlight("c"))
}

func TestOrchestrator_BalancingPrefersLeastInFlight(t *testing.T) {
	o := newOrchestrator(t)

	started := make(chan struct{})
	release := make(chan struct{})
	a := NewLocalServer("a")
	a.HandleFunc("x", func(ctx context.Context, _ *Request) (any, error) {
		close(started)
		<-release
		return "ok", nil
	})
	require.NoError(t, o.Register(a))
	require.NoError(t, o.Register(echoServer("b")))
	o.SetRules([]RoutingRule{
		{Condition: Condition{Type: CondAlways}, Targets: []string{"a", "b"}, Priority: 1},
	})

	// Hold one request in flight on "a"; the next must land on "b".
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		resp := o.Route(context.Background(), &Request{ID: "1", Method: "x"})
		assert.Empty(t, resp.Error)
	}()
	<-started
	assert.Equal(t, int64(1), o.InFlight("a"))

	resp := o.Route(context.Background(), &Request{ID: "2", Method: "x"})
	require.Empty(t, resp.Error)
	assert.Equal(t, "b", resp.Metadata["target_server"])

	close(release)
	wg.Wait()
	assert.Equal(t, int64(0), o.InFlight("a"))
}

func TestOrchestrator_ProbeStatuses(t *testing.T) {
	tests := []struct {
		name    string
		healthy bool
		score   float64
		want    Status
	}{
		{"healthy", true, 9.5, StatusHealthy},
		{"score below healthy bar", true, 7.0, StatusDegraded},
		{"degraded", false, 6.0, StatusDegraded},
		{"unhealthy", false, 2.0, StatusUnhealthy},
		{"high score but not healthy", false, 9.0, StatusUnhealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := newOrchestrator(t)
			s := NewLocalServer("s")
			s.SetHealth(tt.healthy, tt.score)
			require.NoError(t, o.Register(s))

			o.ProbeAll(context.Background())
			status, ok := o.ServerStatus("s")
			require.True(t, ok)
			assert.Equal(t, tt.want, status)
		})
	}
}

func TestOrchestrator_ServerErrorBecomesErrorResponse(t *testing.T) {
	o := newOrchestrator(t)
	s := NewLocalServer("s")
	s.HandleFunc("boom", func(context.Context, *Request) (any, error) {
		return nil, errors.New("kaput")
	})
	require.NoError(t, o.Register(s))
	o.SetRules([]RoutingRule{
		{Condition: Condition{Type: CondAlways}, Targets: []string{"s"}, Priority: 1},
	})

	resp := o.Route(context.Background(), &Request{ID: "1", Method: "boom"})
	assert.Equal(t, "kaput", resp.Error)
	assert.Equal(t, "s", resp.Metadata["target_server"])
}

func TestLoadRegistry_ParsesServersRulesAndDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.toml")
	content := `
[[server]]
name = "github"
type = "local"
capabilities = ["issues", "pulls"]

[[rule]]
priority = 5
targets = ["github"]

  [rule.condition]
  type = "method_prefix"
  value = "github_"

[default_routes]
github_ = ["github"]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	reg, err := LoadRegistry(path)
	require.NoError(t, err)
	require.Len(t, reg.Servers, 1)
	assert.Equal(t, "github", reg.Servers[0].Name)
	assert.Equal(t, []string{"issues", "pulls"}, reg.Servers[0].Capabilities)
	require.Len(t, reg.Rules, 1)
	assert.Equal(t, CondMethodPrefix, reg.Rules[0].Condition.Type)
	assert.Equal(t, []string{"github"}, reg.DefaultRoutes["github_"])

	o := newOrchestrator(t)
	require.NoError(t, o.ApplyRegistry(reg))
	_, ok := o.ServerStatus("github")
	assert.True(t, ok)
}

func TestLoadRegistry_RejectsRuleWithoutTargets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.toml")
	content := `
[[rule]]
priority = 1

  [rule.condition]
  type = "always"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	_, err := LoadRegistry(path)
	assert.Error(t, err)
}
