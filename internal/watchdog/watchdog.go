// ABOUTME: Watchdog loop: silence, duration, looping, error-cascade signals
// ABOUTME: Cooldown-gated alerts sent to the session's chat

package watchdog

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/2389/ember-bridge/internal/kv"
	"github.com/2389/ember-bridge/internal/metrics"
	"github.com/2389/ember-bridge/internal/toollog"
)

// errorPatterns mark a tool output preview as a failure.
var errorPatterns = []string{
	"error", "exception", "failed", "traceback",
	"fatal", "cannot", "not found", "permission denied",
}

// Sessions is the registry view the watchdog needs. Read-only: the
// watchdog never mutates session state.
type Sessions interface {
	Active(ctx context.Context) ([]*kv.AgentSession, error)
}

// Alerter delivers an alert to a chat.
type Alerter interface {
	Send(ctx context.Context, chatID string, replyTo int, text, sessionID string) error
}

// Config holds the watchdog thresholds.
type Config struct {
	Interval          time.Duration
	SilenceThreshold  time.Duration
	DurationThreshold time.Duration
	LoopThreshold     int
	CascadeThreshold  int
	CascadeWindow     int
	AlertCooldown     time.Duration
	LogDir            string
	EventMaxAge       time.Duration // bridge events older than this are removed
}

// Watchdog periodically sweeps active sessions.
type Watchdog struct {
	cfg      Config
	sessions Sessions
	alerter  Alerter
	store    *kv.Store
	logger   *slog.Logger
	now      func() time.Time

	mu        sync.Mutex
	lastAlert map[string]time.Time
}

func New(cfg Config, sessions Sessions, alerter Alerter, store *kv.Store, logger *slog.Logger) *Watchdog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watchdog{
		cfg:       cfg,
		sessions:  sessions,
		alerter:   alerter,
		store:     store,
		logger:    logger.With("component", "watchdog"),
		now:       time.Now,
		lastAlert: make(map[string]time.Time),
	}
}

// Run ticks until ctx is cancelled.
func (w *Watchdog) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	w.logger.Info("watchdog started", "interval", w.cfg.Interval)
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("watchdog stopped")
			return ctx.Err()
		case <-ticker.C:
			w.Sweep(ctx)
		}
	}
}

// Sweep inspects every active session once, then prunes old bridge events.
func (w *Watchdog) Sweep(ctx context.Context) {
	sessions, err := w.sessions.Active(ctx)
	if err != nil {
		w.logger.Error("failed to list active sessions", "error", err)
		return
	}

	for _, sess := range sessions {
		signals := w.inspect(sess)
		if len(signals) == 0 {
			continue
		}
		w.alert(ctx, sess, signals)
	}

	w.pruneEvents(ctx)
}

// inspect returns the alert lines for one session's fired signals.
func (w *Watchdog) inspect(sess *kv.AgentSession) []string {
	now := w.now()
	var signals []string

	if silence := now.Sub(fromUnix(sess.LastActivity)); silence > w.cfg.SilenceThreshold {
		signals = append(signals, fmt.Sprintf("Silent for %d minutes", int(silence.Minutes())))
	}
	if running := now.Sub(fromUnix(sess.StartedAt)); running > w.cfg.DurationThreshold {
		signals = append(signals, fmt.Sprintf("Running for %d hours", int(running.Hours())))
	}

	pres, err := toollog.TailEvents(w.cfg.LogDir, sess.SessionID,
		toollog.EventPreToolUse, w.cfg.CascadeWindow*2, w.logger)
	if err != nil {
		w.logger.Warn("failed to read tool-use log",
			"session_id", sess.SessionID, "error", err)
		pres = nil
	}
	posts, err := toollog.TailEvents(w.cfg.LogDir, sess.SessionID,
		toollog.EventPostToolUse, w.cfg.CascadeWindow, w.logger)
	if err != nil {
		w.logger.Warn("failed to read tool-use log",
			"session_id", sess.SessionID, "error", err)
		posts = nil
	}

	if tool, count := w.detectLoop(pres); count >= w.cfg.LoopThreshold {
		signals = append(signals,
			fmt.Sprintf("Looping: %s called %d times consecutively", tool, count))
	}
	if count := w.detectCascade(posts); count >= w.cfg.CascadeThreshold {
		signals = append(signals,
			fmt.Sprintf("Error cascade: %d errors in last %d calls", count, w.cfg.CascadeWindow))
	}
	return signals
}

// detectLoop finds the longest run of identical trailing pre_tool_use
// fingerprints.
func (w *Watchdog) detectLoop(pres []*toollog.Entry) (string, int) {
	if len(pres) == 0 {
		return "", 0
	}

	last := pres[len(pres)-1]
	want := fingerprint(last)
	count := 0
	for i := len(pres) - 1; i >= 0; i-- {
		if fingerprint(pres[i]) != want {
			break
		}
		count++
	}
	return last.ToolName, count
}

// detectCascade counts error-looking post_tool_use previews in the last
// window of calls.
func (w *Watchdog) detectCascade(posts []*toollog.Entry) int {
	count := 0
	for _, e := range posts {
		preview := strings.ToLower(e.ToolOutputPreview)
		for _, pattern := range errorPatterns {
			if strings.Contains(preview, pattern) {
				count++
				break
			}
		}
	}
	return count
}

// fingerprint identifies a tool call: name plus sorted input items, so
// equivalent JSON objects compare equal.
func fingerprint(e *toollog.Entry) string {
	items := make([]string, 0, len(e.ToolInput))
	for k, v := range e.ToolInput {
		items = append(items, fmt.Sprintf("%s=%v", k, v))
	}
	sort.Strings(items)
	return e.ToolName + "|" + strings.Join(items, ",")
}

// alert sends one cooldown-gated message covering all fired signals.
func (w *Watchdog) alert(ctx context.Context, sess *kv.AgentSession, signals []string) {
	now := w.now()

	w.mu.Lock()
	if last, ok := w.lastAlert[sess.SessionID]; ok && now.Sub(last) < w.cfg.AlertCooldown {
		w.mu.Unlock()
		return
	}
	w.lastAlert[sess.SessionID] = now
	w.mu.Unlock()

	severity := "warning"
	if len(signals) >= 2 {
		severity = "critical"
	}

	text := fmt.Sprintf("[%s] Session %s needs attention:\n%s",
		severity, sess.WorkItemSlug, strings.Join(signals, "\n"))
	if err := w.alerter.Send(ctx, sess.ChatID, 0, text, sess.SessionID); err != nil {
		w.logger.Error("failed to send alert",
			"session_id", sess.SessionID, "error", err)
		return
	}
	metrics.WatchdogAlerts.WithLabelValues(severity).Inc()
	w.logger.Warn("watchdog alert sent",
		"session_id", sess.SessionID,
		"severity", severity,
		"signals", len(signals),
	)
}

// pruneEvents removes bridge events older than the retention window.
func (w *Watchdog) pruneEvents(ctx context.Context) {
	if w.store == nil || w.cfg.EventMaxAge <= 0 {
		return
	}
	cutoff := float64(w.now().Add(-w.cfg.EventMaxAge).UnixNano()) / 1e9

	recs, err := w.store.Query(kv.KindBridgeEvent).Range("timestamp", 0, cutoff).All(ctx)
	if err != nil {
		w.logger.Warn("bridge event cleanup query failed", "error", err)
		return
	}
	for _, rec := range recs {
		if err := w.store.Delete(ctx, rec); err != nil {
			w.logger.Warn("failed to delete old bridge event",
				"event_id", rec.Key(), "error", err)
		}
	}
	if len(recs) > 0 {
		w.logger.Info("pruned old bridge events", "count", len(recs))
	}
}

func fromUnix(secs float64) time.Time {
	return time.Unix(0, int64(secs*1e9))
}
