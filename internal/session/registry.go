// ABOUTME: Session registry: resume-or-spawn routing and status transitions
// ABOUTME: All lifecycle changes funnel through kv.Transition

package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/ember-bridge/internal/ingest"
	"github.com/2389/ember-bridge/internal/kv"
	"github.com/2389/ember-bridge/internal/metrics"
)

// Classification is the collaborator's verdict on a new session's message.
type Classification struct {
	Type       string // "bug", "feature", "chore"
	Confidence float64
}

// Classifier categorizes the message that opens a session. Failures are
// tolerated; the session is created unclassified.
type Classifier interface {
	Classify(ctx context.Context, text string) (*Classification, error)
}

// Registry owns AgentSession records. One registry per bridge process.
type Registry struct {
	store       *kv.Store
	classifier  Classifier
	projectKey  string
	resumeAfter time.Duration // max silence for resuming an existing session
	logger      *slog.Logger
	now         func() time.Time
}

func NewRegistry(store *kv.Store, classifier Classifier, projectKey string, resumeAfter time.Duration, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:       store,
		classifier:  classifier,
		projectKey:  projectKey,
		resumeAfter: resumeAfter,
		logger:      logger.With("component", "session"),
		now:         time.Now,
	}
}

// ResumeOrSpawn routes a job onto a session: an active or dormant session
// for this chat within the silence threshold is resumed, otherwise a new
// one is spawned.
func (r *Registry) ResumeOrSpawn(ctx context.Context, job *ingest.Job) (*kv.AgentSession, error) {
	if sess, err := r.findResumable(ctx, job.ChatID); err != nil {
		return nil, err
	} else if sess != nil {
		resumed, err := r.resume(ctx, sess)
		if err != nil {
			return nil, err
		}
		metrics.SessionsResumed.Inc()
		r.logger.Info("resumed session",
			"session_id", resumed.SessionID, "chat_id", job.ChatID)
		return resumed, nil
	}
	return r.spawn(ctx, job)
}

func (r *Registry) findResumable(ctx context.Context, chatID string) (*kv.AgentSession, error) {
	cutoff := float64(r.now().Add(-r.resumeAfter).UnixNano()) / 1e9

	var newest *kv.AgentSession
	for _, status := range []string{kv.SessionActive, kv.SessionDormant} {
		recs, err := r.store.Query(kv.KindSession).
			Filter("project_key", r.projectKey).
			Filter("chat_id", chatID).
			Filter("status", status).
			All(ctx)
		if err != nil {
			return nil, fmt.Errorf("querying %s sessions: %w", status, err)
		}
		for _, rec := range recs {
			sess := rec.(*kv.AgentSession)
			if sess.LastActivity < cutoff {
				continue
			}
			if newest == nil || sess.LastActivity > newest.LastActivity {
				newest = sess
			}
		}
	}
	return newest, nil
}

// resume reactivates a session and bumps its activity time.
func (r *Registry) resume(ctx context.Context, sess *kv.AgentSession) (*kv.AgentSession, error) {
	now := float64(r.now().UnixNano()) / 1e9
	rec, err := r.store.Transition(ctx, kv.KindSession, sess.SessionID, func(rec kv.Record) error {
		s := rec.(*kv.AgentSession)
		s.Status = kv.SessionActive
		if now > s.LastActivity {
			s.LastActivity = now
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("resuming session %s: %w", sess.SessionID, err)
	}
	return rec.(*kv.AgentSession), nil
}

func (r *Registry) spawn(ctx context.Context, job *ingest.Job) (*kv.AgentSession, error) {
	now := float64(r.now().UnixNano()) / 1e9
	id := uuid.NewString()
	slug := Slug(job.Text)

	sess := &kv.AgentSession{
		SessionID:    id,
		ProjectKey:   r.projectKey,
		Status:       kv.SessionActive,
		ChatID:       job.ChatID,
		Sender:       job.Sender,
		StartedAt:    now,
		LastActivity: now,
		WorkItemSlug: slug,
		BranchName:   fmt.Sprintf("session/%s-%s", slug, id[:8]),
		MessageText:  job.Text,
	}

	if r.classifier != nil {
		cls, err := r.classifier.Classify(ctx, job.Text)
		if err != nil {
			r.logger.Warn("classification failed, creating unclassified session",
				"chat_id", job.ChatID, "error", err)
		} else if cls != nil {
			sess.ClassificationType = cls.Type
			confidence := cls.Confidence
			sess.ClassificationConfidence = &confidence
		}
	}

	if err := r.store.Create(ctx, sess); err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}
	metrics.SessionsSpawned.Inc()
	r.logger.Info("spawned session",
		"session_id", sess.SessionID,
		"chat_id", job.ChatID,
		"branch", sess.BranchName,
		"classification", sess.ClassificationType,
	)
	return sess, nil
}

// Touch bumps a session's last_activity. Monotonic: an older timestamp
// never rolls the field back.
func (r *Registry) Touch(ctx context.Context, sessionID string) error {
	now := float64(r.now().UnixNano()) / 1e9
	_, err := r.store.Transition(ctx, kv.KindSession, sessionID, func(rec kv.Record) error {
		s := rec.(*kv.AgentSession)
		if now > s.LastActivity {
			s.LastActivity = now
		}
		return nil
	})
	return err
}

// BumpToolCalls increments the session's tool call counter.
func (r *Registry) BumpToolCalls(ctx context.Context, sessionID string) error {
	_, err := r.store.Transition(ctx, kv.KindSession, sessionID, func(rec kv.Record) error {
		rec.(*kv.AgentSession).ToolCallCount++
		return nil
	})
	return err
}

// SetStatus transitions a session to status. The underlying delete+create
// is hidden by the store; callers just name the target state.
func (r *Registry) SetStatus(ctx context.Context, sessionID, status string) error {
	_, err := r.store.Transition(ctx, kv.KindSession, sessionID, func(rec kv.Record) error {
		rec.(*kv.AgentSession).Status = status
		return nil
	})
	if err != nil {
		return fmt.Errorf("transitioning session %s to %s: %w", sessionID, status, err)
	}
	r.logger.Info("session status changed", "session_id", sessionID, "status", status)
	return nil
}

// Active returns every active session, for startup resume and the
// watchdog's read-only sweep.
func (r *Registry) Active(ctx context.Context) ([]*kv.AgentSession, error) {
	recs, err := r.store.Query(kv.KindSession).
		Filter("status", kv.SessionActive).
		All(ctx)
	if err != nil {
		return nil, fmt.Errorf("querying active sessions: %w", err)
	}
	sessions := make([]*kv.AgentSession, len(recs))
	for i, rec := range recs {
		sessions[i] = rec.(*kv.AgentSession)
	}
	return sessions, nil
}

// SweepDormant marks active sessions silent for longer than idleAfter as
// dormant. Returns the number of sessions moved.
func (r *Registry) SweepDormant(ctx context.Context, idleAfter time.Duration) (int, error) {
	sessions, err := r.Active(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := float64(r.now().Add(-idleAfter).UnixNano()) / 1e9

	moved := 0
	for _, sess := range sessions {
		if sess.LastActivity >= cutoff {
			continue
		}
		if err := r.SetStatus(ctx, sess.SessionID, kv.SessionDormant); err != nil {
			r.logger.Warn("dormant sweep failed for session",
				"session_id", sess.SessionID, "error", err)
			continue
		}
		moved++
	}
	return moved, nil
}

// sweepCheckInterval is how often RunSweeper looks for idle sessions.
const sweepCheckInterval = time.Minute

// RunSweeper moves long-idle active sessions to dormant on a fixed check
// interval until ctx is cancelled. idleAfter <= 0 disables the sweep.
func (r *Registry) RunSweeper(ctx context.Context, idleAfter time.Duration) error {
	if idleAfter <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(sweepCheckInterval)
	defer ticker.Stop()

	r.logger.Info("dormancy sweeper started", "idle_after", idleAfter)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("dormancy sweeper stopped")
			return ctx.Err()
		case <-ticker.C:
			moved, err := r.SweepDormant(ctx, idleAfter)
			if err != nil {
				r.logger.Warn("dormant sweep failed", "error", err)
			} else if moved > 0 {
				r.logger.Info("sessions marked dormant", "count", moved)
			}
		}
	}
}
