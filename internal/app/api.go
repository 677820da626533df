// ABOUTME: Read-only HTTP inspection handlers on the health listener
// ABOUTME: Dead letters and sessions as JSON for operators

package app

import (
	"encoding/json"
	"net/http"

	"github.com/2389/ember-bridge/internal/kv"
)

// DeadLetterResponse is the JSON shape for GET /api/deadletters.
type DeadLetterResponse struct {
	LetterID  string  `json:"letter_id"`
	ChatID    string  `json:"chat_id"`
	ReplyTo   int     `json:"reply_to,omitempty"`
	Text      string  `json:"text"`
	CreatedAt float64 `json:"created_at"`
	Attempts  int     `json:"attempts"`
}

// SessionResponse is the JSON shape for GET /api/sessions.
type SessionResponse struct {
	SessionID     string  `json:"session_id"`
	ProjectKey    string  `json:"project_key"`
	Status        string  `json:"status"`
	ChatID        string  `json:"chat_id"`
	StartedAt     float64 `json:"started_at"`
	LastActivity  float64 `json:"last_activity"`
	ToolCallCount int     `json:"tool_call_count"`
	BranchName    string  `json:"branch_name,omitempty"`
	WorkItemSlug  string  `json:"work_item_slug,omitempty"`
}

// handleDeadLetters handles GET /api/deadletters. It lists pending dead
// letters oldest first. Inspection only; replay stays with startup and
// the replay subcommand.
func (a *App) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	recs, err := a.store.Query(kv.KindDeadLetter).All(r.Context())
	if err != nil {
		a.logger.Error("listing dead letters failed", "error", err)
		a.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	response := make([]DeadLetterResponse, 0, len(recs))
	for _, rec := range recs {
		letter := rec.(*kv.DeadLetter)
		response = append(response, DeadLetterResponse{
			LetterID:  letter.LetterID,
			ChatID:    letter.ChatID,
			ReplyTo:   letter.ReplyTo,
			Text:      letter.Text,
			CreatedAt: letter.CreatedAt,
			Attempts:  letter.Attempts,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// handleSessions handles GET /api/sessions. Supports an optional
// ?status=active|dormant|completed|failed filter.
func (a *App) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	query := a.store.Query(kv.KindSession)
	if status := r.URL.Query().Get("status"); status != "" {
		query = query.Filter("status", status)
	}
	recs, err := query.All(r.Context())
	if err != nil {
		a.logger.Error("listing sessions failed", "error", err)
		a.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	response := make([]SessionResponse, 0, len(recs))
	for _, rec := range recs {
		sess := rec.(*kv.AgentSession)
		response = append(response, SessionResponse{
			SessionID:     sess.SessionID,
			ProjectKey:    sess.ProjectKey,
			Status:        sess.Status,
			ChatID:        sess.ChatID,
			StartedAt:     sess.StartedAt,
			LastActivity:  sess.LastActivity,
			ToolCallCount: sess.ToolCallCount,
			BranchName:    sess.BranchName,
			WorkItemSlug:  sess.WorkItemSlug,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

func (a *App) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
