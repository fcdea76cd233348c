package engine

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"
)

// LaunchGoalParam is the body of POST /launch_goal.
type LaunchGoalParam struct {
	Goal                           string     `json:"goal"`
	TeamMemberNames                []string   `json:"team_member_names,omitempty"`
	TeamUpDepth                    *int       `json:"team_up_depth,omitempty"`
	IsCollaborativePlanningEnabled bool       `json:"is_collaborative_planning_enabled"`
	CommID                         string     `json:"comm_id,omitempty"`
	ContInput                      *ContInput `json:"cont_input,omitempty"`
	MaxTurns                       *int       `json:"max_turns,omitempty"`
	SkipNaming                     *bool      `json:"skip_naming,omitempty"`
}

// LaunchGoalResult is the reply: the session id and its conclusion.
type LaunchGoalResult struct {
	CommID     string `json:"comm_id"`
	Conclusion string `json:"conclusion"`
}

// BuildMux exposes the agent's control API.
func (e *Engine) BuildMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /launch_goal", e.handleLaunchGoal)
	mux.HandleFunc("POST /health_check", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, "ok")
	})
	return mux
}

func (e *Engine) handleLaunchGoal(w http.ResponseWriter, r *http.Request) {
	var param LaunchGoalParam
	if err := json.NewDecoder(r.Body).Decode(&param); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if param.Goal == "" && param.CommID == "" {
		http.Error(w, "goal is required", http.StatusBadRequest)
		return
	}

	opts := e.DefaultGoalOptions()
	opts.TeamMemberNames = param.TeamMemberNames
	opts.CommID = param.CommID
	opts.Cont = param.ContInput
	if opts.Cont != nil && opts.Cont.Content == "" {
		opts.Cont = nil
	}
	if param.TeamUpDepth != nil {
		opts.TeamUpDepth = param.TeamUpDepth
	}
	if param.IsCollaborativePlanningEnabled {
		opts.CollaborativePlanning = true
	}
	if param.MaxTurns != nil {
		opts.MaxTurns = param.MaxTurns
	}
	if param.SkipNaming != nil {
		opts.SkipNaming = *param.SkipNaming
	}
	commID, conclusion, err := e.LaunchGoal(r.Context(), param.Goal, opts)
	if err != nil {
		e.logger.Error("launch_goal failed", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, LaunchGoalResult{CommID: commID, Conclusion: conclusion})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// Serve runs the control API until ctx is cancelled.
func (e *Engine) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: e.BuildMux()}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	e.logger.Info("agent API listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
