package server

import (
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/bytedance/sonic"

	"github.com/aixgo-dev/gameserver/pkg/session"
)

var jsonAPI = sonic.ConfigStd

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

type healthResponse struct {
	Status string `json:"status"`
	Server string `json:"server"`
}

type statusResponse struct {
	State           session.State `json:"state"`
	Step            int           `json:"step"`
	Running         bool          `json:"running"`
	ScreenshotCount int           `json:"screenshot_history_count"`
	EpisodeID       string        `json:"episode_id,omitempty"`
	LastCheckpoint  string        `json:"last_checkpoint,omitempty"`
}

type screenshotsResponse struct {
	Screenshots []string `json:"screenshots"`
	Count       int      `json:"count"`
	CurrentStep int      `json:"current_step"`
	Format      string   `json:"format"`
}

type actionsRequest struct {
	Actions []string `json:"actions"`
}

type actionResult struct {
	Success     bool   `json:"success"`
	Action      string `json:"action"`
	Step        *int   `json:"step,omitempty"`
	ActionIndex int    `json:"action_index"`
	Error       string `json:"error,omitempty"`
}

type actionsResponse struct {
	Success      bool           `json:"success"`
	TotalActions int            `json:"total_actions"`
	Results      []actionResult `json:"results"`
	FinalStep    int            `json:"final_step"`
	Error        string         `json:"error,omitempty"`
}

type resetResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, healthResponse{Status: "healthy", Server: ServerName})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := s.ctrl.Status()
	s.writeJSON(w, http.StatusOK, statusResponse{
		State:           st.State,
		Step:            st.Step,
		Running:         st.Running,
		ScreenshotCount: st.ScreenshotCount,
		EpisodeID:       st.EpisodeID,
		LastCheckpoint:  st.LastCheckpoint,
	})
}

// handleScreenshots handles GET /screenshots?count=N. N defaults to 1 and
// an unparsable value is treated as 1.
func (s *Server) handleScreenshots(w http.ResponseWriter, r *http.Request) {
	count, err := strconv.Atoi(r.URL.Query().Get("count"))
	if err != nil {
		count = 1
	}

	frames, step := s.ctrl.Screenshots(count)
	encoded := make([]string, len(frames))
	for i, frame := range frames {
		encoded[i] = base64.StdEncoding.EncodeToString(frame.PNG)
	}
	s.writeJSON(w, http.StatusOK, screenshotsResponse{
		Screenshots: encoded,
		Count:       len(encoded),
		CurrentStep: step,
		Format:      "base64_png",
	})
}

func (s *Server) handleActions(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	var req actionsRequest
	if err := jsonAPI.Unmarshal(body, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req.Actions) == 0 {
		s.writeError(w, http.StatusBadRequest, "Empty actions list")
		return
	}

	res, err := s.ctrl.ApplyActions(r.Context(), req.Actions)
	var invalid *session.InvalidActionError
	var fault *session.EmulatorFaultError
	switch {
	case err == nil:
	case errors.As(err, &invalid):
		s.writeError(w, http.StatusBadRequest, invalid.Error())
		return
	case errors.Is(err, session.ErrEmptyActions):
		s.writeError(w, http.StatusBadRequest, "Empty actions list")
		return
	case errors.Is(err, session.ErrTerminal):
		s.writeError(w, http.StatusConflict, err.Error())
		return
	case errors.As(err, &fault) && res != nil:
		// Partial progress is reported with the fault
	default:
		s.logger.Error().Err(err).Msg("apply actions failed")
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := actionsResponse{
		Success:      res.Success(),
		TotalActions: len(req.Actions),
		Results:      make([]actionResult, len(res.Results)),
		FinalStep:    res.FinalStep,
	}
	for i, ar := range res.Results {
		out := actionResult{Success: ar.Success, Action: ar.Action, ActionIndex: ar.Index}
		if ar.Success {
			out.Step = &ar.Step
		} else if ar.Err != nil {
			out.Error = ar.Err.Error()
		}
		resp.Results[i] = out
	}
	if err != nil {
		resp.Error = err.Error()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	err := s.ctrl.Reset(r.Context())
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusOK, resetResponse{Success: true, Message: "Game reset"})
	case errors.Is(err, session.ErrTerminal):
		s.writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error().Err(err).Msg("reset failed")
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := jsonAPI.Marshal(v)
	if err != nil {
		s.logger.Error().Err(err).Msg("encode response")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, errorResponse{Success: false, Error: msg})
}
