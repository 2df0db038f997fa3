package transport

import (
	"context"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/pitabwire/escalator/internal/observability"
	"github.com/pitabwire/escalator/model"
)

type runHandlers struct {
	scheduler RunController
	runCtx    context.Context
}

type summaryResponse struct {
	State   string            `json:"state"`
	LastRun *model.RunSummary `json:"last_run,omitempty"`
}

type triggerResponse struct {
	RunID string `json:"run_id"`
}

func (h *runHandlers) summary(w http.ResponseWriter, r *http.Request) {
	if h.scheduler == nil {
		WriteError(w, r, model.NewBackendUnavailableError("scheduler"))
		return
	}
	resp := summaryResponse{State: h.scheduler.State()}
	if last, ok := h.scheduler.LastSummary(); ok {
		resp.LastRun = &last
	}
	WriteJSON(w, http.StatusOK, resp)
}

func (h *runHandlers) trigger(w http.ResponseWriter, r *http.Request) {
	if h.scheduler == nil {
		WriteError(w, r, model.NewBackendUnavailableError("scheduler"))
		return
	}
	ctx := h.runCtx
	if ctx == nil {
		ctx = context.WithoutCancel(r.Context())
	}

	runID, err := h.scheduler.Trigger(ctx)
	if err != nil {
		var ee *model.ErrorEnvelope
		if !errors.As(err, &ee) {
			observability.LoggerFrom(r.Context(), zap.NewNop()).Error("trigger run failed", zap.Error(err))
		}
		WriteError(w, r, err)
		return
	}

	observability.LoggerFrom(r.Context(), zap.NewNop()).Info("escalation run triggered",
		zap.String("run_id", runID),
		zap.Any("subject", ClaimsFrom(r.Context())["sub"]),
	)
	w.Header().Set("Location", "/v1/summary")
	WriteJSON(w, http.StatusAccepted, triggerResponse{RunID: runID})
}
