package analysis

import (
	"errors"
	"math"
	"net/http"
	"strconv"

	"chipledger/pkg/errutil"
	"chipledger/pkg/httpapi"
	"chipledger/pkg/middleware"
	"chipledger/services/ledger"
	"chipledger/services/pricing"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"go.uber.org/zap"
)

// AsHTTPError maps orchestration failures onto client facing errors. Provider
// and storage details never reach the response.
func AsHTTPError(err error) error {
	var (
		limited *RateLimitedError
		failed  *ExternalWorkError
	)
	switch {
	case err == nil:
		return nil
	case errors.As(err, &limited):
		return errutil.TooManyRequest("trial already used, try again later", err,
			errutil.WithDetail("retry_after_seconds", strconv.FormatInt(retryAfterSeconds(limited), 10)),
		)
	case errors.Is(err, ErrVideoNotFound):
		return errutil.NotFound("video not found", err)
	case errors.Is(err, ErrResultNotFound):
		return errutil.NotFound("result not found", err)
	case errors.Is(err, ErrAlreadyProcessed):
		return errutil.Conflict("video already analysed", err)
	case errors.Is(err, ErrInProgress):
		return errutil.Conflict("video analysis already in progress", err)
	case errors.Is(err, ErrTrialDisabled):
		return errutil.Forbidden("trial analysis is unavailable", err)
	case errors.Is(err, ErrInvalidVideo), errors.Is(err, pricing.ErrInvalidDuration):
		return errutil.BadRequest("invalid video duration", err)
	case errors.As(err, &failed) && failed.Refunded:
		return errutil.BadGateway(errutil.GenericMessage, err, errutil.WithDetail("refunded", "true"))
	case errors.Is(err, ErrExternalWorkFailed):
		return errutil.BadGateway(errutil.GenericMessage, err)
	}
	return ledger.AsHTTPError(err)
}

func retryAfterSeconds(e *RateLimitedError) int64 {
	return int64(math.Ceil(e.RetryAfter.Seconds()))
}

type Handler struct {
	repo         *Repository
	orchestrator *Orchestrator
	validate     *httpapi.Validator
	log          *zap.Logger
}

func NewHandler(repo *Repository, orchestrator *Orchestrator, validate *httpapi.Validator, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{repo: repo, orchestrator: orchestrator, validate: validate, log: log.Named("analysis.http")}
}

func (h *Handler) Register(mux *runtime.ServeMux) error {
	routes := []struct {
		method, path string
		fn           runtime.HandlerFunc
	}{
		{http.MethodPost, "/v1/videos", h.registerVideo},
		{http.MethodGet, "/v1/videos/{video_id}", h.getVideo},
		{http.MethodGet, "/v1/videos/{video_id}/result", h.getResult},
		{http.MethodPost, "/v1/videos/{video_id}/analysis", h.analyze},
		{http.MethodPost, "/v1/videos/{video_id}/trial-analysis", h.trial},
	}
	for _, rt := range routes {
		if err := mux.HandlePath(rt.method, rt.path, rt.fn); err != nil {
			return err
		}
	}
	return nil
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var limited *RateLimitedError
	if errors.As(err, &limited) {
		errutil.WriteError(w, r, AsHTTPError(err), func(hdr http.Header) {
			hdr.Set("Retry-After", strconv.FormatInt(retryAfterSeconds(limited), 10))
		})
		return
	}
	errutil.WriteError(w, r, AsHTTPError(err))
}

type registerVideoRequest struct {
	ExternalID string `json:"external_id" validate:"required,max=191"`
	Title      string `json:"title" validate:"max=255"`
	// Duration accepts HH:MM:SS, MM:SS, seconds or ISO-8601.
	Duration string `json:"duration" validate:"required"`
}

type videoResponse struct {
	*Video
	Cost int64 `json:"cost"`
}

func (h *Handler) registerVideo(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req registerVideoRequest
	if err := h.validate.Decode(r, &req); err != nil {
		errutil.WriteError(w, r, err)
		return
	}

	seconds, err := pricing.ParseDuration(req.Duration)
	if err != nil {
		errutil.WriteError(w, r, errutil.ValidationFailed("invalid duration", err, errutil.WithDetail("duration", err.Error())))
		return
	}

	video, err := h.repo.RegisterVideo(r.Context(), RegisterVideoParams{
		ExternalID:      req.ExternalID,
		Title:           req.Title,
		DurationSeconds: seconds,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	cost, _ := pricing.Cost(video.DurationSeconds)
	httpapi.WriteJSON(w, http.StatusCreated, videoResponse{Video: video, Cost: cost})
}

func (h *Handler) getVideo(w http.ResponseWriter, r *http.Request, params map[string]string) {
	video, err := h.repo.GetVideo(r.Context(), params["video_id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	cost, _ := pricing.Cost(video.DurationSeconds)
	httpapi.WriteJSON(w, http.StatusOK, videoResponse{Video: video, Cost: cost})
}

func (h *Handler) getResult(w http.ResponseWriter, r *http.Request, params map[string]string) {
	res, err := h.repo.GetResult(r.Context(), params["video_id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, res)
}

type analyzeRequest struct {
	Instructions string `json:"instructions" validate:"max=2000"`
}

func (h *Handler) decodeOptional(r *http.Request, dst *analyzeRequest) error {
	if r.ContentLength == 0 {
		return nil
	}
	return h.validate.Decode(r, dst)
}

func (h *Handler) analyze(w http.ResponseWriter, r *http.Request, params map[string]string) {
	accountID := middleware.GetCaller(r.Context()).AccountID
	if accountID == "" {
		errutil.WriteError(w, r, errutil.Unauthorized("missing account identity", nil))
		return
	}

	var req analyzeRequest
	if err := h.decodeOptional(r, &req); err != nil {
		errutil.WriteError(w, r, err)
		return
	}

	out, err := h.orchestrator.RunPaidAction(r.Context(), PaidActionRequest{
		AccountID:    accountID,
		VideoID:      params["video_id"],
		Instructions: req.Instructions,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, out)
}

func (h *Handler) trial(w http.ResponseWriter, r *http.Request, params map[string]string) {
	callerID := middleware.GetCaller(r.Context()).ID
	if callerID == "" {
		errutil.WriteError(w, r, errutil.BadRequest("missing caller identity", nil))
		return
	}

	var req analyzeRequest
	if err := h.decodeOptional(r, &req); err != nil {
		errutil.WriteError(w, r, err)
		return
	}

	out, err := h.orchestrator.RunTrial(r.Context(), TrialRequest{
		CallerID:     callerID,
		VideoID:      params["video_id"],
		Instructions: req.Instructions,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, out)
}
