package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"memoaid/pkg/types"
)

// Service defines the methods required by the HTTP API layer.
type Service interface {
	Ready() bool

	ListModels() ([]types.Model, error)
	ModelStatus() types.ModelStatus
	LoadModel(ctx context.Context, req types.LoadRequest) (types.ModelStatus, error)
	ReloadModel(ctx context.Context, req types.LoadRequest) (types.ModelStatus, error)
	UnloadModel(ctx context.Context) (types.ModelStatus, error)

	Settings() types.SettingsResponse
	UpdateSettings(values map[string]any) (types.SettingsResponse, error)

	Tools() types.ToolsResponse

	// Chat runs one message to completion. onChunk receives streamed
	// fragments when req.Stream is set; returning false stops generation.
	Chat(ctx context.Context, req types.ChatRequest, onChunk func(types.ChatChunk) bool) (types.ChatResponse, error)
	EvictSession(id string) bool
	History(ctx context.Context, sessionID string, limit int) ([]types.Turn, error)
	ClearHistory(ctx context.Context, sessionID string) (int64, error)

	Prompts() types.PromptsResponse
	SetGlobalPrompt(prompt string) error
	SetModelPrompt(model, prompt string) error
	SetCustomPrompt(id, prompt, description string) error
	DeleteCustomPrompt(id string) error
}

func NewMux(svc Service) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(MetricsMiddleware)
	if opts, ok := corsOptions(); ok {
		r.Use(cors.Handler(opts))
	}
	// Security headers
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})

	h := &handlers{svc: svc}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if svc.Ready() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("loading"))
	})
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	// Compression only for the plain JSON endpoints; /chat streams.
	r.Group(func(r chi.Router) {
		r.Use(middleware.Compress(5))
		r.Get("/models", h.listModels)
		r.Get("/model", h.modelStatus)
		r.Post("/model/load", h.loadModel)
		r.Post("/model/reload", h.reloadModel)
		r.Delete("/model", h.unloadModel)

		r.Get("/settings", h.getSettings)
		r.Put("/settings", h.putSettings)

		r.Get("/tools", h.listTools)

		r.Delete("/sessions/{id}", h.evictSession)
		r.Get("/history", h.getHistory)
		r.Delete("/history", h.clearHistory)

		r.Get("/prompts", h.getPrompts)
		r.Put("/prompts/global", h.putGlobalPrompt)
		r.Put("/prompts/model", h.putModelPrompt)
		r.Put("/prompts/custom/{id}", h.putCustomPrompt)
		r.Delete("/prompts/custom/{id}", h.deleteCustomPrompt)
	})
	r.Post("/chat", h.chat)

	MountSwagger(r)
	return r
}

type handlers struct {
	svc Service
}

// decodeJSON enforces the JSON content type and the body size limit. It
// writes the error response itself and reports whether decoding succeeded.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	ct := r.Header.Get("Content-Type")
	if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, currentLimits().MaxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		// size overflow is reported as a plain 400 as well
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// fail writes err with its mapped status and logs it.
func fail(w http.ResponseWriter, r *http.Request, err error, start time.Time) {
	status := statusFor(err)
	if status == http.StatusTooManyRequests {
		IncrementBackpressure("queue_full")
	}
	writeJSONError(w, status, err.Error())
	logEnd(r, requestLogLevel(r), r.Method+" "+routePatternOrPath(r), status, start, err)
}

// listModels godoc
// @Summary      List models
// @Description  Lists the GGUF files found in the models directory.
// @Tags         models
// @Produce      json
// @Success      200  {object}  types.ModelsResponse
// @Failure      500  {object}  types.ErrorResponse
// @Router       /models [get]
func (h *handlers) listModels(w http.ResponseWriter, r *http.Request) {
	models, err := h.svc.ListModels()
	if err != nil {
		fail(w, r, err, time.Now())
		return
	}
	if models == nil {
		models = []types.Model{}
	}
	writeJSON(w, http.StatusOK, types.ModelsResponse{Models: models})
}

// modelStatus godoc
// @Summary      Loaded model
// @Tags         models
// @Produce      json
// @Success      200  {object}  types.ModelStatus
// @Router       /model [get]
func (h *handlers) modelStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.ModelStatus())
}

// loadModel godoc
// @Summary      Load a model
// @Description  Loads a model by id or path, replacing the loaded one.
// @Tags         models
// @Accept       json
// @Produce      json
// @Param        request  body      types.LoadRequest  true  "Model to load"
// @Success      200      {object}  types.ModelStatus
// @Failure      404      {object}  types.ErrorResponse
// @Failure      503      {object}  types.ErrorResponse
// @Router       /model/load [post]
func (h *handlers) loadModel(w http.ResponseWriter, r *http.Request) {
	var req types.LoadRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Path) == "" {
		writeJSONError(w, http.StatusBadRequest, "path is required")
		return
	}
	h.lifecycle(w, r, func(ctx context.Context) (types.ModelStatus, error) {
		return h.svc.LoadModel(ctx, req)
	})
}

// reloadModel godoc
// @Summary      Reload the model
// @Description  Unloads and loads again; an empty path reloads the current model.
// @Tags         models
// @Accept       json
// @Produce      json
// @Param        request  body      types.LoadRequest  false  "Model to load"
// @Success      200      {object}  types.ModelStatus
// @Failure      503      {object}  types.ErrorResponse
// @Router       /model/reload [post]
func (h *handlers) reloadModel(w http.ResponseWriter, r *http.Request) {
	var req types.LoadRequest
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}
	h.lifecycle(w, r, func(ctx context.Context) (types.ModelStatus, error) {
		return h.svc.ReloadModel(ctx, req)
	})
}

// unloadModel godoc
// @Summary      Unload the model
// @Tags         models
// @Produce      json
// @Success      200  {object}  types.ModelStatus
// @Failure      503  {object}  types.ErrorResponse
// @Router       /model [delete]
func (h *handlers) unloadModel(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, h.svc.UnloadModel)
}

func (h *handlers) lifecycle(w http.ResponseWriter, r *http.Request, op func(context.Context) (types.ModelStatus, error)) {
	start := time.Now()
	ctx, cancel := joinContexts(serverBaseCtx, r.Context())
	defer cancel()
	st, err := op(ctx)
	if err != nil {
		fail(w, r, err, start)
		return
	}
	logEnd(r, requestLogLevel(r), r.Method+" "+routePatternOrPath(r), http.StatusOK, start, nil)
	writeJSON(w, http.StatusOK, st)
}

// getSettings godoc
// @Summary      Generation settings
// @Tags         settings
// @Produce      json
// @Success      200  {object}  types.SettingsResponse
// @Router       /settings [get]
func (h *handlers) getSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Settings())
}

// putSettings godoc
// @Summary      Update settings
// @Description  Applies the given keys atomically. Unknown keys are rejected.
// @Tags         settings
// @Accept       json
// @Produce      json
// @Success      200  {object}  types.SettingsResponse
// @Failure      400  {object}  types.ErrorResponse
// @Router       /settings [put]
func (h *handlers) putSettings(w http.ResponseWriter, r *http.Request) {
	var values map[string]any
	if !decodeJSON(w, r, &values) {
		return
	}
	out, err := h.svc.UpdateSettings(values)
	if err != nil {
		fail(w, r, err, time.Now())
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// listTools godoc
// @Summary      Tool servers and tools
// @Tags         tools
// @Produce      json
// @Success      200  {object}  types.ToolsResponse
// @Router       /tools [get]
func (h *handlers) listTools(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Tools())
}

// evictSession godoc
// @Summary      Drop a session
// @Description  Cancels the in-flight run of the session, if any, and forgets it.
// @Tags         chat
// @Param        id   path  string  true  "Session id"
// @Success      204
// @Failure      404  {object}  types.ErrorResponse
// @Router       /sessions/{id} [delete]
func (h *handlers) evictSession(w http.ResponseWriter, r *http.Request) {
	if !h.svc.EvictSession(chi.URLParam(r, "id")) {
		writeJSONError(w, http.StatusNotFound, "session not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// getHistory godoc
// @Summary      Dialog history
// @Tags         history
// @Produce      json
// @Param        session_id  query  string  true   "Session id"
// @Param        limit       query  int     false  "Most recent turns to return"
// @Success      200  {object}  types.HistoryResponse
// @Failure      400  {object}  types.ErrorResponse
// @Router       /history [get]
func (h *handlers) getHistory(w http.ResponseWriter, r *http.Request) {
	sid := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if sid == "" {
		writeJSONError(w, http.StatusBadRequest, "session_id is required")
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSONError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	turns, err := h.svc.History(r.Context(), sid, limit)
	if err != nil {
		fail(w, r, err, time.Now())
		return
	}
	if turns == nil {
		turns = []types.Turn{}
	}
	writeJSON(w, http.StatusOK, types.HistoryResponse{Turns: turns})
}

// clearHistory godoc
// @Summary      Clear history
// @Description  Deletes the turns of one session, or all of them without session_id.
// @Tags         history
// @Produce      json
// @Param        session_id  query  string  false  "Session id"
// @Success      200  {object}  types.ClearedResponse
// @Router       /history [delete]
func (h *handlers) clearHistory(w http.ResponseWriter, r *http.Request) {
	n, err := h.svc.ClearHistory(r.Context(), r.URL.Query().Get("session_id"))
	if err != nil {
		fail(w, r, err, time.Now())
		return
	}
	writeJSON(w, http.StatusOK, types.ClearedResponse{Deleted: n})
}

// getPrompts godoc
// @Summary      System prompts
// @Tags         prompts
// @Produce      json
// @Success      200  {object}  types.PromptsResponse
// @Router       /prompts [get]
func (h *handlers) getPrompts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Prompts())
}

// putGlobalPrompt godoc
// @Summary      Set the global prompt
// @Tags         prompts
// @Accept       json
// @Param        request  body  types.PromptUpdate  true  "Prompt"
// @Success      204
// @Router       /prompts/global [put]
func (h *handlers) putGlobalPrompt(w http.ResponseWriter, r *http.Request) {
	var req types.PromptUpdate
	if !decodeJSON(w, r, &req) {
		return
	}
	h.noContent(w, r, h.svc.SetGlobalPrompt(req.Prompt))
}

// putModelPrompt godoc
// @Summary      Set a model prompt
// @Description  Overrides the global prompt for one model path.
// @Tags         prompts
// @Accept       json
// @Param        request  body  types.PromptUpdate  true  "Model and prompt"
// @Success      204
// @Failure      400  {object}  types.ErrorResponse
// @Router       /prompts/model [put]
func (h *handlers) putModelPrompt(w http.ResponseWriter, r *http.Request) {
	var req types.PromptUpdate
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Model) == "" {
		writeJSONError(w, http.StatusBadRequest, "model is required")
		return
	}
	h.noContent(w, r, h.svc.SetModelPrompt(req.Model, req.Prompt))
}

// putCustomPrompt godoc
// @Summary      Create or replace a custom prompt
// @Tags         prompts
// @Accept       json
// @Param        id       path  string              true  "Prompt id"
// @Param        request  body  types.PromptUpdate  true  "Prompt"
// @Success      204
// @Router       /prompts/custom/{id} [put]
func (h *handlers) putCustomPrompt(w http.ResponseWriter, r *http.Request) {
	var req types.PromptUpdate
	if !decodeJSON(w, r, &req) {
		return
	}
	h.noContent(w, r, h.svc.SetCustomPrompt(chi.URLParam(r, "id"), req.Prompt, req.Description))
}

// deleteCustomPrompt godoc
// @Summary      Delete a custom prompt
// @Tags         prompts
// @Param        id  path  string  true  "Prompt id"
// @Success      204
// @Failure      404  {object}  types.ErrorResponse
// @Router       /prompts/custom/{id} [delete]
func (h *handlers) deleteCustomPrompt(w http.ResponseWriter, r *http.Request) {
	h.noContent(w, r, h.svc.DeleteCustomPrompt(chi.URLParam(r, "id")))
}

func (h *handlers) noContent(w http.ResponseWriter, r *http.Request, err error) {
	if err != nil {
		fail(w, r, err, time.Now())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func isCanceled(err error) bool {
	return errors.Is(err, context.Canceled)
}
