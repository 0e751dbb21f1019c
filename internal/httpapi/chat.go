package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"memoaid/internal/inference"
	"memoaid/internal/manager"
	"memoaid/pkg/types"
)

// chat godoc
// @Summary      Send a chat message
// @Description  Runs the message through the model and any tools it calls.
// @Description  With stream=true the response is NDJSON: one {"chunk","accumulated"}
// @Description  line per fragment followed by a final line with done=true.
// @Tags         chat
// @Accept       json
// @Produce      json
// @Produce      application/x-ndjson
// @Param        request  body      types.ChatRequest  true  "Message"
// @Success      200      {object}  types.ChatResponse
// @Failure      400      {object}  types.ErrorResponse
// @Failure      429      {object}  types.ErrorResponse
// @Failure      503      {object}  types.ErrorResponse
// @Router       /chat [post]
func (h *handlers) chat(w http.ResponseWriter, r *http.Request) {
	var req types.ChatRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeJSONError(w, http.StatusBadRequest, "message is required")
		return
	}

	start := time.Now()
	lvl := requestLogLevel(r)
	if lvl >= LevelInfo {
		zlog.Info().Str("session", req.SessionID).Bool("stream", req.Stream).Msg("chat start")
	}

	// Join server base context with request context so shutdown cancels work too.
	ctx, cancel := joinContexts(serverBaseCtx, r.Context())
	defer cancel()
	if d := currentLimits().ChatTimeout; d > 0 {
		var tcancel context.CancelFunc
		ctx, tcancel = context.WithTimeout(ctx, d)
		defer tcancel()
	}

	out := &ndjsonWriter{w: w}
	if lvl >= LevelDebug {
		out.log = &loggingLineWriter{}
	}
	var onChunk func(types.ChatChunk) bool
	if req.Stream {
		onChunk = func(c types.ChatChunk) bool {
			return out.write(c) == nil
		}
	}

	resp, err := h.svc.Chat(ctx, req, onChunk)
	resp.Done = req.Stream
	switch {
	case err == nil:
	case r.Context().Err() != nil || serverBaseCtx.Err() != nil:
		// client went away or the server is shutting down
		return
	case manager.IsTooBusy(err) && !out.started:
		fail(w, r, err, start)
		return
	case inference.IsGenerationError(err):
		resp.Answer = inference.FormatApology(err)
		resp.Error = err.Error()
	case isCanceled(err):
		// the session was evicted; report the cancelled run
		resp.Error = err.Error()
	case !out.started:
		fail(w, r, err, start)
		return
	default:
		// headers are gone; report the failure in the final line
		resp.Error = err.Error()
	}

	if req.Stream {
		_ = out.write(resp)
	} else {
		writeJSON(w, http.StatusOK, resp)
	}
	logEnd(r, lvl, "chat end", http.StatusOK, start, err)
}

// ndjsonWriter writes one JSON value per line and flushes after each.
type ndjsonWriter struct {
	w       http.ResponseWriter
	log     io.Writer
	started bool
}

func (n *ndjsonWriter) write(v any) error {
	if !n.started {
		n.w.Header().Set("Content-Type", "application/x-ndjson")
		n.w.WriteHeader(http.StatusOK)
		n.started = true
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	if n.log != nil {
		_, _ = n.log.Write(b)
	}
	if _, err := n.w.Write(b); err != nil {
		return err
	}
	if f, ok := n.w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}
