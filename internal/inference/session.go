// Package inference renders chat prompts and runs blocking or streaming
// generations against the model leased from the manager.
package inference

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"memoaid/internal/manager"
)

// Leaser hands out exclusive use of the loaded model.
type Leaser interface {
	Acquire(ctx context.Context) (*manager.Lease, error)
}

// Result of a generation. Cancelled results carry no text.
type Result struct {
	Text      string
	Cancelled bool
	// Fallback is set when the text came from the simplified retry.
	Fallback bool
	Duration time.Duration
}

// ChunkFunc receives each generated fragment and the text accumulated so
// far. Returning false stops the generation.
type ChunkFunc func(chunk, accumulated string) bool

// Session runs generations. It is safe for concurrent use; the manager
// serializes access to the model itself.
type Session struct {
	models Leaser
	log    zerolog.Logger
}

// NewSession returns a Session that leases models from m.
func NewSession(m Leaser, logger *zerolog.Logger) *Session {
	s := &Session{models: m, log: zerolog.Nop()}
	if logger != nil {
		s.log = logger.With().Str("component", "inference").Logger()
	}
	return s
}

// Generate blocks until the completion is done and returns it trimmed. When
// the model produced only whitespace it retries once with the raw user text,
// a smaller token budget, a lower temperature and no stop sequences.
func (s *Session) Generate(ctx context.Context, p Prompt, o Options) (Result, error) {
	start := time.Now()
	res, err := s.run(ctx, p.Text, o, nil)
	res.Text = strings.TrimSpace(res.Text)
	if err == nil && !res.Cancelled && res.Text == "" && p.UserText != "" {
		s.log.Debug().Msg("empty completion; retrying with simplified prompt")
		res, err = s.run(ctx, p.UserText, o.fallback(), nil)
		res.Text = strings.TrimSpace(res.Text)
		res.Fallback = true
	}
	res.Duration = time.Since(start)
	observe("blocking", res, err)
	return res, err
}

// GenerateStreaming runs the completion on a worker goroutine and calls
// onChunk on the caller's goroutine once per fragment, in order. If onChunk
// returns false no further fragment is delivered and the result is
// Cancelled with empty text.
func (s *Session) GenerateStreaming(ctx context.Context, p Prompt, o Options, onChunk ChunkFunc) (Result, error) {
	start := time.Now()
	res, err := s.run(ctx, p.Text, o, onChunk)
	res.Duration = time.Since(start)
	observe("streaming", res, err)
	return res, err
}

type workerResult struct {
	text string
	err  error
}

func (s *Session) run(ctx context.Context, prompt string, o Options, onChunk ChunkFunc) (Result, error) {
	lease, err := s.models.Acquire(ctx)
	if err != nil {
		return Result{}, &GenerationError{Op: "acquire", Err: err}
	}

	chunks := make(chan string)
	stop := make(chan struct{})
	done := make(chan workerResult, 1)

	go func() {
		var wr workerResult
		defer func() {
			if r := recover(); r != nil {
				wr = workerResult{err: &GenerationError{Op: "predict", Err: fmt.Errorf("%v", r), Panic: true}}
			}
			lease.Release()
			done <- wr
			close(chunks)
		}()
		text, err := lease.Model().Predict(ctx, prompt, o.predictParams(), func(tok string) bool {
			select {
			case chunks <- tok:
				return true
			case <-stop:
				return false
			case <-ctx.Done():
				return false
			}
		})
		wr = workerResult{text: text, err: err}
	}()

	var acc strings.Builder
	delivered := false
	for {
		select {
		case tok, ok := <-chunks:
			if !ok {
				wr := <-done
				if err := ctx.Err(); err != nil {
					return Result{Cancelled: true}, err
				}
				if wr.err != nil {
					if IsGenerationError(wr.err) {
						return Result{}, wr.err
					}
					return Result{}, &GenerationError{Op: "predict", Err: wr.err}
				}
				if delivered {
					return Result{Text: acc.String()}, nil
				}
				return Result{Text: wr.text}, nil
			}
			delivered = true
			acc.WriteString(tok)
			if onChunk != nil && !onChunk(tok, acc.String()) {
				close(stop)
				return Result{Cancelled: true}, nil
			}
		case <-ctx.Done():
			close(stop)
			return Result{Cancelled: true}, ctx.Err()
		}
	}
}

func observe(mode string, res Result, err error) {
	result := "ok"
	switch {
	case res.Cancelled:
		result = "cancelled"
	case err != nil:
		result = "error"
	case res.Fallback:
		result = "fallback"
	}
	generationsTotal.WithLabelValues(mode, result).Inc()
	generationDuration.WithLabelValues(mode).Observe(res.Duration.Seconds())
}
