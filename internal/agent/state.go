package agent

import (
	"errors"
	"fmt"
)

// Status of a run.
type Status string

const (
	StatusAwaitingModel Status = "awaiting_model"
	StatusToolDispatch  Status = "tool_dispatch"
	StatusSucceeded     Status = "succeeded"
	StatusFailed        Status = "failed"
	StatusCancelled     Status = "cancelled"
)

var (
	ErrIterationCap     = errors.New("agent: iteration cap exceeded")
	ErrNoUserMessage    = errors.New("agent: no user message")
	ErrModelUnavailable = errors.New("agent: model unavailable")

	errInvalidTransition = errors.New("agent: invalid state transition")
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

var transitions = map[Status]map[Status]struct{}{
	"": {
		StatusAwaitingModel: {},
		StatusFailed:        {},
		StatusCancelled:     {},
	},
	StatusAwaitingModel: {
		StatusToolDispatch: {},
		StatusSucceeded:    {},
		StatusFailed:       {},
		StatusCancelled:    {},
	},
	StatusToolDispatch: {
		StatusAwaitingModel: {},
		StatusFailed:        {},
		StatusCancelled:     {},
	},
	StatusSucceeded: {},
	StatusFailed:    {},
	StatusCancelled: {},
}

func validateTransition(from, to Status) error {
	allowed, ok := transitions[from]
	if !ok {
		return fmt.Errorf("%w: unknown source status %q", errInvalidTransition, from)
	}
	if _, ok := allowed[to]; !ok {
		return fmt.Errorf("%w: %q -> %q", errInvalidTransition, from, to)
	}
	return nil
}

// Message is one turn recorded during a run.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ToolResult is the outcome of one dispatched tool call.
type ToolResult struct {
	Name   string `json:"name"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// State is the externally visible state of a run.
type State struct {
	SessionID  string       `json:"session_id"`
	RunID      string       `json:"run_id"`
	Status     Status       `json:"status"`
	Messages   []Message    `json:"messages"`
	Pending    []ToolResult `json:"pending,omitempty"`
	Final      string       `json:"final,omitempty"`
	Err        string       `json:"error,omitempty"`
	Iterations int          `json:"iterations"`
}

func (s *State) transition(to Status) error {
	if err := validateTransition(s.Status, to); err != nil {
		return err
	}
	s.Status = to
	return nil
}

func (s State) clone() State {
	out := s
	out.Messages = append([]Message(nil), s.Messages...)
	out.Pending = append([]ToolResult(nil), s.Pending...)
	return out
}
