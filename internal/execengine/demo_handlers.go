package execengine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ChuLiYu/jobdispatcherd/internal/dispatch"
)

// RegisterDemoHandlers wires a couple of illustrative handlers into e, used
// by the demo binary to exercise a full submit -> split -> dispatch ->
// collect cycle without needing a real external handler process.
func RegisterDemoHandlers(e *Engine) {
	e.Register("echo", echoHandler)
	e.Register("countdown", countdownHandler)
}

// echoHandler finishes on the first dispatch; it exists purely to exercise
// the Finished outcome path end to end.
func echoHandler(_ context.Context, _ []byte) (dispatch.Result, error) {
	return dispatch.Result{Outcome: dispatch.Finished}, nil
}

type countdownState struct {
	Remaining int `json:"remaining"`
}

// countdownHandler decrements a counter carried in its continuation state
// across dispatches, exercising the Continue outcome path: the dispatcher
// requeues it with the updated state until the counter reaches zero. On the
// first dispatch the state is the submitted event itself, so the starting
// count is read from the event body's "remaining" attribute (default 3).
func countdownHandler(_ context.Context, state []byte) (dispatch.Result, error) {
	s, err := decodeCountdown(state)
	if err != nil {
		return dispatch.Result{}, err
	}

	if s.Remaining <= 0 {
		return dispatch.Result{Outcome: dispatch.Finished}, nil
	}

	s.Remaining--
	next, err := json.Marshal(s)
	if err != nil {
		return dispatch.Result{}, fmt.Errorf("countdown: encode state: %w", err)
	}
	return dispatch.Result{Outcome: dispatch.Continue, State: next}, nil
}

func decodeCountdown(state []byte) (countdownState, error) {
	s := countdownState{Remaining: 3}
	if len(state) == 0 {
		return s, nil
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(state, &raw); err != nil {
		return s, fmt.Errorf("countdown: decode state: %w", err)
	}
	// Continuation states carry "remaining" at the top level; an initial
	// event carries it (optionally) inside its body.
	if v, ok := raw["remaining"]; ok {
		if err := json.Unmarshal(v, &s.Remaining); err != nil {
			return s, fmt.Errorf("countdown: decode remaining: %w", err)
		}
		return s, nil
	}
	if body, ok := raw["body"]; ok {
		var b countdownState
		b.Remaining = 3
		if err := json.Unmarshal(body, &b); err == nil {
			s.Remaining = b.Remaining
		}
	}
	return s, nil
}
