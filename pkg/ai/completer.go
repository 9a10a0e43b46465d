package ai

import (
	"context"
	"errors"
	"fmt"

	"roomchat/pkg/domain"
)

// Upstream failure taxonomy. Callers branch on these to build user-facing
// replies; anything else is a plain transport error.
var (
	ErrTimeout       = errors.New("completion request timed out")
	ErrUnauthorized  = errors.New("completion api key rejected")
	ErrRateLimited   = errors.New("completion api rate limited")
	ErrEmptyResponse = errors.New("completion api returned no content")
)

// StatusError reports a non-2xx response not covered by a sentinel above.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("completion api status %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("completion api status %d", e.Code)
}

// Params are the generation parameters sent with every completion request.
type Params struct {
	Model            string
	MaxTokens        int     // [1, 8192]
	FrequencyPenalty float64 // [-2, 2]
	PresencePenalty  float64 // [-2, 2]
	Temperature      float64 // [0, 2]
	TopP             float64 // [0, 1]
}

// Completer produces one assistant reply for an ordered message list.
// Streaming is never used; implementations must respect ctx cancellation.
type Completer interface {
	Complete(ctx context.Context, messages []domain.Message) (string, error)
}
