// Package llm wraps the language model and embedding providers behind small interfaces
// the chat service can fake in tests.
package llm

import (
	"context"
	"errors"

	"github.com/stellarlinkco/keepsake/internal/companion"
)

// ErrEmptyReply is returned when the provider answers with no text.
var ErrEmptyReply = errors.New("empty reply")

// Request is one generation call. System leads the conversation and Postscript, when
// set, is sent as the final system message after History.
type Request struct {
	Model       string
	System      string
	History     []companion.Message
	Postscript  string
	Temperature *float64
	MaxTokens   int
	// User is forwarded to providers that accept an end-user id.
	User string
}

// Chunk is one streamed fragment. A chunk with Err set is always the last one.
type Chunk struct {
	Text string
	Err  error
}

type Generator interface {
	Complete(ctx context.Context, req Request) (string, error)
	// Stream returns a finite channel of fragments that is closed when generation ends.
	// Cancelling ctx stops generation and closes the channel.
	Stream(ctx context.Context, req Request) (<-chan Chunk, error)
}

// Collect drains a stream into the full reply.
func Collect(ch <-chan Chunk) (string, error) {
	var out []byte
	for c := range ch {
		if c.Err != nil {
			return "", c.Err
		}
		out = append(out, c.Text...)
	}
	return string(out), nil
}
