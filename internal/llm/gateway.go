// Package llm wraps genkit to give the rest of the system three narrow
// capabilities: cancellable streaming chat responses, text embedding, and
// low-temperature structured generation. Nothing upstream talks to genkit
// directly.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"google.golang.org/genai"
)

// EmbeddingDimension is the fixed output width for every embedding this
// gateway produces. It must match the vector column width in the schema.
const EmbeddingDimension = 1024

// maxStructuredResponseBytes bounds how much text generateStructured will
// hand back to a caller before it gets suspicious of a runaway model.
const maxStructuredResponseBytes = 16 * 1024

// ErrResponseTooLarge is returned when a non-streaming generation exceeds
// maxStructuredResponseBytes.
var ErrResponseTooLarge = errors.New("llm: response too large")

// StreamState is the terminal (or running) state of a Stream.
type StreamState int

const (
	StreamRunning StreamState = iota
	StreamCompleted
	StreamError
	StreamAborted
)

func (s StreamState) String() string {
	switch s {
	case StreamRunning:
		return "running"
	case StreamCompleted:
		return "completed"
	case StreamError:
		return "error"
	case StreamAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Stream represents one in-flight streamed generation. Deltas arrive in
// order on Deltas(); Wait blocks until the stream reaches a terminal state.
// Abort is safe to call more than once and from any goroutine.
type Stream struct {
	deltas chan string
	done   chan struct{}
	cancel context.CancelFunc
	once   sync.Once

	mu    sync.Mutex
	state StreamState
	err   error
}

// Deltas returns the channel of text fragments produced as the model
// generates. The channel closes when the stream reaches a terminal state.
func (s *Stream) Deltas() <-chan string {
	return s.deltas
}

// Abort cancels the underlying generation. The stream settles into
// StreamAborted once the in-flight request observes the cancellation.
func (s *Stream) Abort() {
	s.once.Do(s.cancel)
}

// Wait blocks until the stream finishes, returning its terminal state and,
// for StreamError, the error that caused it.
func (s *Stream) Wait() (StreamState, error) {
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.err
}

func (s *Stream) finish(state StreamState, err error) {
	s.mu.Lock()
	s.state = state
	s.err = err
	s.mu.Unlock()
	close(s.done)
}

// Gateway is the narrow interface the rest of the system depends on.
// genkitGateway is the only production implementation; tests substitute a
// fake that never touches a real model.
type Gateway interface {
	// StreamResponse starts a cancellable streamed generation from prompt.
	// instructions, if non-empty, is prepended as system guidance.
	StreamResponse(ctx context.Context, prompt, instructions string) *Stream

	// Embed returns one vector per input text, in the same order, each of
	// length EmbeddingDimension.
	Embed(ctx context.Context, texts []string) ([][]float32, error)

	// GenerateStructured runs a single non-streamed generation at
	// temperature 0 and returns the raw response text.
	GenerateStructured(ctx context.Context, prompt string) (string, error)
}

// genkitGateway implements Gateway on top of a configured genkit instance.
type genkitGateway struct {
	g         *genkit.Genkit
	embedder  ai.Embedder
	chatModel string
	logger    *slog.Logger
}

// New builds a Gateway backed by g. chatModel is the provider-qualified
// model name used for both streaming and structured generation (e.g.
// "googleai/gemini-2.5-flash"); embedder produces the vectors returned by
// Embed.
func New(g *genkit.Genkit, embedder ai.Embedder, chatModel string, logger *slog.Logger) Gateway {
	return &genkitGateway{g: g, embedder: embedder, chatModel: chatModel, logger: logger}
}

func (gw *genkitGateway) StreamResponse(ctx context.Context, prompt, instructions string) *Stream {
	streamCtx, cancel := context.WithCancel(ctx)
	s := &Stream{
		deltas: make(chan string, 8),
		done:   make(chan struct{}),
		cancel: cancel,
	}

	full := prompt
	if instructions != "" {
		full = instructions + "\n\n" + prompt
	}

	go func() {
		defer close(s.deltas)

		callback := func(cbCtx context.Context, chunk *ai.ModelResponseChunk) error {
			text := chunk.Text()
			if text == "" {
				return nil
			}
			select {
			case s.deltas <- text:
				return nil
			case <-cbCtx.Done():
				return cbCtx.Err()
			}
		}

		opts := []ai.GenerateOption{
			ai.WithPrompt(full),
			ai.WithStreaming(callback),
		}
		if gw.chatModel != "" {
			opts = append(opts, ai.WithModelName(gw.chatModel))
		}

		_, err := genkit.Generate(streamCtx, gw.g, opts...)
		switch {
		case err == nil:
			s.finish(StreamCompleted, nil)
		case errors.Is(err, context.Canceled):
			s.finish(StreamAborted, nil)
		default:
			gw.logger.Warn("stream generation failed", "error", err)
			s.finish(StreamError, err)
		}
	}()

	return s
}

func (gw *genkitGateway) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	docs := make([]*ai.Document, len(texts))
	for i, t := range texts {
		docs[i] = ai.DocumentFromText(t, nil)
	}

	dim := int32(EmbeddingDimension)
	resp, err := gw.embedder.Embed(ctx, &ai.EmbedRequest{
		Input:   docs,
		Options: &genai.EmbedContentConfig{OutputDimensionality: &dim},
	})
	if err != nil {
		return nil, fmt.Errorf("embedding %d texts: %w", len(texts), err)
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("embedding response size mismatch: got %d, want %d", len(resp.Embeddings), len(texts))
	}

	vectors := make([][]float32, len(texts))
	for i, e := range resp.Embeddings {
		if len(e.Embedding) == 0 {
			return nil, fmt.Errorf("empty embedding for input %d", i)
		}
		vectors[i] = e.Embedding
	}
	return vectors, nil
}

func (gw *genkitGateway) GenerateStructured(ctx context.Context, prompt string) (string, error) {
	temperature := float32(0)
	opts := []ai.GenerateOption{
		ai.WithPrompt(prompt),
		ai.WithConfig(&genai.GenerateContentConfig{Temperature: &temperature}),
	}
	if gw.chatModel != "" {
		opts = append(opts, ai.WithModelName(gw.chatModel))
	}

	resp, err := genkit.Generate(ctx, gw.g, opts...)
	if err != nil {
		return "", fmt.Errorf("generating structured response: %w", err)
	}

	text := resp.Text()
	if len(text) > maxStructuredResponseBytes {
		return "", fmt.Errorf("%w: %d bytes", ErrResponseTooLarge, len(text))
	}
	return text, nil
}
