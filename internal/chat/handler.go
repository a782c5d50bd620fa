// Package chat implements the "chat" MaidHandler: the pluggable turn logic
// plugged into the WebSocket runtime that builds prompts from history and
// related memories, drives the LLM stream, and persists the result.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/koopa0/maidchat/internal/llm"
	"github.com/koopa0/maidchat/internal/log"
	"github.com/koopa0/maidchat/internal/memory"
	"github.com/koopa0/maidchat/internal/observability"
	"github.com/koopa0/maidchat/internal/session"
	"github.com/koopa0/maidchat/internal/store"
	"github.com/koopa0/maidchat/internal/wsrt"
)

const (
	historyLimit       = 20
	recentMemoryLimit  = 20
	relatedMemoryLimit = 20
)

// assistantInstructions is the persona handed to every stream as system
// guidance, independent of the per-turn prompt built below.
const assistantInstructions = `You are a warm, attentive companion who remembers details about the people you talk to. Speak naturally and stay in character; never mention that you are an AI, a model, or that you have "memories" or a "database" — just use what you know the way a person who cares would.`

// Handler implements wsrt.MaidHandler. It holds no per-connection state:
// everything it needs about a socket's identity and session arrives through
// the wsrt.Socket passed to each call.
type Handler struct {
	gw     llm.Gateway
	logger log.Logger
}

// New constructs a Handler backed by gw.
func New(gw llm.Gateway, logger log.Logger) *Handler {
	return &Handler{gw: gw, logger: logger}
}

var _ wsrt.MaidHandler = (*Handler)(nil)

// OnWelcome builds a first-message prompt from cross-session history and
// recently-touched memories, with no user message to save.
func (h *Handler) OnWelcome(ctx context.Context, sock wsrt.Socket) {
	h.respondWithStream(ctx, sock, func(sessionID int64) (string, error) {
		return h.buildWelcomePrompt(ctx, sock)
	}, nil)
}

// OnInput saves the user's message, then builds a prompt from in-session
// history and content-related memories.
func (h *Handler) OnInput(ctx context.Context, sock wsrt.Socket, content string) {
	h.respondWithStream(ctx, sock, func(sessionID int64) (string, error) {
		return h.buildInputPrompt(ctx, sock, sessionID, content)
	}, &pendingUserMessage{role: store.RoleUser, content: content})
}

type pendingUserMessage struct {
	role    string
	content string
}

// respondWithStream is the shared turn pipeline: resolve the session,
// optionally persist the user's message, build the prompt, stream the
// response, and persist or discard the result depending on how the stream
// settled.
func (h *Handler) respondWithStream(ctx context.Context, sock wsrt.Socket, buildPrompt func(sessionID int64) (string, error), maybeSaveUserMessage *pendingUserMessage) {
	ctx, span := observability.StartChatTurn(ctx, sock.UserID(), sock.MaidID(), sock.SessionID())
	defer span.End()

	sess, err := sock.EnsureSession(ctx, sock.SessionID())
	if err != nil {
		observability.RecordError(span, err)
		if errors.Is(err, session.ErrNotFound) {
			sock.SendError("session not found")
			sock.CloseViolation("session not found")
			return
		}
		sock.SendError(err.Error())
		return
	}

	if maybeSaveUserMessage != nil {
		if _, err := sock.SaveMessage(ctx, sess.ID, maybeSaveUserMessage.role, maybeSaveUserMessage.content); err != nil {
			sock.SendError(err.Error())
			return
		}
	}

	prompt, err := buildPrompt(sess.ID)
	if err != nil {
		observability.RecordError(span, err)
		sock.SendError(err.Error())
		return
	}

	sock.SendStreamStart()

	stream := h.gw.StreamResponse(ctx, prompt, assistantInstructions)
	sock.SetActiveStream(stream)
	defer sock.ClearActiveStream()

	var accumulated strings.Builder
	for delta := range stream.Deltas() {
		accumulated.WriteString(delta)
		sock.SendDelta(delta)
	}

	state, streamErr := stream.Wait()
	switch state {
	case llm.StreamCompleted:
		if streamErr != nil {
			sock.SendError(streamErr.Error())
			return
		}
		sock.SendStreamDone(sess.ID)
		if text := accumulated.String(); strings.TrimSpace(text) != "" {
			if _, err := sock.SaveMessage(ctx, sess.ID, store.RoleAssistant, text); err != nil {
				h.logger.Warn("chat: failed to persist assistant message", "error", err, "sessionId", sess.ID)
				return
			}
		}
		sock.SignalExtraction(ctx)
	case llm.StreamAborted:
		// The runtime already handled cancellation: no stream_done, no
		// assistant persistence, no extraction signal.
	case llm.StreamError:
		observability.RecordError(span, streamErr)
		sock.SendError(streamErr.Error())
	}
}

// buildWelcomePrompt gathers the 20 most recent messages across every
// session the user owns (reversed to chronological order) and the 20
// most-recently-updated memories, and formats a first-message prompt.
func (h *Handler) buildWelcomePrompt(ctx context.Context, sock wsrt.Socket) (string, error) {
	history, err := sock.ListRecent(ctx, 0, historyLimit, false)
	if err != nil {
		return "", fmt.Errorf("listing cross-session history: %w", err)
	}
	memories, err := sock.RecentMemories(ctx, recentMemoryLimit)
	if err != nil {
		return "", fmt.Errorf("listing recent memories: %w", err)
	}

	var b strings.Builder
	b.WriteString("You are about to greet someone you already know. Use what you remember about them to write a warm, natural opening message.\n\n")
	writeMemoriesBlock(&b, memories)
	writeHistoryBlock(&b, chronological(history))
	b.WriteString("\nWrite a natural first message to open the conversation.")
	return b.String(), nil
}

// buildInputPrompt gathers the 20 most recent messages in this session
// (excluding the just-saved message, which sits at index 0 of the
// desc-ordered result) and memories related to content regardless of
// similarity threshold, then formats a reply prompt ending in the user's
// own line.
func (h *Handler) buildInputPrompt(ctx context.Context, sock wsrt.Socket, sessionID int64, content string) (string, error) {
	history, err := sock.ListRecent(ctx, sessionID, historyLimit+1, true)
	if err != nil {
		return "", fmt.Errorf("listing session history: %w", err)
	}
	if len(history) > 0 {
		history = history[1:] // drop the message just saved by this turn
	}

	related, err := sock.RelatedMemories(ctx, content, memory.RelatedMemoriesOptions{
		Limit:     relatedMemoryLimit,
		Threshold: 0,
	})
	if err != nil {
		return "", fmt.Errorf("listing related memories: %w", err)
	}

	var b strings.Builder
	writeMemoriesBlockFromMatches(&b, related)
	writeHistoryBlock(&b, chronological(history))
	fmt.Fprintf(&b, "\n[user]: %s", content)
	return b.String(), nil
}

func writeMemoriesBlock(b *strings.Builder, memories []*store.Memory) {
	b.WriteString("<memories>\n")
	for _, m := range memories {
		fmt.Fprintf(b, "- %s\n", m.Content)
	}
	b.WriteString("</memories>\n\n")
}

func writeMemoriesBlockFromMatches(b *strings.Builder, matches []*store.MemoryMatch) {
	b.WriteString("<memories>\n")
	for _, m := range matches {
		fmt.Fprintf(b, "- %s\n", m.Content)
	}
	b.WriteString("</memories>\n\n")
}

func writeHistoryBlock(b *strings.Builder, msgs []*store.Message) {
	b.WriteString("<history>\n")
	for _, m := range msgs {
		fmt.Fprintf(b, "[%s]: %s\n", m.Role, m.Content)
	}
	b.WriteString("</history>\n")
}

// chronological reverses a desc-ordered (most recent first) slice into
// chronological order, without mutating the input.
func chronological(msgs []*store.Message) []*store.Message {
	out := make([]*store.Message, len(msgs))
	for i, m := range msgs {
		out[len(msgs)-1-i] = m
	}
	return out
}
