package agent

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lovediary/agentd/internal/provider"
)

// ErrParse marks a compression reply that did not match the expected
// labeled-line structure.
var ErrParse = errors.New("compression reply parse failed")

const (
	compressionBufferLimit = 15
	compressionTokenBudget = 800
	maxAffectionDelta      = 5
)

var signedIntPattern = regexp.MustCompile(`[-+]?\d+`)

// CompressionResult is the parsed output of a compression completion.
type CompressionResult struct {
	Summary   string
	Delta     int
	Reasoning string
	OK        bool
}

// ParseCompressionReply leniently extracts the SUMMARY, AFFECTION_DELTA
// and REASONING lines from a completion. The delta is clamped to
// [-5, 5] and defaults to 0 when no integer is present. A reply with no
// SUMMARY label falls back to treating the whole text as the summary;
// only an empty reply fails.
func ParseCompressionReply(text string) CompressionResult {
	res := CompressionResult{}

	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "SUMMARY:"):
			res.Summary = strings.TrimSpace(strings.TrimPrefix(line, "SUMMARY:"))
		case strings.HasPrefix(line, "AFFECTION_DELTA:"):
			raw := strings.TrimPrefix(line, "AFFECTION_DELTA:")
			if match := signedIntPattern.FindString(raw); match != "" {
				if v, err := strconv.Atoi(match); err == nil {
					res.Delta = clamp(v, -maxAffectionDelta, maxAffectionDelta)
				}
			}
		case strings.HasPrefix(line, "REASONING:"):
			res.Reasoning = strings.TrimSpace(strings.TrimPrefix(line, "REASONING:"))
		}
	}

	if res.Summary == "" {
		trimmed := strings.TrimSpace(text)
		if trimmed == "" {
			return res
		}
		res.Summary = trimmed
	}

	res.OK = true
	return res
}

// ShouldCompress reports whether the buffer has crossed the compression
// threshold.
func (a *Agent) ShouldCompress() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.shouldCompressLocked()
}

// Caller holds the mutex.
func (a *Agent) shouldCompressLocked() bool {
	if len(a.compressionBuffer) >= compressionBufferLimit {
		return true
	}

	var text strings.Builder
	text.WriteString(a.conversationSummary)
	for _, msg := range a.compressionBuffer {
		text.WriteString(" ")
		text.WriteString(msg.Text)
	}
	return estimateTokens(text.String()) > compressionTokenBudget
}

// estimateTokens approximates token count as word count times 1.3.
// Deliberately rough; it only gates compression.
func estimateTokens(text string) int {
	return int(float64(len(strings.Fields(text))) * 1.3)
}

// Compress folds the buffered messages into the running summary and
// stores the parsed affection delta for the next message turn to apply.
// On any failure the buffer is left intact and the pending delta
// unchanged, so no conversation data is lost. Callers run this in the
// background and log the returned error.
func (a *Agent) Compress(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.compressionBuffer) == 0 {
		return nil
	}

	prompt := buildCompressionPrompt(a.character.Name, a.player.Name, a.conversationSummary, a.compressionBuffer)
	reply, err := a.llm.Complete(ctx, prompt, provider.CompleteOptions{
		MaxTokens:   400,
		Temperature: 0.3,
		Mode:        provider.ModeOptimized,
	})
	if err != nil {
		return fmt.Errorf("%w: compression completion: %v", ErrUpstream, err)
	}

	res := ParseCompressionReply(reply)
	if !res.OK {
		log.Warn().
			Uint64("character_id", a.characterID).
			Msg("compression reply had no usable content")
		return ErrParse
	}
	if res.Reasoning == "" && res.Delta == 0 {
		log.Debug().
			Uint64("character_id", a.characterID).
			Msg("compression reply missing delta, defaulting to 0")
	}

	a.conversationSummary = res.Summary
	a.compressionBuffer = nil
	a.lastCompressionAt = a.now().UTC().Format(time.RFC3339)
	a.pendingAffectionDelta = res.Delta

	// Best effort; the summary also travels in the hibernation payload.
	if err := a.db.UpdateRelationshipContext(a.characterID, a.playerAddress, res.Summary, a.totalMessages); err != nil {
		log.Warn().Err(err).
			Uint64("character_id", a.characterID).
			Msg("failed to persist conversation summary")
	}

	log.Info().
		Uint64("character_id", a.characterID).
		Int("delta", res.Delta).
		Msg("conversation compressed")

	return nil
}
