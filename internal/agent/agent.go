// Package agent implements the per-pairing conversation state machine:
// message turns, memory compression, and diary staging.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lovediary/agentd/internal/provider"
	"github.com/lovediary/agentd/internal/store"
	"github.com/lovediary/agentd/internal/traits"
)

// ErrUpstream marks a failed language-model or chain call.
var ErrUpstream = errors.New("upstream call failed")

const (
	maxAffection     = 1000
	recentWindowSize = 15
	memoryLimit      = 3
)

// PendingDiary holds a day's conversation staged for diary generation.
type PendingDiary struct {
	Date     string
	Summary  string
	Messages []store.Message
}

// Reply is the result of a message turn.
type Reply struct {
	Text            string
	AffectionChange int
	ShouldCompress  bool
}

// Params configures a new Agent.
type Params struct {
	CharacterID      uint64
	PlayerAddress    string
	Character        *traits.Character
	Player           store.PlayerInfo
	Backstory        string
	BackstorySummary string
	Affection        int
	TotalMessages    int
	LLM              provider.Provider
	Store            *store.Store
}

// Agent is one character/player pairing's live conversation state. All
// public operations serialize on the agent's mutex, so a message turn
// never observes a half-applied compression.
type Agent struct {
	mu sync.Mutex

	characterID   uint64
	playerAddress string
	character     *traits.Character
	player        store.PlayerInfo

	backstory        string
	backstorySummary string
	affection        int
	totalMessages    int

	recentWindow          []store.Message
	compressionBuffer     []store.Message
	conversationSummary   string
	todayDate             string
	dailyMessageCount     int
	pendingAffectionDelta int
	lastCompressionAt     string
	pendingDiary          *PendingDiary

	lastActivity atomic.Int64

	llm provider.Provider
	db  *store.Store
	now func() time.Time
}

// New constructs an agent in its ready state.
func New(p Params) *Agent {
	a := &Agent{
		characterID:      p.CharacterID,
		playerAddress:    strings.ToLower(p.PlayerAddress),
		character:        p.Character,
		player:           p.Player,
		backstory:        p.Backstory,
		backstorySummary: p.BackstorySummary,
		affection:        p.Affection,
		totalMessages:    p.TotalMessages,
		llm:              p.LLM,
		db:               p.Store,
		now:              time.Now,
	}
	a.Touch()
	return a
}

// CharacterID returns the character token ID.
func (a *Agent) CharacterID() uint64 { return a.characterID }

// PlayerAddress returns the bonded player's wallet address, lowercased.
func (a *Agent) PlayerAddress() string { return a.playerAddress }

// Touch refreshes the idle-eviction clock.
func (a *Agent) Touch() {
	a.lastActivity.Store(time.Now().UnixNano())
}

// LastActivity returns the time of the most recent touch.
func (a *Agent) LastActivity() time.Time {
	return time.Unix(0, a.lastActivity.Load())
}

// Progress returns the current affection level and total message count.
func (a *Agent) Progress() (affection, totalMessages int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.affection, a.totalMessages
}

// Backstory returns the full backstory text.
func (a *Agent) Backstory() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.backstory
}

// ProcessMessage runs one conversation turn. The returned affection
// change is the pending compression delta applied at the start of this
// turn, not a judgement of this turn's content.
func (a *Agent) ProcessMessage(ctx context.Context, playerName, text string) (*Reply, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Touch()

	if playerName != "" {
		a.player.Name = playerName
	}

	a.rolloverIfNewDay()

	applied := a.applyPendingDelta()

	a.appendMessage(store.Message{
		Sender:    store.SenderPlayer,
		Text:      text,
		Timestamp: a.now().UTC().Format(time.RFC3339),
	})

	memories := a.retrieveMemories(ctx, text)

	system := buildSystemPrompt(a.character, a.character.Age(a.now()), a.chatBackstory(), a.player.Name, a.player.Gender)
	history := buildContextPrompt(a.recentWindow, a.player.Name, memories)

	replyText, err := a.llm.Chat(ctx, system, []provider.Message{
		{Role: "user", Content: history + "\nRespond to " + a.player.Name + "'s last message."},
	}, provider.ChatOptions{MaxTokens: 300, Temperature: 0.8})
	if err != nil {
		return nil, fmt.Errorf("%w: chat completion: %v", ErrUpstream, err)
	}

	a.appendMessage(store.Message{
		Sender:          store.SenderCharacter,
		Text:            replyText,
		Timestamp:       a.now().UTC().Format(time.RFC3339),
		AffectionChange: applied,
	})

	return &Reply{
		Text:            replyText,
		AffectionChange: applied,
		ShouldCompress:  a.shouldCompressLocked(),
	}, nil
}

// rolloverIfNewDay stages yesterday's conversation for diary generation
// and resets the daily fields when the player's local date has advanced.
// Caller holds the mutex.
func (a *Agent) rolloverIfNewDay() {
	today := a.localDate()
	if a.todayDate == today {
		return
	}
	if a.todayDate != "" {
		a.stageDiaryLocked(a.todayDate)
		a.resetDayLocked()
		log.Info().
			Uint64("character_id", a.characterID).
			Str("date", today).
			Msg("local date rolled over")
	}
	a.todayDate = today
}

// applyPendingDelta folds a compression's affection delta into the
// affection level exactly once. Caller holds the mutex.
func (a *Agent) applyPendingDelta() int {
	if a.pendingAffectionDelta == 0 {
		return 0
	}

	applied := a.pendingAffectionDelta
	a.affection = clamp(a.affection+applied, 0, maxAffection)
	a.pendingAffectionDelta = 0

	// Persist right away so a crash between turns can't drop a delta
	// that was already computed.
	if err := a.db.UpdateProgress(a.characterID, a.playerAddress, a.affection, a.totalMessages); err != nil {
		log.Warn().Err(err).
			Uint64("character_id", a.characterID).
			Msg("failed to persist affection update")
	}

	return applied
}

func (a *Agent) appendMessage(msg store.Message) {
	a.recentWindow = append(a.recentWindow, msg)
	if len(a.recentWindow) > recentWindowSize {
		a.recentWindow = a.recentWindow[len(a.recentWindow)-recentWindowSize:]
	}
	a.compressionBuffer = append(a.compressionBuffer, msg)
	a.totalMessages++
	a.dailyMessageCount++
}

// retrieveMemories finds diary entries relevant to the message. Lookup
// failures degrade to an empty result, never fail the turn.
func (a *Agent) retrieveMemories(ctx context.Context, query string) []*store.DiaryEntry {
	vec, err := a.llm.Embed(ctx, query)
	if err != nil {
		log.Warn().Err(err).
			Uint64("character_id", a.characterID).
			Msg("memory query embedding failed")
		return nil
	}

	memories, err := a.db.SearchDiaryEntries(a.characterID, a.playerAddress, vec, memoryLimit)
	if err != nil {
		log.Warn().Err(err).
			Uint64("character_id", a.characterID).
			Msg("diary memory search failed")
		return nil
	}
	return memories
}

// chatBackstory prefers the compressed summary for prompts, falling
// back to the full text.
func (a *Agent) chatBackstory() string {
	if a.backstorySummary != "" {
		return a.backstorySummary
	}
	return a.backstory
}

// GenerateBackstory creates the full backstory and its compressed
// summary, returning the full version for display.
func (a *Agent) GenerateBackstory(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	_, wealthDesc := a.character.WealthTier()
	prompt := buildBackstoryPrompt(a.character, a.character.Age(a.now()), wealthDesc, a.player.Name, a.player.Gender)

	full, err := a.llm.Complete(ctx, prompt, provider.CompleteOptions{
		MaxTokens:   600,
		Temperature: 0.9,
		Mode:        provider.ModeComplete,
	})
	if err != nil {
		return "", fmt.Errorf("%w: backstory generation: %v", ErrUpstream, err)
	}

	summary, err := a.llm.Complete(ctx, buildBackstorySummaryPrompt(full, a.character.Name, a.player.Name), provider.CompleteOptions{
		MaxTokens:   200,
		Temperature: 0.3,
		Mode:        provider.ModeShort,
	})
	if err != nil {
		return "", fmt.Errorf("%w: backstory summary: %v", ErrUpstream, err)
	}

	a.backstory = full
	a.backstorySummary = summary
	return full, nil
}

// GenerateGreeting asks for the character's opening line and records it
// as a character-authored message.
func (a *Agent) GenerateGreeting(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	greeting, err := a.llm.Complete(ctx, buildGreetingPrompt(a.character.Name, a.player.Name, lastParagraph(a.backstory)), provider.CompleteOptions{
		MaxTokens:   100,
		Temperature: 0.9,
		Mode:        provider.ModeShort,
	})
	if err != nil {
		return "", fmt.Errorf("%w: greeting generation: %v", ErrUpstream, err)
	}

	if a.todayDate == "" {
		a.todayDate = a.localDate()
	}
	a.appendMessage(store.Message{
		Sender:    store.SenderCharacter,
		Text:      greeting,
		Timestamp: a.now().UTC().Format(time.RFC3339),
	})

	return greeting, nil
}

// StageDiaryForDate stages the current summary and buffer for diary
// generation, unless a diary is already staged. Returns false when
// there is nothing to summarize and nothing staged.
func (a *Agent) StageDiaryForDate(date string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.pendingDiary != nil {
		return true
	}
	return a.stageDiaryLocked(date)
}

func (a *Agent) stageDiaryLocked(date string) bool {
	if a.pendingDiary != nil {
		return true
	}
	if a.conversationSummary == "" && len(a.compressionBuffer) == 0 {
		return false
	}
	a.pendingDiary = &PendingDiary{
		Date:     date,
		Summary:  a.conversationSummary,
		Messages: append([]store.Message(nil), a.compressionBuffer...),
	}
	return true
}

// GenerateDiary writes the staged diary entry: completion, embedding,
// persistence, then clears the staged fields. A no-op when nothing is
// staged.
func (a *Agent) GenerateDiary(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.pendingDiary == nil {
		return nil
	}
	staged := a.pendingDiary

	prompt := buildDiaryPrompt(a.character.Name, a.player.Name, staged.Summary, staged.Messages)
	entry, err := a.llm.Complete(ctx, prompt, provider.CompleteOptions{
		MaxTokens:   400,
		Temperature: 0.8,
		Mode:        provider.ModeOptimized,
	})
	if err != nil {
		return fmt.Errorf("%w: diary generation: %v", ErrUpstream, err)
	}

	vec, err := a.llm.Embed(ctx, entry)
	if err != nil {
		return fmt.Errorf("%w: diary embedding: %v", ErrUpstream, err)
	}

	if err := a.db.SaveDiaryEntry(&store.DiaryEntry{
		CharacterID:    a.characterID,
		PlayerAddress:  a.playerAddress,
		Date:           staged.Date,
		Content:        entry,
		MessageCount:   len(staged.Messages),
		AffectionLevel: a.affection,
		Embedding:      vec,
	}); err != nil {
		return fmt.Errorf("persist diary entry: %w", err)
	}

	a.pendingDiary = nil
	return nil
}

// StartNewDay resets the daily conversation fields to the current
// local date. Used by the scheduler after a successful diary write.
func (a *Agent) StartNewDay() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.resetDayLocked()
	a.todayDate = a.localDate()
}

func (a *Agent) resetDayLocked() {
	a.recentWindow = nil
	a.compressionBuffer = nil
	a.conversationSummary = ""
	a.pendingAffectionDelta = 0
	a.dailyMessageCount = 0
}

// Snapshot exports the conversation state for hibernation along with
// the progress counters, atomically.
func (a *Agent) Snapshot() (payload *store.HibernationPayload, affection, totalMessages int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.exportLocked(), a.affection, a.totalMessages
}

// Export serializes the conversation state for hibernation.
func (a *Agent) Export() *store.HibernationPayload {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.exportLocked()
}

func (a *Agent) exportLocked() *store.HibernationPayload {
	return &store.HibernationPayload{
		MessagesToday:          append([]store.Message(nil), a.recentWindow...),
		MessagesForCompression: append([]store.Message(nil), a.compressionBuffer...),
		TodayDate:              a.todayDate,
		BackstorySummary:       a.backstorySummary,
		ConversationSummary:    a.conversationSummary,
		LastCompressionAt:      a.lastCompressionAt,
		PendingAffectionDelta:  a.pendingAffectionDelta,
	}
}

// Restore rehydrates the conversation state from a hibernation payload.
// Absent fields default to empty so older payloads still load.
func (a *Agent) Restore(payload *store.HibernationPayload) {
	if payload == nil {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.recentWindow = append([]store.Message(nil), payload.MessagesToday...)
	if len(a.recentWindow) > recentWindowSize {
		a.recentWindow = a.recentWindow[len(a.recentWindow)-recentWindowSize:]
	}
	a.compressionBuffer = append([]store.Message(nil), payload.MessagesForCompression...)
	a.todayDate = payload.TodayDate
	if payload.BackstorySummary != "" {
		a.backstorySummary = payload.BackstorySummary
	}
	a.conversationSummary = payload.ConversationSummary
	a.lastCompressionAt = payload.LastCompressionAt
	a.pendingAffectionDelta = payload.PendingAffectionDelta
	a.dailyMessageCount = len(payload.MessagesToday)
}

// AdjustAffection applies an externally-sourced affection change, such
// as a verified gift, and persists the result.
func (a *Agent) AdjustAffection(delta int) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.affection = clamp(a.affection+delta, 0, maxAffection)
	if err := a.db.UpdateProgress(a.characterID, a.playerAddress, a.affection, a.totalMessages); err != nil {
		log.Warn().Err(err).
			Uint64("character_id", a.characterID).
			Msg("failed to persist affection adjustment")
	}
	return a.affection
}

func (a *Agent) localDate() string {
	offset := time.Duration(a.player.Timezone) * time.Hour
	return a.now().UTC().Add(offset).Format("2006-01-02")
}

func lastParagraph(text string) string {
	paragraphs := strings.Split(strings.TrimSpace(text), "\n\n")
	if len(paragraphs) == 0 {
		return text
	}
	return strings.TrimSpace(paragraphs[len(paragraphs)-1])
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
