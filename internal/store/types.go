package store

import (
	"time"

	"github.com/lovediary/agentd/internal/traits"
)

// Message senders as they appear in conversation history.
const (
	SenderPlayer    = "player"
	SenderCharacter = "character"
)

// Message is a single conversation turn kept in agent memory.
type Message struct {
	Sender          string `json:"sender"`
	Text            string `json:"text"`
	Timestamp       string `json:"timestamp"`
	AffectionChange int    `json:"affectionChange,omitempty"`
}

// PlayerInfo describes the player bonded to a character.
type PlayerInfo struct {
	Name     string `json:"name"`
	Gender   string `json:"gender"`
	Timezone int    `json:"timezone"`
}

// HibernationPayload is the snapshot of in-memory conversation state
// persisted when an agent is evicted and restored when it wakes.
type HibernationPayload struct {
	MessagesToday          []Message `json:"messagesToday"`
	MessagesForCompression []Message `json:"messagesForCompression"`
	TodayDate              string    `json:"todayDate"`
	BackstorySummary       string    `json:"backstorySummary"`
	ConversationSummary    string    `json:"conversationSummary"`
	LastCompressionAt      string    `json:"lastCompressionAt"`
	PendingAffectionDelta  int       `json:"pendingAffectionDelta"`
}

// AgentRecord is a row of the agent_states table.
type AgentRecord struct {
	CharacterID         uint64
	PlayerAddress       string
	Player              *PlayerInfo
	PlayerTimezone      int
	Character           *traits.Character
	Backstory           string
	RelationshipContext string
	ContextMessageCount int
	AffectionLevel      int
	TotalMessages       int
	Hibernation         *HibernationPayload
	CreatedAt           time.Time
	UpdatedAt           time.Time
	HibernatedAt        *time.Time
}

// ActivePair identifies a character/player pairing with recent activity.
type ActivePair struct {
	CharacterID   uint64
	PlayerAddress string
}

// DiaryEntry is a daily diary written by a character about its player.
type DiaryEntry struct {
	ID             string
	CharacterID    uint64
	PlayerAddress  string
	Date           string
	Content        string
	MessageCount   int
	AffectionLevel int
	Embedding      []float32
	CreatedAt      time.Time

	// Similarity is set by search results, not stored.
	Similarity float64
}
