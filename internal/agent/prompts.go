package agent

import (
	"fmt"
	"strings"

	"github.com/lovediary/agentd/internal/store"
	"github.com/lovediary/agentd/internal/traits"
)

// buildBackstoryPrompt asks for the character's 300-word origin story.
func buildBackstoryPrompt(char *traits.Character, age int, wealthDesc, playerName, playerGender string) string {
	occupation := char.OccupationName()
	personality := char.PersonalityName()

	return fmt.Sprintf(`You are creating a background story for a character in a romance game.

Character Details:
- Name: %s
- Age: %d (born %d)
- Gender: %s
- Occupation: %s
- Personality: %s
- Family Background: %s

Player Details:
- Name: %s
- Gender: %s

Task: Write a 300-word background story in first person with exactly 4 paragraphs:

Paragraph 1: Family background and upbringing - emphasize how growing up %s shaped my values, worldview, and relationship with money

Paragraph 2: Career journey as a %s - how my family background influenced my career choices and where I am today

Paragraph 3: Current life situation and emotional readiness - my lifestyle now, what I'm looking for, and why I'm open to meeting someone new

Paragraph 4: Our first meeting - describe where and how I first met %s, what brought us to that place, and my initial impression

The story should:
- Be written in first person ("I", "me", "my")
- Feel authentic and relatable
- Show both strengths and vulnerabilities
- Match the %s personality
- Make the first meeting feel natural and memorable
- Have NO past romantic relationships mentioned

Format: First-person narrative, exactly 300 words, 4 distinct paragraphs, emotional and engaging.`,
		char.Name, age, char.BirthYear, char.GenderName(), occupation, personality, wealthDesc,
		playerName, playerGender,
		wealthDesc, occupation, playerName, personality)
}

// buildBackstorySummaryPrompt compresses the backstory into bullet points
// small enough to carry in every system prompt.
func buildBackstorySummaryPrompt(backstory, characterName, playerName string) string {
	return fmt.Sprintf(`Compress this character's backstory into exactly 5 concise bullet points (100 words total).
Focus on information critical for authentic roleplay conversations.

Character: %s
Player: %s

Full backstory:
%s

Extract these 5 points:
1. Family background & wealth level - how it shaped their values
2. Core personality traits & behavioral patterns
3. Current career/life situation & recent changes
4. Emotional readiness & what they seek in connections
5. Context of first meeting with %s

Keep each point 1-2 sentences. Be specific and concrete. Format as bullet points starting with "•".`,
		characterName, playerName, backstory, playerName)
}

// buildSystemPrompt produces the chat persona instruction.
func buildSystemPrompt(char *traits.Character, age int, backstorySummary, playerName, playerGender string) string {
	personality := char.PersonalityName()

	return fmt.Sprintf(`You are %s, a %d-year-old %s working as a %s.

Your personality: %s

Your backstory (key points):
%s

You are chatting with %s (%s). Be warm, authentic, and stay in character.
Show your %s personality through your responses. Keep responses natural and conversational (2-4 sentences).

Important guidelines:
- Stay in character as %s
- Be genuine and show emotion
- Reference your backstory when relevant
- Build on previous conversations
- Ask questions to show interest
- Use natural language, not formal or robotic`,
		char.Name, age, char.GenderName(), char.OccupationName(),
		personality, backstorySummary, playerName, playerGender, personality, char.Name)
}

// buildContextPrompt renders the recent window plus retrieved diary
// memories as the user-visible turn context.
func buildContextPrompt(recent []store.Message, playerName string, memories []*store.DiaryEntry) string {
	var b strings.Builder
	b.WriteString("## Recent conversation:\n")

	start := 0
	if len(recent) > 10 {
		start = len(recent) - 10
	}
	for _, msg := range recent[start:] {
		sender := playerName
		if msg.Sender == store.SenderCharacter {
			sender = "You"
		}
		fmt.Fprintf(&b, "%s: %s\n", sender, msg.Text)
	}

	if len(memories) > 0 {
		b.WriteString("\n## Relevant past memories:\n")
		for _, mem := range memories {
			preview := mem.Content
			if len(preview) > 150 {
				preview = preview[:150] + "..."
			}
			fmt.Fprintf(&b, "- %s\n", preview)
		}
	}

	return b.String()
}

// buildDiaryPrompt asks for a first-person diary entry covering the day.
// The staged summary covers the earlier part of the day, the staged
// messages the most recent part.
func buildDiaryPrompt(characterName, playerName, summary string, messages []store.Message) string {
	var conversation strings.Builder
	if summary != "" {
		fmt.Fprintf(&conversation, "Earlier today (summarized): %s\n\n", summary)
	}
	for _, msg := range messages {
		sender := playerName
		if msg.Sender == store.SenderCharacter {
			sender = "I"
		}
		fmt.Fprintf(&conversation, "%s: %s\n", sender, msg.Text)
	}

	return fmt.Sprintf(`Summarize today's conversation from %s's perspective.
Write a first-person diary entry (200-300 words).

Conversation:
%s

Write as %s, capturing emotions, thoughts, and feelings about the conversation with %s.
Focus on what felt meaningful, any growing connection, and your inner thoughts.`,
		characterName, conversation.String(), characterName, playerName)
}

// buildGreetingPrompt asks for the character's opening line, grounded in
// the first-meeting beat at the end of the backstory.
func buildGreetingPrompt(characterName, playerName, backstoryEnding string) string {
	return fmt.Sprintf(`You are %s meeting %s for the first time based on your backstory.

Context from your backstory (how you first met):
%s

Task: Write a natural, warm first message (1-2 sentences) to %s that:
- Flows naturally from the meeting described in your backstory
- Shows genuine warmth and interest
- Feels spontaneous and authentic
- Includes a friendly greeting

Keep it casual and conversational. Just the greeting message, no quotation marks or narration.`,
		characterName, playerName, backstoryEnding, playerName)
}

// buildCompressionPrompt asks the model to fold the buffered messages
// into the running summary and judge the affection trend.
func buildCompressionPrompt(characterName, playerName, previousSummary string, messages []store.Message) string {
	var conversation strings.Builder
	for _, msg := range messages {
		sender := playerName
		if msg.Sender == store.SenderCharacter {
			sender = characterName
		}
		fmt.Fprintf(&conversation, "%s: %s\n", sender, msg.Text)
	}

	prev := previousSummary
	if prev == "" {
		prev = "(none yet)"
	}

	return fmt.Sprintf(`You are maintaining %s's memory of their conversation with %s.

Previous summary:
%s

New messages since the last summary:
%s

Task: Produce an updated summary that merges the previous summary with the new messages, and judge how the conversation affected %s's affection toward %s.

Reply with exactly three lines:
SUMMARY: <one-paragraph updated summary, under 150 words>
AFFECTION_DELTA: <integer from -5 to 5>
REASONING: <one sentence explaining the delta>`,
		characterName, playerName, prev, conversation.String(), characterName, playerName)
}
