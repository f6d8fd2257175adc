package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lovediary/agentd/internal/traits"
)

// AgentExists reports whether a record exists for the pairing.
func (s *Store) AgentExists(characterID uint64, playerAddress string) (bool, error) {
	var one int
	err := s.db.QueryRow(`
		SELECT 1 FROM agent_states
		WHERE character_id = ? AND player_address = ?
	`, characterID, strings.ToLower(playerAddress)).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("agent exists check: %w", err)
	}
	return true, nil
}

// LoadAgent loads the full persisted state for a pairing.
func (s *Store) LoadAgent(characterID uint64, playerAddress string) (*AgentRecord, error) {
	row := s.db.QueryRow(`
		SELECT character_id, player_address, player_info, player_timezone,
			character_nft, backstory, relationship_context,
			context_message_count, affection_level, total_messages,
			hibernate_data, created_at, updated_at, hibernated_at
		FROM agent_states
		WHERE character_id = ? AND player_address = ?
	`, characterID, strings.ToLower(playerAddress))

	rec := &AgentRecord{}
	var playerInfo, characterNFT, backstory, relationshipContext, hibernateData sql.NullString
	var hibernatedAt sql.NullTime

	err := row.Scan(
		&rec.CharacterID, &rec.PlayerAddress, &playerInfo, &rec.PlayerTimezone,
		&characterNFT, &backstory, &relationshipContext,
		&rec.ContextMessageCount, &rec.AffectionLevel, &rec.TotalMessages,
		&hibernateData, &rec.CreatedAt, &rec.UpdatedAt, &hibernatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load agent: %w", err)
	}

	rec.Backstory = backstory.String
	rec.RelationshipContext = relationshipContext.String
	if hibernatedAt.Valid {
		t := hibernatedAt.Time
		rec.HibernatedAt = &t
	}

	if playerInfo.Valid && playerInfo.String != "" {
		rec.Player = &PlayerInfo{}
		if err := json.Unmarshal([]byte(playerInfo.String), rec.Player); err != nil {
			return nil, fmt.Errorf("decode player info: %w", err)
		}
	}
	if characterNFT.Valid && characterNFT.String != "" {
		rec.Character = &traits.Character{}
		if err := json.Unmarshal([]byte(characterNFT.String), rec.Character); err != nil {
			return nil, fmt.Errorf("decode character traits: %w", err)
		}
	}
	if hibernateData.Valid && hibernateData.String != "" {
		rec.Hibernation = &HibernationPayload{}
		if err := json.Unmarshal([]byte(hibernateData.String), rec.Hibernation); err != nil {
			return nil, fmt.Errorf("decode hibernation payload: %w", err)
		}
	}

	return rec, nil
}

// SaveAgent inserts or updates the full state for a pairing. Empty
// backstory or relationship context never overwrites an existing value.
func (s *Store) SaveAgent(rec *AgentRecord) error {
	playerInfo, err := marshalNullable(rec.Player)
	if err != nil {
		return fmt.Errorf("encode player info: %w", err)
	}
	characterNFT, err := marshalNullable(rec.Character)
	if err != nil {
		return fmt.Errorf("encode character traits: %w", err)
	}
	hibernateData, err := marshalNullable(rec.Hibernation)
	if err != nil {
		return fmt.Errorf("encode hibernation payload: %w", err)
	}

	timezone := rec.PlayerTimezone
	if rec.Player != nil {
		timezone = rec.Player.Timezone
	}

	now := time.Now().UTC()
	_, err = s.db.Exec(`
		INSERT INTO agent_states (
			character_id, player_address, player_info, player_timezone,
			character_nft, backstory, relationship_context,
			context_message_count, affection_level, total_messages,
			hibernate_data, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (character_id, player_address) DO UPDATE SET
			player_info = excluded.player_info,
			player_timezone = excluded.player_timezone,
			backstory = COALESCE(NULLIF(excluded.backstory, ''), agent_states.backstory),
			relationship_context = COALESCE(NULLIF(excluded.relationship_context, ''), agent_states.relationship_context),
			context_message_count = excluded.context_message_count,
			affection_level = excluded.affection_level,
			total_messages = excluded.total_messages,
			hibernate_data = excluded.hibernate_data,
			updated_at = excluded.updated_at
	`, rec.CharacterID, strings.ToLower(rec.PlayerAddress), playerInfo, timezone,
		characterNFT, rec.Backstory, rec.RelationshipContext,
		rec.ContextMessageCount, rec.AffectionLevel, rec.TotalMessages,
		hibernateData, now, now)
	if err != nil {
		return fmt.Errorf("save agent: %w", err)
	}

	log.Debug().
		Uint64("character_id", rec.CharacterID).
		Int("total_messages", rec.TotalMessages).
		Msg("agent state saved")

	return nil
}

// UpdateProgress updates the fields that change on every message.
func (s *Store) UpdateProgress(characterID uint64, playerAddress string, affectionLevel, totalMessages int) error {
	_, err := s.db.Exec(`
		UPDATE agent_states
		SET affection_level = ?, total_messages = ?, updated_at = ?
		WHERE character_id = ? AND player_address = ?
	`, affectionLevel, totalMessages, time.Now().UTC(),
		characterID, strings.ToLower(playerAddress))
	if err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	return nil
}

// UpdateRelationshipContext stores a new compressed conversation summary.
func (s *Store) UpdateRelationshipContext(characterID uint64, playerAddress, context string, messageCount int) error {
	_, err := s.db.Exec(`
		UPDATE agent_states
		SET relationship_context = ?, context_message_count = ?, updated_at = ?
		WHERE character_id = ? AND player_address = ?
	`, context, messageCount, time.Now().UTC(),
		characterID, strings.ToLower(playerAddress))
	if err != nil {
		return fmt.Errorf("update relationship context: %w", err)
	}
	return nil
}

// SaveHibernation persists the eviction snapshot for a pairing.
func (s *Store) SaveHibernation(characterID uint64, playerAddress string, payload *HibernationPayload, affectionLevel, totalMessages int) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode hibernation payload: %w", err)
	}

	now := time.Now().UTC()
	_, err = s.db.Exec(`
		UPDATE agent_states
		SET hibernate_data = ?, affection_level = ?, total_messages = ?,
			hibernated_at = ?, updated_at = ?
		WHERE character_id = ? AND player_address = ?
	`, string(data), affectionLevel, totalMessages, now, now,
		characterID, strings.ToLower(playerAddress))
	if err != nil {
		return fmt.Errorf("save hibernation: %w", err)
	}

	log.Info().
		Uint64("character_id", characterID).
		Msg("hibernation state saved")

	return nil
}

// ClearHibernation removes the snapshot after an agent wakes.
func (s *Store) ClearHibernation(characterID uint64, playerAddress string) error {
	_, err := s.db.Exec(`
		UPDATE agent_states
		SET hibernate_data = NULL, updated_at = ?
		WHERE character_id = ? AND player_address = ?
	`, time.Now().UTC(), characterID, strings.ToLower(playerAddress))
	if err != nil {
		return fmt.Errorf("clear hibernation: %w", err)
	}
	return nil
}

// CountHibernated returns the number of pairings with a hibernation snapshot.
func (s *Store) CountHibernated() (int, error) {
	var count int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM agent_states WHERE hibernated_at IS NOT NULL
	`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count hibernated: %w", err)
	}
	return count, nil
}

// FindActivePairs returns pairings in the given timezone offset whose
// state was touched at or after the cutoff.
func (s *Store) FindActivePairs(timezoneOffset int, since time.Time) ([]ActivePair, error) {
	rows, err := s.db.Query(`
		SELECT character_id, player_address
		FROM agent_states
		WHERE player_timezone = ? AND updated_at >= ?
		ORDER BY character_id
	`, timezoneOffset, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("find active pairs: %w", err)
	}
	defer rows.Close()

	var pairs []ActivePair
	for rows.Next() {
		var p ActivePair
		if err := rows.Scan(&p.CharacterID, &p.PlayerAddress); err != nil {
			return nil, fmt.Errorf("scan active pair: %w", err)
		}
		pairs = append(pairs, p)
	}
	return pairs, rows.Err()
}

func marshalNullable[T any](v *T) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}
