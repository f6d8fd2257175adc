package store

import (
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// SaveDiaryEntry stores a daily diary entry, replacing any entry already
// written for the same local date.
func (s *Store) SaveDiaryEntry(entry *DiaryEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.Exec(`
		INSERT INTO diary_entries (
			id, character_id, player_address, entry_date,
			content, message_count, affection_level, embedding, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (character_id, player_address, entry_date) DO UPDATE SET
			content = excluded.content,
			message_count = excluded.message_count,
			affection_level = excluded.affection_level,
			embedding = excluded.embedding,
			created_at = excluded.created_at
	`, entry.ID, entry.CharacterID, strings.ToLower(entry.PlayerAddress), entry.Date,
		entry.Content, entry.MessageCount, entry.AffectionLevel,
		encodeVector(entry.Embedding), entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("save diary entry: %w", err)
	}

	log.Info().
		Uint64("character_id", entry.CharacterID).
		Str("date", entry.Date).
		Msg("diary entry saved")

	return nil
}

// SearchDiaryEntries returns the diary entries most similar to the query
// embedding, best first. Entries without embeddings are skipped.
func (s *Store) SearchDiaryEntries(characterID uint64, playerAddress string, query []float32, limit int) ([]*DiaryEntry, error) {
	if limit <= 0 {
		limit = 3
	}

	rows, err := s.db.Query(`
		SELECT id, character_id, player_address, entry_date,
			content, message_count, affection_level, embedding, created_at
		FROM diary_entries
		WHERE character_id = ? AND player_address = ? AND embedding IS NOT NULL
	`, characterID, strings.ToLower(playerAddress))
	if err != nil {
		return nil, fmt.Errorf("search diary entries: %w", err)
	}
	defer rows.Close()

	var entries []*DiaryEntry
	for rows.Next() {
		entry, err := scanDiaryEntry(rows)
		if err != nil {
			return nil, err
		}
		if len(entry.Embedding) == 0 {
			continue
		}
		entry.Similarity = cosineSimilarity(query, entry.Embedding)
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("search diary entries: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Similarity > entries[j].Similarity
	})
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// ListDiaryDates returns the dates with a diary entry, newest first.
func (s *Store) ListDiaryDates(characterID uint64, playerAddress string) ([]string, error) {
	rows, err := s.db.Query(`
		SELECT entry_date FROM diary_entries
		WHERE character_id = ? AND player_address = ?
		ORDER BY entry_date DESC
	`, characterID, strings.ToLower(playerAddress))
	if err != nil {
		return nil, fmt.Errorf("list diary dates: %w", err)
	}
	defer rows.Close()

	var dates []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("scan diary date: %w", err)
		}
		dates = append(dates, d)
	}
	return dates, rows.Err()
}

// GetDiaryEntry fetches the entry for a specific local date.
func (s *Store) GetDiaryEntry(characterID uint64, playerAddress, date string) (*DiaryEntry, error) {
	rows, err := s.db.Query(`
		SELECT id, character_id, player_address, entry_date,
			content, message_count, affection_level, embedding, created_at
		FROM diary_entries
		WHERE character_id = ? AND player_address = ? AND entry_date = ?
	`, characterID, strings.ToLower(playerAddress), date)
	if err != nil {
		return nil, fmt.Errorf("get diary entry: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("get diary entry: %w", err)
		}
		return nil, ErrNotFound
	}
	return scanDiaryEntry(rows)
}

func scanDiaryEntry(rows *sql.Rows) (*DiaryEntry, error) {
	entry := &DiaryEntry{}
	var blob []byte
	err := rows.Scan(
		&entry.ID, &entry.CharacterID, &entry.PlayerAddress, &entry.Date,
		&entry.Content, &entry.MessageCount, &entry.AffectionLevel,
		&blob, &entry.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan diary entry: %w", err)
	}

	entry.Embedding, err = decodeVector(blob)
	if err != nil {
		return nil, fmt.Errorf("diary entry %s: %w", entry.ID, err)
	}
	return entry, nil
}
