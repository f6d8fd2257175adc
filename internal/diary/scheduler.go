// Package diary runs the timezone-aware midnight diary cycle.
package diary

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/lovediary/agentd/internal/pool"
	"github.com/lovediary/agentd/internal/store"
)

const (
	cycleTimeout   = 10 * time.Minute
	activityWindow = 24 * time.Hour
)

// Scheduler fires once an hour, on the hour. Each tick exactly one
// representable UTC offset crosses local midnight; agents in that
// offset with recent activity get a diary written for their yesterday.
type Scheduler struct {
	cron *cron.Cron
	pool *pool.Pool
	db   *store.Store
	now  func() time.Time
}

// NewScheduler creates the diary scheduler.
func NewScheduler(p *pool.Pool, db *store.Store) *Scheduler {
	return &Scheduler{
		pool: p,
		db:   db,
		now:  time.Now,
	}
}

// Start begins the hourly cycle.
func (s *Scheduler) Start() error {
	s.cron = cron.New()
	if _, err := s.cron.AddFunc("0 * * * *", s.runCycle); err != nil {
		return fmt.Errorf("schedule diary cycle: %w", err)
	}
	s.cron.Start()

	log.Info().Msg("diary scheduler started")
	return nil
}

// Stop halts the cycle, waiting for an in-flight run to finish.
func (s *Scheduler) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	log.Info().Msg("diary scheduler stopped")
}

// MidnightOffset returns the UTC offset, in [-12, +14], whose local
// time is midnight at the given UTC hour. Hours above 14 wrap to the
// negative offsets: UTC 17:00 is midnight in UTC-7.
func MidnightOffset(utcHour int) int {
	if utcHour > 14 {
		return utcHour - 24
	}
	return utcHour
}

func (s *Scheduler) runCycle() {
	ctx, cancel := context.WithTimeout(context.Background(), cycleTimeout)
	defer cancel()

	nowUTC := s.now().UTC()
	offset := MidnightOffset(nowUTC.Hour())
	local := nowUTC.Add(time.Duration(offset) * time.Hour)
	diaryDate := local.AddDate(0, 0, -1).Format("2006-01-02")

	pairs, err := s.db.FindActivePairs(offset, nowUTC.Add(-activityWindow))
	if err != nil {
		log.Error().Err(err).Int("timezone", offset).Msg("diary cycle pair query failed")
		return
	}
	if len(pairs) == 0 {
		log.Debug().Int("timezone", offset).Msg("no active pairs at midnight")
		return
	}

	var succeeded, failed int
	for _, pair := range pairs {
		if err := s.generateForPair(ctx, pair, diaryDate); err != nil {
			failed++
			log.Warn().Err(err).
				Uint64("character_id", pair.CharacterID).
				Str("date", diaryDate).
				Msg("diary generation failed")
			continue
		}
		succeeded++
	}

	log.Info().
		Int("timezone", offset).
		Str("date", diaryDate).
		Int("succeeded", succeeded).
		Int("failed", failed).
		Msg("diary cycle completed")
}

// generateForPair wakes the agent, stages yesterday's conversation if a
// mid-conversation rollover hasn't already staged it, writes the diary,
// resets the day, and puts the agent back to sleep.
func (s *Scheduler) generateForPair(ctx context.Context, pair store.ActivePair, date string) error {
	ag, err := s.pool.GetOrCreate(ctx, pair.CharacterID, pair.PlayerAddress)
	if err != nil {
		return fmt.Errorf("wake agent: %w", err)
	}

	if !ag.StageDiaryForDate(date) {
		// Nothing said yesterday; nothing to write.
		return nil
	}

	if err := ag.GenerateDiary(ctx); err != nil {
		return err
	}

	ag.StartNewDay()

	affection, totalMessages := ag.Progress()
	if err := s.db.UpdateProgress(pair.CharacterID, pair.PlayerAddress, affection, totalMessages); err != nil {
		log.Warn().Err(err).
			Uint64("character_id", pair.CharacterID).
			Msg("failed to persist progress after diary")
	}

	if err := s.pool.Hibernate(ag); err != nil {
		return fmt.Errorf("hibernate after diary: %w", err)
	}
	return nil
}
