// Package pool owns the resident agent map: lazy wake from persistence,
// idle eviction to hibernation, and process shutdown draining.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lovediary/agentd/internal/agent"
	"github.com/lovediary/agentd/internal/config"
	"github.com/lovediary/agentd/internal/provider"
	"github.com/lovediary/agentd/internal/store"
	"github.com/lovediary/agentd/internal/traits"
)

// ErrNotInitialized is returned when no agent exists for a pairing.
var ErrNotInitialized = errors.New("agent not initialized")

const initialAffection = 10

// Pool manages the resident agents. Residency is keyed by character ID
// alone, so one character holds at most one live session at a time even
// if multiple players message it; the second player reuses the resident
// session. Single occupancy per character is the observed product
// behavior, kept as-is pending clarification.
type Pool struct {
	mu       sync.RWMutex
	resident map[uint64]*agent.Agent

	db     *store.Store
	llm    provider.Provider
	source traits.Source

	idleTimeout   time.Duration
	sweepInterval time.Duration
	maxResident   int

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a pool. Call Start to begin the idle sweep.
func New(db *store.Store, llm provider.Provider, source traits.Source, cfg config.AgentsConfig) *Pool {
	return &Pool{
		resident:      make(map[uint64]*agent.Agent),
		db:            db,
		llm:           llm,
		source:        source,
		idleTimeout:   cfg.IdleTimeout(),
		sweepInterval: cfg.SweepInterval(),
		maxResident:   cfg.MaxResident,
	}
}

// Start launches the idle-eviction sweep.
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})

	go func() {
		defer close(p.done)
		ticker := time.NewTicker(p.sweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.sweep()
			}
		}
	}()

	log.Info().
		Dur("idle_timeout", p.idleTimeout).
		Dur("sweep_interval", p.sweepInterval).
		Msg("agent pool started")
}

// GetOrCreate returns the resident agent for the character, waking it
// from persisted state when needed. Fails with ErrNotInitialized when
// the pairing was never created.
func (p *Pool) GetOrCreate(ctx context.Context, characterID uint64, playerAddress string) (*agent.Agent, error) {
	p.mu.RLock()
	ag, ok := p.resident[characterID]
	p.mu.RUnlock()
	if ok {
		ag.Touch()
		return ag, nil
	}

	rec, err := p.db.LoadAgent(characterID, playerAddress)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotInitialized
	}
	if err != nil {
		return nil, fmt.Errorf("load agent state: %w", err)
	}

	ag = p.buildFromRecord(rec)

	// The in-memory state is authoritative from here on; a stale
	// snapshot must not be restored twice. Failure to clear is
	// harmless, the next hibernation overwrites it.
	if rec.Hibernation != nil {
		if err := p.db.ClearHibernation(characterID, playerAddress); err != nil {
			log.Warn().Err(err).
				Uint64("character_id", characterID).
				Msg("failed to clear hibernation payload")
		}
	}

	return p.register(ag), nil
}

func (p *Pool) buildFromRecord(rec *store.AgentRecord) *agent.Agent {
	player := store.PlayerInfo{}
	if rec.Player != nil {
		player = *rec.Player
	}

	ag := agent.New(agent.Params{
		CharacterID:   rec.CharacterID,
		PlayerAddress: rec.PlayerAddress,
		Character:     rec.Character,
		Player:        player,
		Backstory:     rec.Backstory,
		Affection:     rec.AffectionLevel,
		TotalMessages: rec.TotalMessages,
		LLM:           p.llm,
		Store:         p.db,
	})
	ag.Restore(rec.Hibernation)

	log.Info().
		Uint64("character_id", rec.CharacterID).
		Bool("from_hibernation", rec.Hibernation != nil).
		Msg("agent woken")

	return ag
}

// CreateResult carries what the create endpoint reports back.
type CreateResult struct {
	Agent     *agent.Agent
	Backstory string
	Greeting  string
}

// Create initializes a brand-new pairing: fetches the character's
// on-chain traits, generates the backstory and its compressed summary,
// persists the record, and records the opening greeting.
func (p *Pool) Create(ctx context.Context, characterID uint64, playerAddress, playerName, playerGender string, timezone int) (*CreateResult, error) {
	char, err := p.source.GetCharacter(ctx, characterID)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch character traits: %v", agent.ErrUpstream, err)
	}

	player := store.PlayerInfo{Name: playerName, Gender: playerGender, Timezone: timezone}
	ag := agent.New(agent.Params{
		CharacterID:   characterID,
		PlayerAddress: playerAddress,
		Character:     char,
		Player:        player,
		Affection:     initialAffection,
		LLM:           p.llm,
		Store:         p.db,
	})

	backstory, err := ag.GenerateBackstory(ctx)
	if err != nil {
		return nil, err
	}

	affection, totalMessages := ag.Progress()
	if err := p.db.SaveAgent(&store.AgentRecord{
		CharacterID:    characterID,
		PlayerAddress:  ag.PlayerAddress(),
		Player:         &player,
		Character:      char,
		Backstory:      backstory,
		AffectionLevel: affection,
		TotalMessages:  totalMessages,
	}); err != nil {
		return nil, fmt.Errorf("persist new agent: %w", err)
	}

	greeting, err := ag.GenerateGreeting(ctx)
	if err != nil {
		return nil, err
	}

	log.Info().
		Uint64("character_id", characterID).
		Str("player", ag.PlayerAddress()).
		Msg("agent created")

	return &CreateResult{
		Agent:     p.register(ag),
		Backstory: backstory,
		Greeting:  greeting,
	}, nil
}

// register inserts the agent into the resident map, evicting the
// least-recently-active resident when the pool is full. A concurrent
// registration for the same character wins and is returned instead.
func (p *Pool) register(ag *agent.Agent) *agent.Agent {
	p.mu.Lock()
	if existing, ok := p.resident[ag.CharacterID()]; ok {
		p.mu.Unlock()
		existing.Touch()
		return existing
	}

	var oldest *agent.Agent
	if p.maxResident > 0 && len(p.resident) >= p.maxResident {
		for _, candidate := range p.resident {
			if oldest == nil || candidate.LastActivity().Before(oldest.LastActivity()) {
				oldest = candidate
			}
		}
	}
	p.resident[ag.CharacterID()] = ag
	p.mu.Unlock()

	if oldest != nil {
		if err := p.hibernate(oldest); err != nil {
			log.Warn().Err(err).
				Uint64("character_id", oldest.CharacterID()).
				Msg("capacity eviction failed")
		}
	}

	return ag
}

// Exists reports whether the pairing is resident or persisted.
func (p *Pool) Exists(characterID uint64, playerAddress string) (bool, error) {
	p.mu.RLock()
	_, ok := p.resident[characterID]
	p.mu.RUnlock()
	if ok {
		return true, nil
	}
	return p.db.AgentExists(characterID, playerAddress)
}

// Get returns the resident agent without waking anything.
func (p *Pool) Get(characterID uint64) (*agent.Agent, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ag, ok := p.resident[characterID]
	return ag, ok
}

// ResidentCount returns the number of live agents.
func (p *Pool) ResidentCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.resident)
}

// CountHibernated returns the number of persisted hibernation snapshots.
func (p *Pool) CountHibernated() (int, error) {
	return p.db.CountHibernated()
}

// Hibernate exports the agent's state, persists it, and removes the
// agent from the resident map. Used by the diary scheduler after a
// midnight cycle.
func (p *Pool) Hibernate(ag *agent.Agent) error {
	return p.hibernate(ag)
}

func (p *Pool) hibernate(ag *agent.Agent) error {
	payload, affection, totalMessages := ag.Snapshot()
	if err := p.db.SaveHibernation(ag.CharacterID(), ag.PlayerAddress(), payload, affection, totalMessages); err != nil {
		return fmt.Errorf("hibernate agent %d: %w", ag.CharacterID(), err)
	}

	p.mu.Lock()
	if p.resident[ag.CharacterID()] == ag {
		delete(p.resident, ag.CharacterID())
	}
	p.mu.Unlock()

	log.Info().
		Uint64("character_id", ag.CharacterID()).
		Msg("agent hibernated")

	return nil
}

// sweep hibernates agents idle past the threshold. A failed hibernation
// keeps the agent resident so the next sweep retries it.
func (p *Pool) sweep() {
	cutoff := time.Now().Add(-p.idleTimeout)

	p.mu.RLock()
	idle := make([]*agent.Agent, 0)
	for _, ag := range p.resident {
		if ag.LastActivity().Before(cutoff) {
			idle = append(idle, ag)
		}
	}
	p.mu.RUnlock()

	for _, ag := range idle {
		if err := p.hibernate(ag); err != nil {
			log.Warn().Err(err).
				Uint64("character_id", ag.CharacterID()).
				Msg("sweep hibernation failed, will retry")
		}
	}

	if len(idle) > 0 {
		log.Debug().Int("count", len(idle)).Msg("idle sweep completed")
	}
}

// Shutdown stops the sweep and hibernates every resident agent so no
// in-memory state is lost on exit.
func (p *Pool) Shutdown() {
	if p.cancel != nil {
		p.cancel()
		<-p.done
	}

	p.mu.RLock()
	remaining := make([]*agent.Agent, 0, len(p.resident))
	for _, ag := range p.resident {
		remaining = append(remaining, ag)
	}
	p.mu.RUnlock()

	for _, ag := range remaining {
		if err := p.hibernate(ag); err != nil {
			log.Error().Err(err).
				Uint64("character_id", ag.CharacterID()).
				Msg("shutdown hibernation failed")
		}
	}

	log.Info().Int("drained", len(remaining)).Msg("agent pool shut down")
}
