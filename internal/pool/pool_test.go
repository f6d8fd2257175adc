package pool

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/lovediary/agentd/internal/config"
	"github.com/lovediary/agentd/internal/provider"
	"github.com/lovediary/agentd/internal/store"
	"github.com/lovediary/agentd/internal/traits"
)

type stubSource struct {
	char  *traits.Character
	err   error
	calls int
}

func (s *stubSource) GetCharacter(ctx context.Context, tokenID uint64) (*traits.Character, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.char, nil
}

func testCharacter() *traits.Character {
	return &traits.Character{
		Name:          "Yuki",
		BirthYear:     2002,
		Gender:        1,
		OccupationID:  3,
		PersonalityID: 8,
		Secret:        "deadbeef40",
	}
}

func newTestPool(t *testing.T, mock *provider.MockProvider, src traits.Source) (*Pool, *store.Store) {
	t.Helper()

	db, err := store.OpenMemory()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	cfg := config.AgentsConfig{
		IdleTimeoutSecs:   3600,
		SweepIntervalSecs: 300,
		MaxResident:       50,
	}
	return New(db, mock, src, cfg), db
}

func seedRecord(t *testing.T, db *store.Store, characterID uint64, addr string) {
	t.Helper()
	if err := db.SaveAgent(&store.AgentRecord{
		CharacterID:    characterID,
		PlayerAddress:  addr,
		Player:         &store.PlayerInfo{Name: "Alex", Gender: "male", Timezone: 9},
		Character:      testCharacter(),
		Backstory:      "full backstory text",
		AffectionLevel: 42,
		TotalMessages:  7,
	}); err != nil {
		t.Fatal(err)
	}
}

func TestGetOrCreateNotInitialized(t *testing.T) {
	p, _ := newTestPool(t, provider.NewMock("ok"), &stubSource{char: testCharacter()})

	if _, err := p.GetOrCreate(context.Background(), 1, "0xabcd"); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("expected ErrNotInitialized, got %v", err)
	}
}

func TestWakeFromPersistence(t *testing.T) {
	p, db := newTestPool(t, provider.NewMock("ok"), &stubSource{char: testCharacter()})
	seedRecord(t, db, 1, "0xabcd")

	payload := &store.HibernationPayload{
		MessagesToday:         []store.Message{{Sender: store.SenderPlayer, Text: "hi"}},
		TodayDate:             "2026-08-27",
		BackstorySummary:      "• compressed backstory",
		ConversationSummary:   "a good chat",
		PendingAffectionDelta: 2,
	}
	if err := db.SaveHibernation(1, "0xabcd", payload, 42, 7); err != nil {
		t.Fatal(err)
	}

	ag, err := p.GetOrCreate(context.Background(), 1, "0xabcd")
	if err != nil {
		t.Fatalf("GetOrCreate() error: %v", err)
	}

	affection, totalMessages := ag.Progress()
	if affection != 42 || totalMessages != 7 {
		t.Errorf("progress not restored: affection=%d messages=%d", affection, totalMessages)
	}

	exported := ag.Export()
	if exported.TodayDate != "2026-08-27" || exported.ConversationSummary != "a good chat" {
		t.Errorf("conversation state not restored: %+v", exported)
	}
	if exported.BackstorySummary != "• compressed backstory" {
		t.Errorf("compressed backstory not preferred: %q", exported.BackstorySummary)
	}
	if exported.PendingAffectionDelta != 2 {
		t.Errorf("pending delta not restored: %d", exported.PendingAffectionDelta)
	}

	// Waking clears the persisted snapshot.
	rec, err := db.LoadAgent(1, "0xabcd")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Hibernation != nil {
		t.Error("expected hibernation payload cleared after wake")
	}
}

func TestIdempotentWake(t *testing.T) {
	p, db := newTestPool(t, provider.NewMock("ok"), &stubSource{char: testCharacter()})
	seedRecord(t, db, 1, "0xabcd")

	first, err := p.GetOrCreate(context.Background(), 1, "0xabcd")
	if err != nil {
		t.Fatal(err)
	}

	// Change persisted state behind the pool's back; a cache hit must
	// not reload it.
	if err := db.UpdateProgress(1, "0xabcd", 999, 999); err != nil {
		t.Fatal(err)
	}

	second, err := p.GetOrCreate(context.Background(), 1, "0xabcd")
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Error("expected the same resident instance on cache hit")
	}
	if affection, _ := second.Progress(); affection == 999 {
		t.Error("cache hit must not perform a persistence round trip")
	}
}

func TestSweepEvictsIdleAgents(t *testing.T) {
	p, db := newTestPool(t, provider.NewMock("ok"), &stubSource{char: testCharacter()})
	seedRecord(t, db, 1, "0xabcd")

	if _, err := p.GetOrCreate(context.Background(), 1, "0xabcd"); err != nil {
		t.Fatal(err)
	}
	if p.ResidentCount() != 1 {
		t.Fatalf("expected 1 resident, got %d", p.ResidentCount())
	}

	// Force everything to look idle.
	p.idleTimeout = -1
	p.sweep()

	if p.ResidentCount() != 0 {
		t.Errorf("expected idle agent evicted, %d still resident", p.ResidentCount())
	}

	count, err := p.CountHibernated()
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("expected 1 hibernated snapshot, got %d", count)
	}

	// Waking again performs a fresh load with the hibernated state.
	ag, err := p.GetOrCreate(context.Background(), 1, "0xabcd")
	if err != nil {
		t.Fatalf("wake after eviction failed: %v", err)
	}
	if affection, _ := ag.Progress(); affection != 42 {
		t.Errorf("expected affection 42 after wake, got %d", affection)
	}
}

func TestCreateFlow(t *testing.T) {
	mock := provider.NewMock("x")
	mock.CompleteResponses = []string{
		"Story para.\n\nCareer.\n\nNow.\n\nWe met at the library.",
		"• five bullets",
		"Hi Alex! Didn't expect to run into you again so soon.",
	}
	src := &stubSource{char: testCharacter()}
	p, db := newTestPool(t, mock, src)

	res, err := p.Create(context.Background(), 1, "0xAbCd", "Alex", "male", 9)
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if src.calls != 1 {
		t.Errorf("expected 1 trait fetch, got %d", src.calls)
	}

	ag := res.Agent
	if res.Greeting == "" || !strings.Contains(res.Backstory, "library") {
		t.Errorf("unexpected create result: %+v", res)
	}

	affection, _ := ag.Progress()
	if affection != initialAffection {
		t.Errorf("expected initial affection %d, got %d", initialAffection, affection)
	}
	if p.ResidentCount() != 1 {
		t.Errorf("expected agent resident after create, got %d", p.ResidentCount())
	}

	rec, err := db.LoadAgent(1, "0xabcd")
	if err != nil {
		t.Fatalf("record not persisted: %v", err)
	}
	if rec.Backstory == "" {
		t.Error("expected backstory persisted")
	}
	if rec.Player == nil || rec.Player.Timezone != 9 {
		t.Errorf("player info not persisted: %+v", rec.Player)
	}

	// The greeting is recorded as the first character message.
	exported := ag.Export()
	if len(exported.MessagesToday) != 1 || exported.MessagesToday[0].Sender != store.SenderCharacter {
		t.Errorf("greeting not recorded: %+v", exported.MessagesToday)
	}
}

func TestCreateUpstreamFailure(t *testing.T) {
	src := &stubSource{err: errors.New("rpc down")}
	p, _ := newTestPool(t, provider.NewMock("ok"), src)

	if _, err := p.Create(context.Background(), 1, "0xabcd", "Alex", "male", 0); err == nil {
		t.Fatal("expected error when trait fetch fails")
	}
	if p.ResidentCount() != 0 {
		t.Error("failed create must not register a resident agent")
	}
}

func TestExists(t *testing.T) {
	p, db := newTestPool(t, provider.NewMock("ok"), &stubSource{char: testCharacter()})

	ok, err := p.Exists(1, "0xabcd")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("expected no pairing yet")
	}

	seedRecord(t, db, 1, "0xabcd")
	ok, err = p.Exists(1, "0xabcd")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("expected persisted pairing to exist")
	}
}

func TestShutdownDrainsResidents(t *testing.T) {
	p, db := newTestPool(t, provider.NewMock("ok"), &stubSource{char: testCharacter()})
	seedRecord(t, db, 1, "0xabcd")
	seedRecord(t, db, 2, "0xbbbb")

	if _, err := p.GetOrCreate(context.Background(), 1, "0xabcd"); err != nil {
		t.Fatal(err)
	}
	if _, err := p.GetOrCreate(context.Background(), 2, "0xbbbb"); err != nil {
		t.Fatal(err)
	}

	p.Shutdown()

	if p.ResidentCount() != 0 {
		t.Errorf("expected all agents drained, %d resident", p.ResidentCount())
	}
	count, err := p.CountHibernated()
	if err != nil {
		t.Fatal(err)
	}
	if count != 2 {
		t.Errorf("expected 2 hibernated snapshots, got %d", count)
	}
}
