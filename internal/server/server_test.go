package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lovediary/agentd/internal/config"
	"github.com/lovediary/agentd/internal/pool"
	"github.com/lovediary/agentd/internal/provider"
	"github.com/lovediary/agentd/internal/store"
	"github.com/lovediary/agentd/internal/traits"
)

const testToken = "secret-token"

type stubSource struct{}

func (stubSource) GetCharacter(ctx context.Context, tokenID uint64) (*traits.Character, error) {
	return &traits.Character{Name: "Yuki", BirthYear: 2002, Secret: "deadbeef40"}, nil
}

func newTestServer(t *testing.T, mock *provider.MockProvider) (*Server, *store.Store) {
	t.Helper()

	db, err := store.OpenMemory()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	p := pool.New(db, mock, stubSource{}, config.AgentsConfig{
		IdleTimeoutSecs:   3600,
		SweepIntervalSecs: 300,
		MaxResident:       50,
	})

	return New(p, db, nil, testToken), db
}

func doRequest(t *testing.T, s *Server, method, path string, body any, authed bool) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	if authed {
		req.Header.Set("Authorization", "Bearer "+testToken)
		req.Header.Set("X-Player-Address", "0xAbCd")
	}

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("invalid response body %q: %v", rec.Body.String(), err)
	}
	return out
}

func seedAgent(t *testing.T, db *store.Store) {
	t.Helper()
	if err := db.SaveAgent(&store.AgentRecord{
		CharacterID:    1,
		PlayerAddress:  "0xabcd",
		Player:         &store.PlayerInfo{Name: "Alex", Gender: "male", Timezone: 0},
		Character:      &traits.Character{Name: "Yuki", BirthYear: 2002, Secret: "deadbeef40"},
		Backstory:      "full backstory",
		AffectionLevel: 10,
	}); err != nil {
		t.Fatal(err)
	}
}

func TestAuthRequired(t *testing.T) {
	s, _ := newTestServer(t, provider.NewMock("ok"))

	rec := doRequest(t, s, http.MethodPost, "/agent/1/message", map[string]string{"message": "hi"}, false)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without token, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/agent/1/message", bytes.NewBufferString("{}"))
	req.Header.Set("Authorization", "Bearer wrong-token")
	rec2 := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec2, req)
	if rec2.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 with bad token, got %d", rec2.Code)
	}
}

func TestHealthIsPublic(t *testing.T) {
	s, _ := newTestServer(t, provider.NewMock("ok"))

	rec := doRequest(t, s, http.MethodGet, "/health", nil, false)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["status"] != "healthy" {
		t.Errorf("unexpected health body: %v", body)
	}
	if _, ok := body["activeAgents"]; !ok {
		t.Error("expected activeAgents in health response")
	}
}

func TestMessageNotInitialized(t *testing.T) {
	s, _ := newTestServer(t, provider.NewMock("ok"))

	rec := doRequest(t, s, http.MethodPost, "/agent/1/message",
		map[string]any{"message": "hi", "playerName": "Alex"}, true)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for uninitialized pairing, got %d", rec.Code)
	}
}

func TestMessageFlow(t *testing.T) {
	mock := provider.NewMock("Hi Alex! I missed you.")
	s, db := newTestServer(t, mock)
	seedAgent(t, db)

	rec := doRequest(t, s, http.MethodPost, "/agent/1/message",
		map[string]any{"message": "hello yuki", "playerName": "Alex", "timestamp": 1}, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	body := decodeBody(t, rec)
	if body["response"] != "Hi Alex! I missed you." {
		t.Errorf("unexpected response: %v", body["response"])
	}
	if body["agentStatus"] != "woke_from_hibernation" {
		t.Errorf("first message should wake the agent, got %v", body["agentStatus"])
	}

	// Second message hits the resident agent.
	rec = doRequest(t, s, http.MethodPost, "/agent/1/message",
		map[string]any{"message": "how was your day?", "playerName": "Alex", "timestamp": 2}, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if body := decodeBody(t, rec); body["agentStatus"] != "active" {
		t.Errorf("second message should find the agent active, got %v", body["agentStatus"])
	}
}

func TestMessageMissingPlayerAddress(t *testing.T) {
	s, _ := newTestServer(t, provider.NewMock("ok"))

	req := httptest.NewRequest(http.MethodPost, "/agent/1/message", bytes.NewBufferString(`{"message":"hi"}`))
	req.Header.Set("Authorization", "Bearer "+testToken)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 without player address, got %d", rec.Code)
	}
}

func TestCreateFlow(t *testing.T) {
	mock := provider.NewMock("x")
	mock.CompleteResponses = []string{
		"Story.\n\nCareer.\n\nNow.\n\nWe met on the beach.",
		"• bullets",
		"Hey Alex! The beach again sometime?",
	}
	s, _ := newTestServer(t, mock)

	rec := doRequest(t, s, http.MethodPost, "/agent/1/create",
		map[string]any{"playerName": "Alex", "playerGender": "Male", "timezone": 9}, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	body := decodeBody(t, rec)
	if body["status"] != "created" {
		t.Errorf("expected created, got %v", body["status"])
	}
	if body["firstMessage"] != "Hey Alex! The beach again sometime?" {
		t.Errorf("unexpected greeting: %v", body["firstMessage"])
	}
	if body["agentAddress"] != "agent://character_1" {
		t.Errorf("unexpected agent address: %v", body["agentAddress"])
	}

	// Creating the same pairing again reports already_exists.
	rec = doRequest(t, s, http.MethodPost, "/agent/1/create",
		map[string]any{"playerName": "Alex", "playerGender": "Male"}, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if body := decodeBody(t, rec); body["status"] != "already_exists" {
		t.Errorf("expected already_exists, got %v", body["status"])
	}
}

func TestDiaryEndpoints(t *testing.T) {
	s, db := newTestServer(t, provider.NewMock("ok"))
	seedAgent(t, db)

	created := time.Date(2026, 8, 28, 0, 5, 0, 0, time.UTC)
	if err := db.SaveDiaryEntry(&store.DiaryEntry{
		CharacterID:   1,
		PlayerAddress: "0xabcd",
		Date:          "2026-08-27",
		Content:       "Dear diary...",
		MessageCount:  4,
		CreatedAt:     created,
	}); err != nil {
		t.Fatal(err)
	}

	rec := doRequest(t, s, http.MethodGet, "/agent/1/diary/dates", nil, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	dates, ok := body["dates"].([]any)
	if !ok || len(dates) != 1 || dates[0] != "2026-08-27" {
		t.Errorf("unexpected dates: %v", body["dates"])
	}

	rec = doRequest(t, s, http.MethodGet, "/agent/1/diary/2026-08-27", nil, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body = decodeBody(t, rec)
	if body["entry"] != "Dear diary..." {
		t.Errorf("unexpected entry: %v", body["entry"])
	}
	if body["messageCount"] != float64(4) {
		t.Errorf("unexpected message count: %v", body["messageCount"])
	}

	rec = doRequest(t, s, http.MethodGet, "/agent/1/diary/1999-01-01", nil, true)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for missing entry, got %d", rec.Code)
	}
}

func TestGiftWithoutVerifier(t *testing.T) {
	s, db := newTestServer(t, provider.NewMock("ok"))
	seedAgent(t, db)

	rec := doRequest(t, s, http.MethodPost, "/agent/1/gift",
		map[string]any{"txHash": "0xdead", "characterWallet": "0x1234"}, true)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 without verifier, got %d", rec.Code)
	}
}

func TestBackgroundCompressionScheduled(t *testing.T) {
	mock := provider.NewMock("reply")
	mock.CompleteResponses = []string{"SUMMARY: busy day\nAFFECTION_DELTA: 1\nREASONING: chatty"}
	s, db := newTestServer(t, mock)
	seedAgent(t, db)

	// Preload a hibernation payload with a nearly-full buffer so one
	// more turn crosses the threshold.
	msgs := make([]store.Message, 13)
	for i := range msgs {
		msgs[i] = store.Message{Sender: store.SenderPlayer, Text: "filler"}
	}
	if err := db.SaveHibernation(1, "0xabcd", &store.HibernationPayload{
		MessagesForCompression: msgs,
		TodayDate:              time.Now().UTC().Format("2006-01-02"),
	}, 10, 13); err != nil {
		t.Fatal(err)
	}

	rec := doRequest(t, s, http.MethodPost, "/agent/1/message",
		map[string]any{"message": "one more", "playerName": "Alex"}, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	// Wait for the background compression to land.
	deadline := time.After(2 * time.Second)
	for {
		if _, completeCalls, _ := mock.Counts(); completeCalls > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("background compression never ran")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
