// Package server exposes the agent service HTTP API consumed by the
// game backend.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/lovediary/agentd/internal/gifts"
	"github.com/lovediary/agentd/internal/pool"
	"github.com/lovediary/agentd/internal/store"
)

const compressTimeout = 2 * time.Minute

// Server is the HTTP front end over the agent pool.
type Server struct {
	router       chi.Router
	pool         *pool.Pool
	db           *store.Store
	verifier     *gifts.Verifier
	serviceToken string

	startTime     time.Time
	totalMessages atomic.Int64
}

// New builds the router. The verifier may be nil when no token contract
// is configured; the gift endpoint then rejects all requests.
func New(p *pool.Pool, db *store.Store, verifier *gifts.Verifier, serviceToken string) *Server {
	s := &Server{
		pool:         p,
		db:           db,
		verifier:     verifier,
		serviceToken: serviceToken,
		startTime:    time.Now(),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Route("/agent/{characterID}", func(r chi.Router) {
			r.Post("/create", s.handleCreate)
			r.Post("/message", s.handleMessage)
			r.Post("/gift", s.handleGift)
			r.Get("/diary/dates", s.handleDiaryDates)
			r.Get("/diary/{date}", s.handleDiaryEntry)
		})
	})

	s.router = r
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// authenticate requires the shared service token from the game backend.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if auth == "" {
			writeError(w, http.StatusUnauthorized, "missing Authorization header")
			return
		}
		token := strings.TrimPrefix(auth, "Bearer ")
		if token != s.serviceToken {
			log.Warn().Str("path", r.URL.Path).Msg("invalid service token")
			writeError(w, http.StatusUnauthorized, "invalid service token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	hibernated, err := s.pool.CountHibernated()
	if err != nil {
		log.Warn().Err(err).Msg("hibernated count failed")
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":                 "healthy",
		"activeAgents":           s.pool.ResidentCount(),
		"hibernatedAgents":       hibernated,
		"totalMessagesProcessed": s.totalMessages.Load(),
		"uptimeSeconds":          int(time.Since(s.startTime).Seconds()),
	})
}

type createRequest struct {
	PlayerName   string `json:"playerName"`
	PlayerGender string `json:"playerGender"`
	Timezone     int    `json:"timezone"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	characterID, playerAddress, ok := s.requestIdentity(w, r)
	if !ok {
		return
	}

	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PlayerName == "" {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	exists, err := s.pool.Exists(characterID, playerAddress)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "existence check failed")
		return
	}
	if exists {
		rec, err := s.db.LoadAgent(characterID, playerAddress)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusInternalServerError, "load failed")
			return
		}
		backstory := ""
		if rec != nil {
			backstory = rec.Backstory
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status":           "already_exists",
			"backstorySummary": backstory,
			"agentAddress":     agentAddress(characterID),
		})
		return
	}

	res, err := s.pool.Create(r.Context(), characterID, playerAddress, req.PlayerName, req.PlayerGender, req.Timezone)
	if err != nil {
		log.Error().Err(err).Uint64("character_id", characterID).Msg("agent create failed")
		writeError(w, http.StatusInternalServerError, "failed to create agent")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":           "created",
		"firstMessage":     res.Greeting,
		"backstorySummary": res.Backstory,
		"agentAddress":     agentAddress(characterID),
	})
}

type messageRequest struct {
	Message    string `json:"message"`
	PlayerName string `json:"playerName"`
	Timestamp  int64  `json:"timestamp"`
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	characterID, playerAddress, ok := s.requestIdentity(w, r)
	if !ok {
		return
	}

	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Message == "" {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	_, wasResident := s.pool.Get(characterID)

	ag, err := s.pool.GetOrCreate(r.Context(), characterID, playerAddress)
	if errors.Is(err, pool.ErrNotInitialized) {
		writeError(w, http.StatusNotFound, "agent not initialized")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to wake agent")
		return
	}

	reply, err := ag.ProcessMessage(r.Context(), req.PlayerName, req.Message)
	if err != nil {
		log.Error().Err(err).Uint64("character_id", characterID).Msg("message processing failed")
		writeError(w, http.StatusInternalServerError, "failed to process message")
		return
	}
	s.totalMessages.Add(1)

	// Compression runs after the reply is on the wire; its affection
	// delta lands on the next turn.
	if reply.ShouldCompress {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), compressTimeout)
			defer cancel()
			if err := ag.Compress(ctx); err != nil {
				log.Warn().Err(err).
					Uint64("character_id", characterID).
					Msg("background compression failed")
			}
		}()
	}

	status := "active"
	if !wasResident {
		status = "woke_from_hibernation"
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"response":        reply.Text,
		"timestamp":       time.Now().Unix(),
		"affectionChange": reply.AffectionChange,
		"agentStatus":     status,
	})
}

type giftRequest struct {
	TxHash          string `json:"txHash"`
	CharacterWallet string `json:"characterWallet"`
	MinAmount       string `json:"minAmount"`
}

func (s *Server) handleGift(w http.ResponseWriter, r *http.Request) {
	characterID, playerAddress, ok := s.requestIdentity(w, r)
	if !ok {
		return
	}
	if s.verifier == nil {
		writeError(w, http.StatusServiceUnavailable, "gift verification not configured")
		return
	}

	var req giftRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TxHash == "" || req.CharacterWallet == "" {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var minAmount *big.Int
	if req.MinAmount != "" {
		minAmount, ok = new(big.Int).SetString(req.MinAmount, 10)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid minAmount")
			return
		}
	}

	gift, err := s.verifier.VerifyGift(r.Context(), req.TxHash, playerAddress, req.CharacterWallet, minAmount)
	if errors.Is(err, gifts.ErrInvalidGift) {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if err != nil {
		log.Error().Err(err).Str("tx_hash", req.TxHash).Msg("gift verification error")
		writeError(w, http.StatusBadGateway, "gift verification unavailable")
		return
	}

	ag, err := s.pool.GetOrCreate(r.Context(), characterID, playerAddress)
	if errors.Is(err, pool.ErrNotInitialized) {
		writeError(w, http.StatusNotFound, "agent not initialized")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to wake agent")
		return
	}

	boost := gift.AffectionBoost()
	newAffection := ag.AdjustAffection(boost)

	writeJSON(w, http.StatusOK, map[string]any{
		"verified":        true,
		"amount":          gift.Amount.String(),
		"affectionChange": boost,
		"affectionLevel":  newAffection,
		"blockNumber":     gift.BlockNumber,
	})
}

func (s *Server) handleDiaryDates(w http.ResponseWriter, r *http.Request) {
	characterID, playerAddress, ok := s.requestIdentity(w, r)
	if !ok {
		return
	}

	dates, err := s.db.ListDiaryDates(characterID, playerAddress)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list diary dates")
		return
	}
	if dates == nil {
		dates = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"dates": dates})
}

func (s *Server) handleDiaryEntry(w http.ResponseWriter, r *http.Request) {
	characterID, playerAddress, ok := s.requestIdentity(w, r)
	if !ok {
		return
	}
	date := chi.URLParam(r, "date")

	entry, err := s.db.GetDiaryEntry(characterID, playerAddress, date)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "no diary entry for date")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load diary entry")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"date":           entry.Date,
		"entry":          entry.Content,
		"messageCount":   entry.MessageCount,
		"affectionLevel": entry.AffectionLevel,
		"createdAt":      entry.CreatedAt.UTC().Format(time.RFC3339),
	})
}

// requestIdentity extracts the character ID from the path and the
// player address from the X-Player-Address header.
func (s *Server) requestIdentity(w http.ResponseWriter, r *http.Request) (uint64, string, bool) {
	characterID, err := strconv.ParseUint(chi.URLParam(r, "characterID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid character id")
		return 0, "", false
	}

	playerAddress := r.Header.Get("X-Player-Address")
	if playerAddress == "" {
		writeError(w, http.StatusBadRequest, "missing X-Player-Address header")
		return 0, "", false
	}

	return characterID, strings.ToLower(playerAddress), true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("response encoding failed")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func agentAddress(characterID uint64) string {
	return "agent://character_" + strconv.FormatUint(characterID, 10)
}
