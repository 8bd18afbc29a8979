package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/llmule/broker/internal/dispatch"
	"github.com/llmule/broker/pkg/api"
	"github.com/llmule/broker/pkg/ledger"
	"github.com/llmule/broker/pkg/model"
	"github.com/llmule/broker/pkg/tokenomics"
)

// handleCompletions is POST /v1/chat/completions.
func (s *Server) handleCompletions(w http.ResponseWriter, r *http.Request) {
	if s.cfg.MaxBodyBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	}

	var req api.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "invalid_request_error", "request_too_large",
				"request body exceeds the size limit")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid_json",
			"request body is not valid JSON")
		return
	}

	if req.Model == "" {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "missing_model",
			"model is required")
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "missing_messages",
			"messages must not be empty")
		return
	}
	if req.Stream {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "streaming_unsupported",
			"streaming responses are not supported")
		return
	}

	resp, err := s.disp.Route(r.Context(), accountFrom(r.Context()), req)
	if err != nil {
		var derr *dispatch.Error
		if errors.As(err, &derr) {
			writeDispatchError(w, derr)
			return
		}
		s.log.Error("route failed", "error", err)
		writeError(w, http.StatusInternalServerError, "api_error", "internal_error", "internal error")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleModels is GET /v1/models: one catalog entry per (model, provider
// handle) pair, sorted by tier then throughput.
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	var entries []api.ModelEntry
	for _, v := range s.reg.Snapshot() {
		perf := api.ModelPerformance{
			SuccessRate:          v.SuccessRate,
			TotalRequests:        v.TotalRequests,
			AvgTokensPerSecond:   v.AvgTPS,
			MaxTokensPerSecond:   v.MaxTPS,
			LastActiveSecondsAgo: now.Sub(v.LastHeartbeat).Seconds(),
			Status:               string(v.Status),
		}
		for _, m := range v.Models {
			cap := model.Classify(m)
			entries = append(entries, api.ModelEntry{
				ID:            m,
				Object:        "model",
				Tier:          string(cap.Tier),
				ContextLength: cap.Context,
				ProviderID:    v.Handle,
				Performance:   perf,
			})
		}
	}

	sort.SliceStable(entries, func(i, j int) bool {
		ri, rj := model.Tier(entries[i].Tier).Rank(), model.Tier(entries[j].Tier).Rank()
		if ri != rj {
			return ri > rj
		}
		return entries[i].Performance.AvgTokensPerSecond > entries[j].Performance.AvgTokensPerSecond
	})

	writeJSON(w, http.StatusOK, api.ModelList{Object: "list", Data: entries})
}

// balanceBody is the response of GET /v1/balance.
type balanceBody struct {
	Account  string `json:"account"`
	Balance  string `json:"balance"`
	Currency string `json:"currency"`
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	account := accountFrom(r.Context())
	bal, err := s.gw.GetBalance(r.Context(), account)
	if err != nil {
		s.log.Error("balance lookup failed", "account", account, "error", err)
		writeError(w, http.StatusInternalServerError, "api_error", "internal_error", "balance unavailable")
		return
	}
	writeJSON(w, http.StatusOK, balanceBody{
		Account:  account,
		Balance:  bal.StringFixed(tokenomics.Decimals),
		Currency: "MULE",
	})
}

// txBody is one row of GET /v1/transactions.
type txBody struct {
	ID              string    `json:"id"`
	Timestamp       time.Time `json:"timestamp"`
	Kind            string    `json:"kind"`
	Consumer        string    `json:"consumer"`
	Provider        string    `json:"provider,omitempty"`
	Model           string    `json:"model,omitempty"`
	Tier            string    `json:"tier,omitempty"`
	TotalTokens     int64     `json:"total_tokens"`
	Amount          string    `json:"amount"`
	PlatformFee     string    `json:"platform_fee"`
	DurationSeconds float64   `json:"duration_seconds,omitempty"`
	TokensPerSecond float64   `json:"tokens_per_second,omitempty"`
}

// txList is the body of GET /v1/transactions.
type txList struct {
	Object string   `json:"object"`
	Data   []txBody `json:"data"`
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	account := accountFrom(r.Context())

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid_limit",
				"limit must be a positive integer")
			return
		}
		if n > 200 {
			n = 200
		}
		limit = n
	}

	f := ledger.TxFilter{Consumer: account, Limit: limit}
	if r.URL.Query().Get("role") == "provider" {
		f = ledger.TxFilter{Provider: account, Limit: limit}
	}
	if kind := r.URL.Query().Get("kind"); kind != "" {
		f.Kind = ledger.TxKind(kind)
	}

	txs, err := s.gw.Transactions(r.Context(), f)
	if err != nil {
		s.log.Error("transaction query failed", "account", account, "error", err)
		writeError(w, http.StatusInternalServerError, "api_error", "internal_error", "transactions unavailable")
		return
	}

	out := make([]txBody, 0, len(txs))
	for _, tx := range txs {
		out = append(out, txBody{
			ID:              tx.ID,
			Timestamp:       tx.Timestamp,
			Kind:            string(tx.Kind),
			Consumer:        tx.Consumer,
			Provider:        tx.Provider,
			Model:           tx.Model,
			Tier:            string(tx.Tier),
			TotalTokens:     tx.Usage.Total(),
			Amount:          tx.Amount.StringFixed(tokenomics.Decimals),
			PlatformFee:     tx.PlatformFee.StringFixed(tokenomics.Decimals),
			DurationSeconds: tx.Performance.DurationSeconds,
			TokensPerSecond: tx.Performance.TokensPerSecond,
		})
	}
	writeJSON(w, http.StatusOK, txList{Object: "list", Data: out})
}

// providerStatsBody is the response of GET /v1/provider/stats.
type providerStatsBody struct {
	Account        string     `json:"account"`
	TotalEarned    string     `json:"total_earned"`
	TotalRequests  int64      `json:"total_requests"`
	TotalTokens    int64      `json:"total_tokens"`
	LastActive     *time.Time `json:"last_active,omitempty"`
	ActiveSessions int        `json:"active_sessions"`
}

func (s *Server) handleProviderStats(w http.ResponseWriter, r *http.Request) {
	account := accountFrom(r.Context())
	stats, err := s.gw.ProviderStats(r.Context(), account)
	if err != nil {
		s.log.Error("provider stats failed", "account", account, "error", err)
		writeError(w, http.StatusInternalServerError, "api_error", "internal_error", "stats unavailable")
		return
	}

	body := providerStatsBody{
		Account:        account,
		TotalEarned:    stats.TotalEarned.StringFixed(tokenomics.Decimals),
		TotalRequests:  stats.TotalRequests,
		TotalTokens:    stats.TotalTokens,
		ActiveSessions: len(s.reg.AccountSessions(account)),
	}
	if !stats.LastActive.IsZero() {
		t := stats.LastActive
		body.LastActive = &t
	}
	writeJSON(w, http.StatusOK, body)
}

// consumerStatsBody is the response of GET /v1/consumer/stats.
type consumerStatsBody struct {
	Account       string `json:"account"`
	TotalSpent    string `json:"total_spent"`
	TotalRequests int64  `json:"total_requests"`
	TotalTokens   int64  `json:"total_tokens"`
}

func (s *Server) handleConsumerStats(w http.ResponseWriter, r *http.Request) {
	account := accountFrom(r.Context())
	stats, err := s.gw.ConsumerStats(r.Context(), account)
	if err != nil {
		s.log.Error("consumer stats failed", "account", account, "error", err)
		writeError(w, http.StatusInternalServerError, "api_error", "internal_error", "stats unavailable")
		return
	}
	writeJSON(w, http.StatusOK, consumerStatsBody{
		Account:       account,
		TotalSpent:    stats.TotalSpent.StringFixed(tokenomics.Decimals),
		TotalRequests: stats.TotalRequests,
		TotalTokens:   stats.TotalTokens,
	})
}
