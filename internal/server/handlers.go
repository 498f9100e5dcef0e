package server

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/attribution-goat/attribution-goat/internal/delivery"
	"github.com/attribution-goat/attribution-goat/internal/stats"
	"github.com/attribution-goat/attribution-goat/internal/store"
)

type HealthResponse struct {
	Status           string `json:"status"`
	ConversionsCount int    `json:"conversions_count"`
	DBSizeBytes      int64  `json:"db_size_bytes,omitempty"`
	UptimeSeconds    int64  `json:"uptime_seconds"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	count, err := s.store.CountConversions(r.Context())
	if err != nil {
		s.logger.Error("health check failed", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	var dbSize int64
	if d, ok := s.store.(interface{ DB() *sql.DB }); ok {
		row := d.DB().QueryRowContext(r.Context(), "SELECT page_count * page_size FROM pragma_page_count(), pragma_page_size()")
		if err := row.Scan(&dbSize); err != nil {
			s.logger.Debug("failed to read database size", zap.Error(err))
		}
	}

	writeJSON(w, http.StatusOK, HealthResponse{
		Status:           "ok",
		ConversionsCount: count,
		DBSizeBytes:      dbSize,
		UptimeSeconds:    int64(time.Since(s.startTime).Seconds()),
	})
}

// TrackRequest is the body posted by the delivery queue.
type TrackRequest struct {
	Events []json.RawMessage `json:"events"`
}

// eventNamespace seeds deterministic ids for events sent without a
// clientEventId, so an identical redelivery is still deduplicated.
var eventNamespace = uuid.MustParse("6f1c2a8e-4b7d-4c55-9a51-3f0e8d2b7c10")

func (s *Server) handleTrack(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	apiKey := r.URL.Query().Get("apiKey")
	if apiKey == "" {
		http.Error(w, "apiKey parameter required", http.StatusBadRequest)
		return
	}

	var req TrackRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxBodyBytes)).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if len(req.Events) == 0 {
		http.Error(w, "No events", http.StatusBadRequest)
		return
	}

	conversions := make([]*store.Conversion, 0, len(req.Events))
	for i, raw := range req.Events {
		c, err := toConversion(apiKey, raw)
		if err != nil {
			http.Error(w, fmt.Sprintf("event %d: %v", i, err), http.StatusBadRequest)
			return
		}
		conversions = append(conversions, c)
	}

	for _, c := range conversions {
		inserted, err := s.store.RecordConversion(r.Context(), c)
		if err != nil {
			s.logger.Error("failed to record conversion", zap.String("client_event_id", c.ClientEventID), zap.Error(err))
			http.Error(w, "Failed to record event", http.StatusInternalServerError)
			return
		}
		if !inserted {
			s.logger.Debug("duplicate conversion ignored", zap.String("client_event_id", c.ClientEventID))
			continue
		}
		s.logger.Info("conversion recorded",
			zap.String("client_event_id", c.ClientEventID),
			zap.String("variation_id", c.VariationID),
			zap.Float64("amount", c.Amount))
	}

	w.WriteHeader(http.StatusNoContent)
}

var errNotConversion = errors.New("unsupported event type")

func toConversion(apiKey string, raw json.RawMessage) (*store.Conversion, error) {
	var ev delivery.Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, fmt.Errorf("invalid event: %w", err)
	}
	if ev.Type != delivery.TypeConversion {
		return nil, fmt.Errorf("%w %q", errNotConversion, ev.Type)
	}

	id := ev.ClientEventID()
	if id == "" {
		id = uuid.NewSHA1(eventNamespace, raw).String()
	}

	deref := func(p *string) string {
		if p == nil {
			return ""
		}
		return *p
	}
	ua := ev.Data.UserAttributes
	return &store.Conversion{
		ClientEventID: id,
		APIKey:        apiKey,
		SessionID:     deref(ua.SessionID),
		VisitorID:     deref(ua.VisitorID),
		VariationID:   deref(ua.VariationID),
		Amount:        ev.Data.Amount,
		Currency:      ev.Currency(),
		URL:           ev.URL(),
		Device:        ua.Device,
		Payload:       string(raw),
	}, nil
}

type conversionResponse struct {
	ID            int64     `json:"id"`
	ClientEventID string    `json:"client_event_id"`
	SessionID     string    `json:"session_id,omitempty"`
	VisitorID     string    `json:"visitor_id,omitempty"`
	VariationID   string    `json:"variation_id,omitempty"`
	Amount        float64   `json:"amount"`
	Currency      string    `json:"currency,omitempty"`
	URL           string    `json:"url,omitempty"`
	Device        string    `json:"device,omitempty"`
	ReceivedAt    time.Time `json:"received_at"`
}

func (s *Server) handleConversions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	list, err := s.store.ListConversions(r.Context(), r.URL.Query().Get("apiKey"), limit)
	if err != nil {
		s.logger.Error("failed to list conversions", zap.Error(err))
		http.Error(w, "Failed to load conversions", http.StatusInternalServerError)
		return
	}

	response := make([]conversionResponse, 0, len(list))
	for _, c := range list {
		response = append(response, conversionResponse{
			ID:            c.ID,
			ClientEventID: c.ClientEventID,
			SessionID:     c.SessionID,
			VisitorID:     c.VisitorID,
			VariationID:   c.VariationID,
			Amount:        c.Amount,
			Currency:      c.Currency,
			URL:           c.URL,
			Device:        c.Device,
			ReceivedAt:    c.ReceivedAt.UTC(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversions": response})
}

type variationResponse struct {
	VariationID string  `json:"variation_id"`
	Conversions int     `json:"conversions"`
	Visitors    int     `json:"visitors"`
	Revenue     float64 `json:"revenue"`
	AOV         float64 `json:"aov"`
	Share       float64 `json:"share"`
	ShareLower  float64 `json:"share_ci_lower"`
	ShareUpper  float64 `json:"share_ci_upper"`
}

type resultsResponse struct {
	Conversions    int                 `json:"conversions"`
	Revenue        float64             `json:"revenue"`
	Unattributed   int                 `json:"unattributed"`
	Leading        string              `json:"leading_variation,omitempty"`
	LeadConfidence float64             `json:"lead_confidence"`
	Confident      bool                `json:"confident"`
	Variations     []variationResponse `json:"variations"`
}

func (s *Server) summarize(r *http.Request) (*stats.Summary, error) {
	rows, err := s.store.GetVariationStats(r.Context(), r.URL.Query().Get("apiKey"))
	if err != nil {
		return nil, err
	}
	return stats.Summarize(rows), nil
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sum, err := s.summarize(r)
	if err != nil {
		s.logger.Error("failed to load stats", zap.Error(err))
		http.Error(w, "Failed to load stats", http.StatusInternalServerError)
		return
	}

	response := resultsResponse{
		Conversions:    sum.Conversions,
		Revenue:        sum.Revenue,
		Unattributed:   sum.Unattributed,
		Leading:        sum.Leading,
		LeadConfidence: sum.LeadConfidence,
		Confident:      sum.Confident,
		Variations:     []variationResponse{},
	}
	for _, v := range sum.Variations {
		response.Variations = append(response.Variations, variationResponse{
			VariationID: v.VariationID,
			Conversions: v.Conversions,
			Visitors:    v.Visitors,
			Revenue:     v.Revenue,
			AOV:         v.AOV,
			Share:       v.Share,
			ShareLower:  v.ShareLower,
			ShareUpper:  v.ShareUpper,
		})
	}
	writeJSON(w, http.StatusOK, response)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
