package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rickgao/marketfeed/internal/connection"
	"github.com/rickgao/marketfeed/internal/router"
)

// statsSource is satisfied by *router.Router.
type statsSource interface {
	Stats() router.Stats
}

type exchangeHealth struct {
	Status              string    `json:"status"`
	Phase               string    `json:"phase"`
	Attempts            int       `json:"attempts"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	BackoffSeconds      float64   `json:"backoff_seconds"`
	LastError           string    `json:"last_error,omitempty"`
	LastErrorKind       string    `json:"last_error_kind,omitempty"`
	SessionID           string    `json:"session_id,omitempty"`
	ConnectedSince      time.Time `json:"connected_since,omitzero"`
	LastMessageAt       time.Time `json:"last_message_at,omitzero"`
	Messages            uint64    `json:"messages"`
	Forwarded           int64     `json:"forwarded"`
	Buffered            int       `json:"buffered"`
	Dropped             int64     `json:"dropped"`
}

type healthResponse struct {
	Status    string                    `json:"status"`
	Forwarded int64                     `json:"forwarded"`
	Dropped   int64                     `json:"dropped"`
	Exchanges map[string]exchangeHealth `json:"exchanges"`
	Archive   string                    `json:"archive,omitempty"`
}

// newHTTPHandler serves /health and the Prometheus endpoint at metricsPath.
func newHTTPHandler(metricsPath string, metricsHandler interface{ Handler() http.Handler }, stats statsSource, archive *archiveSink) http.Handler {
	mux := http.NewServeMux()
	mux.Handle(metricsPath, metricsHandler.Handler())

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		health := buildHealth(stats.Stats())

		if archive != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
			defer cancel()
			if err := archive.db.Ping(ctx); err != nil {
				health.Status = "unhealthy"
				health.Archive = "disconnected: " + err.Error()
			} else {
				health.Archive = "connected"
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if health.Status == "unhealthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(health)
	})

	return mux
}

// buildHealth is "healthy" when every exchange streams, "degraded" when some
// do, and "unhealthy" when none do.
func buildHealth(stats router.Stats) healthResponse {
	health := healthResponse{
		Forwarded: stats.Forwarded,
		Dropped:   stats.Dropped,
		Exchanges: make(map[string]exchangeHealth, len(stats.Exchanges)),
	}

	streaming := 0
	for _, ex := range stats.Exchanges {
		st := ex.State
		eh := exchangeHealth{
			Status:              "down",
			Phase:               st.Phase.String(),
			Attempts:            st.Attempts,
			ConsecutiveFailures: st.ConsecutiveFailures,
			BackoffSeconds:      st.Backoff.Seconds(),
			LastError:           st.LastError,
			ConnectedSince:      st.ConnectedSince,
			LastMessageAt:       st.LastMessageAt,
			Messages:            st.Messages,
			Forwarded:           ex.Forwarded,
			Buffered:            ex.Buffer.Count,
			Dropped:             ex.Buffer.Dropped,
		}
		if st.LastErrorKind != 0 {
			eh.LastErrorKind = st.LastErrorKind.String()
		}
		if st.Attempts > 0 {
			eh.SessionID = st.SessionID.String()
		}
		if st.Phase == connection.PhaseStreaming {
			eh.Status = "streaming"
			streaming++
		}
		health.Exchanges[ex.Exchange] = eh
	}

	switch {
	case len(stats.Exchanges) > 0 && streaming == len(stats.Exchanges):
		health.Status = "healthy"
	case streaming > 0:
		health.Status = "degraded"
	default:
		health.Status = "unhealthy"
	}
	return health
}
