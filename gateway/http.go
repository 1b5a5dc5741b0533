package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

type admissionRequest struct {
	Address string `json:"address"`
	Name    string `json:"name"`
	Level   *int   `json:"level,omitempty"`
	Kind    string `json:"kind,omitempty"`
}

type admissionResponse struct {
	ID      string `json:"id"`
	Verdict string `json:"verdict"`
	Reason  string `json:"reason"`
	Ban     string `json:"ban,omitempty"`
	Message string `json:"message,omitempty"`
}

type bansResponse struct {
	Permanent   int       `json:"permanent"`
	Temporary   int       `json:"temporary"`
	RefreshedAt time.Time `json:"refreshed_at"`
	Generation  uint64    `json:"generation"`
	MaxLevel    int       `json:"maxlevel"`
}

// NewHTTPHandler exposes the gateway to hosts that report connections over
// HTTP. The host applies the kick itself using the returned message.
func NewHTTPHandler(gw *Gateway, levels *LevelCache, logger zerolog.Logger) http.Handler {
	h := &httpAPI{gw: gw, levels: levels, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("ok"))
	})
	r.Route("/v1", func(r chi.Router) {
		r.Post("/admission", h.admission)
		r.Get("/bans", h.bans)
	})
	return r
}

type httpAPI struct {
	gw     *Gateway
	levels *LevelCache
	logger zerolog.Logger
}

func (h *httpAPI) admission(w http.ResponseWriter, r *http.Request) {
	var req admissionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Debug().Err(err).Msg("bad admission request")
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Address) == "" {
		http.Error(w, "address is required", http.StatusBadRequest)
		return
	}
	kind := h.gw.Kind()
	if req.Kind != "" {
		k, err := ParseKind(req.Kind)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if k != kind {
			http.Error(w, fmt.Sprintf("gateway handles %s notifications, got %s", kind, k), http.StatusUnprocessableEntity)
			return
		}
	}

	c := &httpClient{addr: req.Address, name: req.Name}
	if req.Level != nil {
		c.level = *req.Level
	} else {
		c.level = h.levels.Level(r.Context(), req.Name)
	}

	out := h.gw.Handle(Notification{Kind: kind, Client: c})
	resp := admissionResponse{
		ID:      out.EventID.String(),
		Verdict: out.Decision.Verdict.String(),
		Reason:  out.Decision.Reason,
		Ban:     out.Decision.Kind.String(),
		Message: out.Message,
	}
	writeJSON(w, resp)
}

func (h *httpAPI) bans(w http.ResponseWriter, _ *http.Request) {
	d := h.gw.Decider()
	snap := d.Cache().Snapshot()
	writeJSON(w, bansResponse{
		Permanent:   snap.Permanent.Len(),
		Temporary:   snap.Temporary.Len(),
		RefreshedAt: snap.RefreshedAt,
		Generation:  snap.Generation,
		MaxLevel:    d.Threshold(),
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// httpClient is a client reported over HTTP. The kick is carried back in the
// response, so Kick has nothing to do.
type httpClient struct {
	addr  string
	name  string
	level int
}

func (c *httpClient) Address() string     { return c.addr }
func (c *httpClient) Name() string        { return c.name }
func (c *httpClient) Level() int          { return c.level }
func (c *httpClient) Kick(_ string) error { return nil }
