package bus1

import (
	"encoding/json"
	"net/http"
	"sort"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/cors"
)

// Inspector serves a read-mostly HTTP view of a domain: the peer registry and
// per-peer queue, pool and quota counters, plus peer creation and removal. It
// is a local debugging aid, so CORS is wide open.
type Inspector struct {
	domain *Domain
}

// NewInspector returns an http.Handler exposing the domain under /v1.
func NewInspector(d *Domain) http.Handler {
	ins := &Inspector{domain: d}

	r := chi.NewRouter()
	r.Use(cors.AllowAll().Handler)

	r.Get("/v1/domain", ins.handleDomain)
	r.Get("/v1/peers", ins.handlePeers)
	r.Get("/v1/peers/{id}", ins.handlePeer)
	r.Post("/v1/peers", ins.handleCreatePeer)
	r.Delete("/v1/peers/{id}", ins.handleRemovePeer)

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logWarn("inspector encode failed", "err", err)
	}
}

func (ins *Inspector) handleDomain(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"id":           ins.domain.ID().String(),
		"peers":        ins.domain.Len(),
		"transactions": ins.domain.TxCount(),
	})
}

func (ins *Inspector) handlePeers(w http.ResponseWriter, r *http.Request) {
	var stats []PeerStats
	ins.domain.Range(func(p *Peer) bool {
		stats = append(stats, p.Stats())
		return true
	})
	sort.Slice(stats, func(i, j int) bool { return stats[i].ID < stats[j].ID })
	writeJSON(w, http.StatusOK, stats)
}

func (ins *Inspector) handlePeer(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad peer id"})
		return
	}
	p, ok := ins.domain.Peer(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no such peer"})
		return
	}
	writeJSON(w, http.StatusOK, p.Stats())
}

func (ins *Inspector) handleCreatePeer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PoolSize uint64 `json:"pool_size"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad request body"})
		return
	}

	p := ins.domain.CreatePeer()
	if req.PoolSize != 0 {
		if _, err := p.Connect(ConnectParams{Flags: ConnectFlagClient, PoolSize: req.PoolSize}); err != nil {
			ins.domain.RemovePeer(p.ID())
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusCreated, p.Stats())
}

func (ins *Inspector) handleRemovePeer(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad peer id"})
		return
	}
	if err := ins.domain.RemovePeer(id); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}
