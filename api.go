package main

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/skip2/go-qrcode"
)

// API is the bootstrap surface: everything needed to get a player into a
// party before the socket takes over.
type API struct {
	cfg      *Config
	registry *PartyRegistry
	sockets  *SocketServer
	started  time.Time
}

func newAPI(cfg *Config, registry *PartyRegistry, sockets *SocketServer) *API {
	return &API{
		cfg:      cfg,
		registry: registry,
		sockets:  sockets,
		started:  time.Now(),
	}
}

func (a *API) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	securityHeaders(a.cfg, w)
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(v)
}

func (a *API) writeError(w http.ResponseWriter, err error) {
	a.writeJSON(w, httpStatus(err), map[string]string{"error": err.Error()})
}

type createPartyRequest struct {
	PartyName  string      `json:"partyName"`
	LeaderName string      `json:"leaderName"`
	Vocabulary []VocabWord `json:"vocabulary"`
}

func (a *API) createParty() httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		startTime := time.Now()

		var req createPartyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			a.writeError(w, validationErr("invalid JSON body"))
			return
		}

		party, leader, err := a.registry.CreateParty(req.PartyName, req.LeaderName, req.Vocabulary)
		if err != nil {
			a.writeError(w, err)
			return
		}

		party.mu.Lock()
		snap := party.snapshotLocked()
		party.mu.Unlock()

		a.writeJSON(w, http.StatusCreated, map[string]any{
			"code":     snap.Code,
			"playerId": leader.ID,
			"party":    snap,
		})

		logf(a.cfg, "PARTY: Created %s (%q, %d words) by %q from %s in %s",
			snap.Code,
			snap.PartyName,
			snap.WordCount,
			leader.Name,
			realIP(r),
			time.Since(startTime).Round(time.Microsecond),
		)
	}
}

func (a *API) getParty() httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		party, err := a.registry.Get(p.ByName("code"))
		if err != nil {
			a.writeError(w, err)
			return
		}

		party.mu.Lock()
		snap := party.snapshotLocked()
		party.mu.Unlock()

		a.writeJSON(w, http.StatusOK, map[string]any{"party": snap})
	}
}

type joinPartyRequest struct {
	PlayerName string `json:"playerName"`
}

func (a *API) joinParty() httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		var req joinPartyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			a.writeError(w, validationErr("invalid JSON body"))
			return
		}

		member, party, err := a.registry.JoinParty(p.ByName("code"), req.PlayerName)
		if err != nil {
			a.writeError(w, err)
			return
		}

		party.mu.Lock()
		snap := party.snapshotLocked()
		party.mu.Unlock()

		// Connected members see the new roster right away.
		a.sockets.pushPartyState(party)

		a.writeJSON(w, http.StatusCreated, map[string]any{
			"playerId": member.ID,
			"party":    snap,
		})

		logf(a.cfg, "PARTY: Player %q joined %s from %s", member.Name, snap.Code, realIP(r))
	}
}

func (a *API) disbandParty() httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		code := p.ByName("code")

		if err := a.registry.DisbandParty(code, r.Header.Get("X-Player-Id")); err != nil {
			a.writeError(w, err)
			return
		}

		a.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})

		logf(a.cfg, "PARTY: Disbanded %s from %s", strings.ToUpper(code), realIP(r))
	}
}

func (a *API) healthCheck() httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		a.writeJSON(w, http.StatusOK, map[string]any{
			"ok":         true,
			"partyCount": a.registry.count(),
			"uptime":     time.Since(a.started).Round(time.Second).Seconds(),
		})
	}
}

// partyQR serves a PNG QR code pointing at the join URL for a party, for
// sharing a session across the room.
func (a *API) partyQR(errs chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		code := strings.ToUpper(p.ByName("code"))

		if _, err := a.registry.Get(code); err != nil {
			a.writeError(w, err)
			return
		}

		// Derive scheme (respecting TLS and X-Forwarded-Proto if present).
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		}

		url := scheme + "://" + r.Host + a.cfg.prefix + "/join/" + code

		const qrSize = 320 // mobile-friendly size
		png, err := qrcode.Encode(url, qrcode.Medium, qrSize)
		if err != nil {
			http.Error(w, "qr generation failed", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "image/png")
		securityHeaders(a.cfg, w)

		written, err := w.Write(png)
		if err != nil {
			errs <- err

			return
		}

		logf(a.cfg, "SERVE: QR code for %s (%s) to %s", code, humanReadableSize(int64(written)), realIP(r))
	}
}
