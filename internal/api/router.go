// Package api implements the transfer CRUD routes of the illustrative HTTP
// surface described in §6, kept intentionally thin since the full
// REST/auth/TLS/web UI layer is a non-goal. The Relay Plane's network
// endpoints are served by relay/controller's Router.
package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/soulfired/soulfired/internal/errs"
	"github.com/soulfired/soulfired/internal/transfer"
)

// TransferOrchestrator is the subset of the Transfer Orchestrator the
// transfers routes need.
type TransferOrchestrator interface {
	Get(id string) (transfer.Record, bool)
	List(direction *transfer.Direction) []transfer.Record
	Cancel(id string) error
	Remove(id string) error
	ClearCompleted() error
	EnqueueDownload(ctx context.Context, username string, requests []transfer.DownloadRequest) ([]transfer.Record, error)
}

// Router builds the transfers CRUD surface. Mount the Relay Plane's
// controller.Router separately under "/network" to complete §6's surface.
func Router(orch TransferOrchestrator) http.Handler {
	r := chi.NewRouter()
	r.Route("/transfers/{direction}", func(r chi.Router) {
		r.Get("/", listHandler(orch))
		r.Get("/user/{username}", listHandler(orch))
		r.Get("/id/{id}", getHandler(orch))
		r.Get("/id/{id}/position", positionHandler(orch))
		r.Delete("/id/{id}", deleteHandler(orch))
		r.Post("/user/{username}", enqueueHandler(orch))
		r.Delete("/all/completed", clearCompletedHandler(orch))
	})
	return r
}

func parseDirection(r *http.Request) (*transfer.Direction, bool) {
	switch chi.URLParam(r, "direction") {
	case "downloads":
		d := transfer.Download
		return &d, true
	case "uploads":
		d := transfer.Upload
		return &d, true
	default:
		return nil, false
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch errs.KindOf(err) {
	case errs.NotFound:
		status = http.StatusNotFound
	case errs.Unauthorized:
		status = http.StatusUnauthorized
	case errs.RateLimited:
		status = http.StatusTooManyRequests
	case errs.ConfigurationInvalid:
		status = http.StatusBadRequest
	case errs.Rejected:
		status = http.StatusForbidden
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func listHandler(orch TransferOrchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		direction, ok := parseDirection(r)
		if !ok {
			http.NotFound(w, r)
			return
		}
		records := orch.List(direction)
		if username := chi.URLParam(r, "username"); username != "" {
			filtered := make([]transfer.Record, 0, len(records))
			for _, rec := range records {
				if rec.Username == username {
					filtered = append(filtered, rec)
				}
			}
			records = filtered
		}
		writeJSON(w, http.StatusOK, records)
	}
}

func getHandler(orch TransferOrchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, ok := orch.Get(chi.URLParam(r, "id"))
		if !ok {
			writeError(w, errs.New(errs.NotFound, "api.Get", "no such transfer"))
			return
		}
		writeJSON(w, http.StatusOK, rec)
	}
}

func positionHandler(orch TransferOrchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, ok := orch.Get(chi.URLParam(r, "id"))
		if !ok {
			writeError(w, errs.New(errs.NotFound, "api.Position", "no such transfer"))
			return
		}
		place := 0
		if rec.PlaceInQueue != nil {
			place = *rec.PlaceInQueue
		}
		writeJSON(w, http.StatusOK, map[string]int{"placeInQueue": place})
	}
}

func deleteHandler(orch TransferOrchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Remove cancels internally before deleting, and is idempotent for an
		// unknown or already-removed id — no separate Cancel call needed.
		if err := orch.Remove(chi.URLParam(r, "id")); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func clearCompletedHandler(orch TransferOrchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := orch.ClearCompleted(); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

type enqueueRequest struct {
	Filename string `json:"filename"`
	Size     uint64 `json:"size"`
}

func enqueueHandler(orch TransferOrchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		direction, ok := parseDirection(r)
		if !ok || *direction != transfer.Download {
			http.NotFound(w, r)
			return
		}
		username := chi.URLParam(r, "username")

		var body []enqueueRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, errs.New(errs.ConfigurationInvalid, "api.Enqueue", "malformed request body"))
			return
		}
		requests := make([]transfer.DownloadRequest, 0, len(body))
		for _, b := range body {
			requests = append(requests, transfer.DownloadRequest{Filename: b.Filename, Size: b.Size})
		}

		records, err := orch.EnqueueDownload(r.Context(), username, requests)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, records)
	}
}
