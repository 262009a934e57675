package main

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/kwv/terrainmesh/terrain"
)

// maxPatchUploadBytes caps the body of a patch upload.
const maxPatchUploadBytes = 256 << 20

// newHTTPServer creates an HTTP server with all endpoints. Patch uploads are
// only accepted when an aligner is given.
func newHTTPServer(reg *terrain.Registry, tolerance float64, aligner *terrain.AutoAligner) http.Handler {
	mux := http.NewServeMux()

	// Health check endpoint
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		status := struct {
			Status      string    `json:"status"`
			Timestamp   time.Time `json:"timestamp"`
			Patches     int       `json:"patches"`
			Corrections int       `json:"corrections"`
		}{
			Status:      "ok",
			Timestamp:   time.Now(),
			Patches:     len(reg.PatchIDs()),
			Corrections: len(reg.Corrections().Corrections),
		}
		writeJSON(w, status)
	})

	mux.HandleFunc("GET /corrections", func(w http.ResponseWriter, r *http.Request) {
		cd := reg.Corrections()
		payload := struct {
			Corrections []terrain.Correction `json:"corrections"`
			LastUpdated int64                `json:"lastUpdated"`
		}{
			Corrections: cd.Sorted(),
			LastUpdated: cd.LastUpdated,
		}
		if payload.Corrections == nil {
			payload.Corrections = []terrain.Correction{}
		}
		writeJSON(w, payload)
	})

	mux.HandleFunc("GET /patches", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, reg.PatchIDs())
	})

	mux.HandleFunc("GET /patches/{id}/stats", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if _, ok := reg.GetPatch(id); !ok {
			http.Error(w, "Unknown patch", http.StatusNotFound)
			return
		}
		stats, err := reg.Stats(id)
		if err != nil {
			log.Printf("Error computing stats for %s: %v", id, err)
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}
		writeJSON(w, stats)
	})

	if aligner != nil {
		mux.HandleFunc("POST /patches/{id}", func(w http.ResponseWriter, r *http.Request) {
			id := r.PathValue("id")
			body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPatchUploadBytes))
			if err != nil {
				http.Error(w, "Reading body failed", http.StatusRequestEntityTooLarge)
				return
			}
			pd, err := terrain.ParsePatchJSON(body)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			corrections, err := aligner.IngestPatch(id, pd)
			switch {
			case errors.Is(err, terrain.ErrUnknownPatch):
				http.Error(w, err.Error(), http.StatusNotFound)
				return
			case err != nil:
				http.Error(w, err.Error(), http.StatusUnprocessableEntity)
				return
			}
			if corrections == nil {
				corrections = []terrain.Correction{}
			}
			writeJSON(w, struct {
				Corrections []terrain.Correction `json:"corrections"`
			}{corrections})
		})
	}

	mux.HandleFunc("GET /patches.geojson", func(w http.ResponseWriter, r *http.Request) {
		if len(reg.PatchIDs()) == 0 {
			http.Error(w, "No patches loaded", http.StatusServiceUnavailable)
			return
		}
		data, err := terrain.ExportGeoJSON(reg, tolerance).MarshalJSON()
		if err != nil {
			log.Printf("Error encoding GeoJSON: %v", err)
			http.Error(w, "Encoding failed", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/geo+json")
		w.Header().Set("Cache-Control", "no-cache")
		_, _ = w.Write(data)
	})

	// Wrap mux with logging middleware
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.Printf("[HTTP] %s %s from %s", r.Method, r.URL.Path, r.RemoteAddr)
		mux.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Error encoding response: %v", err)
	}
}
