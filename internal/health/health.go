// Package health implements the Dockerflow-style health surface spec.md
// section 6 names and delegates to "the transport layer": /__heartbeat__,
// /__lbheartbeat__, /__version__, /__error__.
package health

import (
	"encoding/json"
	"net/http"
)

// Version is the build metadata served at /__version__, normally populated
// from the build's VCS info at link time.
type Version struct {
	Source  string `json:"source"`
	Version string `json:"version"`
	Commit  string `json:"commit"`
}

// Checker reports whether the gateway's dependencies (settings loaded,
// object store reachable, ...) are healthy. A nil Checker is treated as
// always-healthy.
type Checker interface {
	Healthy() error
}

// Register attaches the health endpoints to mux.
func Register(mux *http.ServeMux, version Version, checker Checker) {
	mux.HandleFunc("/__lbheartbeat__", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("/__heartbeat__", func(w http.ResponseWriter, r *http.Request) {
		if checker != nil {
			if err := checker.Healthy(); err != nil {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusServiceUnavailable)
				_ = json.NewEncoder(w).Encode(map[string]string{"status": "error", "error": err.Error()})
				return
			}
		}
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("/__version__", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(version)
	})

	mux.HandleFunc("/__error__", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "intentional test error", http.StatusInternalServerError)
	})
}
