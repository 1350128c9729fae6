// SPDX-FileCopyrightText: (C) 2025 Particle Tools
// SPDX-License-Identifier: Apache 2.0

package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/particle-tools/collider/internal/device"
)

// StormRequest is the body of POST /api/v1/storm.
type StormRequest struct {
	Count     int     `json:"count"`
	PerSecond float64 `json:"per_second"`
}

// StormHandler triggers a webhook storm on the running fleet. Exposed as
// POST /api/v1/storm; the storm runs asynchronously.
func StormHandler(fleet *device.Fleet) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		slog.Debug("Received storm request", "method", r.Method, "path", r.URL.Path)
		if r.Method != http.MethodPost {
			slog.Debug("Method not allowed", "method", r.Method, "path", r.URL.Path)
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req StormRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			slog.Debug("Error parsing request body", "error", err)
			http.Error(w, "Invalid input", http.StatusBadRequest)
			return
		}
		if req.Count < 1 {
			http.Error(w, "count must be positive", http.StatusBadRequest)
			return
		}

		// the request context dies with the response; the storm must not
		go fleet.WebhookStorm(context.Background(), req.Count, req.PerSecond)

		w.WriteHeader(http.StatusAccepted)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(req)
	}
}
