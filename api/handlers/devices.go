// SPDX-FileCopyrightText: (C) 2025 Particle Tools
// SPDX-License-Identifier: Apache 2.0

package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/particle-tools/collider/internal/device"
	"github.com/particle-tools/collider/internal/registry"
)

// DeviceRow combines a session's live state with its registry record.
type DeviceRow struct {
	device.Status
	Claimed       bool   `json:"claimed"`
	LastConnectAt string `json:"last_connect_at,omitempty"`
}

// DevicesHandler returns the fleet listing, combining live session state with
// registry claim metadata. Exposed as GET /api/v1/devices.
func DevicesHandler(fleet *device.Fleet, store *registry.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		slog.Debug("Listing fleet devices")

		stateFilter := r.URL.Query().Get("state")
		rows := make([]DeviceRow, 0)
		for _, status := range fleet.Snapshot() {
			if stateFilter != "" && status.State != stateFilter {
				continue
			}
			row := DeviceRow{Status: status}
			if store != nil {
				rec, err := store.Get(status.DeviceID)
				switch {
				case err == nil:
					row.Claimed = rec.Claimed
					if rec.LastConnectAt != nil {
						row.LastConnectAt = rec.LastConnectAt.UTC().Format("2006-01-02T15:04:05Z")
					}
				case errors.Is(err, registry.ErrNotFound):
					// session without a registry row; list it anyway
				default:
					slog.Error("Error reading device registry", "err", err)
					http.Error(w, "Internal server error", http.StatusInternalServerError)
					return
				}
			}
			rows = append(rows, row)
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(rows); err != nil {
			slog.Error("Error encoding devices response", "err", err)
			http.Error(w, "Internal server error", http.StatusInternalServerError)
		}
	}
}
