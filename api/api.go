// SPDX-FileCopyrightText: (C) 2025 Particle Tools
// SPDX-License-Identifier: Apache 2.0

// Package api wires the fleet status HTTP endpoints.
package api

import (
	"net/http"

	"github.com/particle-tools/collider/api/handlers"
	"github.com/particle-tools/collider/internal/device"
	"github.com/particle-tools/collider/internal/registry"
)

// NewHTTPHandler builds the status API router.
func NewHTTPHandler(fleet *device.Fleet, store *registry.Store) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", handlers.HealthHandler)
	mux.HandleFunc("/api/v1/devices", handlers.DevicesHandler(fleet, store))
	mux.HandleFunc("/api/v1/storm", handlers.StormHandler(fleet))
	return mux
}
