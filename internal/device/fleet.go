// SPDX-FileCopyrightText: (C) 2025 Particle Tools
// SPDX-License-Identifier: Apache 2.0

package device

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"
)

// Status is one device's row in a fleet snapshot.
type Status struct {
	DeviceID string `json:"device_id"`
	State    string `json:"state"`
	Sent     uint64 `json:"messages_sent"`
	Received uint64 `json:"messages_received"`
}

// Fleet drives a collection of sessions. Connects are paced through a rate
// limiter so thousands of devices do not synchronize their handshakes, and
// webhook storms are paced the same way.
type Fleet struct {
	limiter *rate.Limiter

	mu       sync.Mutex
	sessions []*Session
}

// NewFleet builds an empty fleet pacing connects and storms at perSecond
// operations per second with the given burst. perSecond <= 0 disables pacing.
func NewFleet(perSecond float64, burst int) *Fleet {
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	if burst < 1 {
		burst = 1
	}
	return &Fleet{limiter: rate.NewLimiter(limit, burst)}
}

// Add registers a session with the fleet.
func (f *Fleet) Add(s *Session) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions = append(f.sessions, s)
}

// Size returns the number of registered sessions.
func (f *Fleet) Size() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sessions)
}

// Sessions returns a copy of the session list.
func (f *Fleet) Sessions() []*Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Session(nil), f.sessions...)
}

// ConnectAll starts every session, paced by the fleet limiter. It returns
// early if ctx is cancelled.
func (f *Fleet) ConnectAll(ctx context.Context) error {
	for _, s := range f.Sessions() {
		if err := f.limiter.Wait(ctx); err != nil {
			return err
		}
		s.Connect()
	}
	return nil
}

// DisconnectAll tears down every session for good.
func (f *Fleet) DisconnectAll() {
	for _, s := range f.Sessions() {
		s.Disconnect()
	}
}

// ConnectedCount returns how many sessions are in the ready state.
func (f *Fleet) ConnectedCount() int {
	n := 0
	for _, s := range f.Sessions() {
		if s.IsConnected() {
			n++
		}
	}
	return n
}

// WebhookStorm publishes count webhook events spread round-robin over the
// connected sessions. perSecond > 0 paces the storm with its own limiter,
// otherwise the fleet limiter applies.
func (f *Fleet) WebhookStorm(ctx context.Context, count int, perSecond float64) {
	limiter := f.limiter
	if perSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
	}
	var sessions []*Session
	for _, s := range f.Sessions() {
		if s.IsConnected() {
			sessions = append(sessions, s)
		}
	}
	if len(sessions) == 0 {
		return
	}
	var wg sync.WaitGroup
	for i := 0; i < count; i++ {
		if err := limiter.Wait(ctx); err != nil {
			break
		}
		s := sessions[i%len(sessions)]
		if !s.IsConnected() {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.SendWebhook(); err != nil {
				slog.Debug("webhook dropped", "device", s.Identity().IDHex(), "err", err)
			}
		}()
	}
	wg.Wait()
}

// Snapshot lists every session's current state for the status API.
func (f *Fleet) Snapshot() []Status {
	sessions := f.Sessions()
	out := make([]Status, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, Status{
			DeviceID: s.Identity().IDHex(),
			State:    s.State().String(),
			Sent:     s.MessagesSent(),
			Received: s.MessagesReceived(),
		})
	}
	return out
}
