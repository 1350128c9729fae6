// SPDX-FileCopyrightText: (C) 2025 Particle Tools
// SPDX-License-Identifier: Apache 2.0

package device

import (
	"context"
	"testing"
	"time"
)

func fleetOf(t *testing.T, srv *stubServer, n int) *Fleet {
	t.Helper()
	f := NewFleet(0, 1)
	for i := 0; i < n; i++ {
		f.Add(testSession(t, srv))
	}
	return f
}

func TestFleetConnectAll(t *testing.T) {
	srv := newStubServer(t)
	f := fleetOf(t, srv, 3)

	if err := f.ConnectAll(context.Background()); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if f.ConnectedCount() == 3 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := f.ConnectedCount(); got != 3 {
		t.Fatalf("connected = %d, want 3", got)
	}

	snap := f.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("snapshot has %d rows", len(snap))
	}
	for _, row := range snap {
		if row.State != "ready" {
			t.Fatalf("row %s state = %s", row.DeviceID, row.State)
		}
		if row.Sent == 0 {
			t.Fatalf("row %s sent no messages", row.DeviceID)
		}
	}

	f.DisconnectAll()
	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && f.ConnectedCount() > 0 {
		time.Sleep(10 * time.Millisecond)
	}
	if got := f.ConnectedCount(); got != 0 {
		t.Fatalf("connected = %d after disconnect", got)
	}
}

func TestFleetConnectAllHonorsContext(t *testing.T) {
	f := NewFleet(0.0001, 1) // effectively frozen limiter
	ident, err := NewIdentity()
	if err != nil {
		t.Fatal(err)
	}
	f.Add(NewSession(ident, nil, "127.0.0.1:1", 0))
	f.Add(NewSession(ident, nil, "127.0.0.1:1", 0))
	defer f.DisconnectAll()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := f.ConnectAll(ctx); err == nil {
		t.Fatal("expected context error from frozen limiter")
	}
}

func TestFleetSizeAndSessions(t *testing.T) {
	f := NewFleet(0, 1)
	if f.Size() != 0 {
		t.Fatal("new fleet not empty")
	}
	ident, err := NewIdentity()
	if err != nil {
		t.Fatal(err)
	}
	s := NewSession(ident, nil, "example.com", 0)
	f.Add(s)
	if f.Size() != 1 || f.Sessions()[0] != s {
		t.Fatal("session not registered")
	}
}
