package prefs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basket/mission-control/internal/bus"
	"github.com/basket/mission-control/internal/gateway"
	"github.com/basket/mission-control/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestQueue(t *testing.T, gw *gateway.Client) *Queue {
	t.Helper()
	s, err := store.New(t.TempDir(), testLogger(), nil)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	return New(Options{Store: s, Gateway: gw, Logger: testLogger()})
}

func TestQueue_SubmitCreatesPending(t *testing.T) {
	q := newTestQueue(t, nil)

	pref, err := q.Submit(context.Background(), "respond in short sentences")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if pref.Status != StatusPending {
		t.Errorf("status = %s, want pending", pref.Status)
	}
	if !strings.HasPrefix(pref.ID, "pref_") {
		t.Errorf("id = %q, want pref_ prefix", pref.ID)
	}
	if pref.AppliedAt != nil {
		t.Error("appliedAt must be null while pending")
	}

	listed, err := q.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(listed) != 1 || listed[0].ID != pref.ID {
		t.Errorf("listed = %+v", listed)
	}
}

func TestQueue_SubmitSameMillisecondGetsDistinctIDs(t *testing.T) {
	q := newTestQueue(t, nil)
	frozen := time.Now()
	q.now = func() time.Time { return frozen }

	first, err := q.Submit(context.Background(), "one")
	if err != nil {
		t.Fatal(err)
	}
	second, err := q.Submit(context.Background(), "two")
	if err != nil {
		t.Fatal(err)
	}
	if first.ID == second.ID {
		t.Fatalf("colliding ids: %q", first.ID)
	}
	if !strings.HasPrefix(second.ID, first.ID+"_") {
		t.Errorf("second id = %q, want %q plus suffix", second.ID, first.ID)
	}
}

func TestQueue_SubmitIDMatchesCreatedAt(t *testing.T) {
	q := newTestQueue(t, nil)
	frozen := time.UnixMilli(1700000000999)
	calls := 0
	q.now = func() time.Time {
		// Advance on every read so a second lookup lands in the next
		// millisecond; the id and CreatedAt must still agree.
		calls++
		return frozen.Add(time.Duration(calls-1) * time.Millisecond)
	}

	pref, err := q.Submit(context.Background(), "stamp me")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	want := fmt.Sprintf("pref_%d", pref.CreatedAt)
	if pref.ID != want {
		t.Errorf("id = %q, createdAt says %q", pref.ID, want)
	}
}

func TestQueue_SubmitRequiresText(t *testing.T) {
	q := newTestQueue(t, nil)
	if _, err := q.Submit(context.Background(), ""); err == nil {
		t.Fatal("empty text should be rejected before any I/O")
	}
	listed, _ := q.List()
	if len(listed) != 0 {
		t.Errorf("rejected submit must not persist anything, got %+v", listed)
	}
}

func TestQueue_SubmitNotifiesAgent(t *testing.T) {
	var mu sync.Mutex
	var gotMessage, gotSession string
	done := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Tool string `json:"tool"`
			Args struct {
				SessionKey string `json:"sessionKey"`
				Message    string `json:"message"`
			} `json:"args"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		mu.Lock()
		gotMessage = req.Args.Message
		gotSession = req.Args.SessionKey
		mu.Unlock()
		json.NewEncoder(w).Encode(map[string]any{"ok": true, "result": map[string]any{"details": map[string]any{}}})
		close(done)
	}))
	defer srv.Close()

	gw := gateway.NewClient(gateway.Options{URL: srv.URL, RetryBase: time.Millisecond, Logger: testLogger()})
	q := newTestQueue(t, gw)

	pref, err := q.Submit(context.Background(), "always use dark mode")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("agent was never notified")
	}
	mu.Lock()
	defer mu.Unlock()
	if gotSession != "agent:main:main" {
		t.Errorf("notified session = %q, want agent:main:main", gotSession)
	}
	// The notification must name the entry id and the fields to fill in.
	for _, want := range []string{pref.ID, "category", "target", "status", "response"} {
		if !strings.Contains(gotMessage, want) {
			t.Errorf("notification missing %q: %s", want, gotMessage)
		}
	}
}

func TestQueue_SubmitSurvivesNotifyFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	gw := gateway.NewClient(gateway.Options{URL: srv.URL, MaxRetries: 1, RetryBase: time.Millisecond, Logger: testLogger()})
	q := newTestQueue(t, gw)

	pref, err := q.Submit(context.Background(), "queue me anyway")
	if err != nil {
		t.Fatalf("Submit must not fail when notification fails: %v", err)
	}
	listed, _ := q.List()
	if len(listed) != 1 || listed[0].ID != pref.ID {
		t.Errorf("entry not persisted: %+v", listed)
	}
}

func TestQueue_ResolveLifecycle(t *testing.T) {
	q := newTestQueue(t, nil)
	ctx := context.Background()

	pref, err := q.Submit(ctx, "prefer metric units")
	if err != nil {
		t.Fatal(err)
	}

	applied, err := q.Resolve(ctx, pref.ID, "style", "USER.md", "noted in USER.md")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if applied.Status != StatusApplied {
		t.Errorf("status = %s, want applied", applied.Status)
	}
	if applied.AppliedAt == nil {
		t.Error("appliedAt must be set on resolve")
	}
	if applied.Category != "style" || applied.Target != "USER.md" {
		t.Errorf("resolved fields not recorded: %+v", applied)
	}

	// Applied is terminal: a second resolve is rejected.
	if _, err := q.Resolve(ctx, pref.ID, "x", "y", "z"); !errors.Is(err, ErrNotPending) {
		t.Errorf("second Resolve: %v, want ErrNotPending", err)
	}
}

func TestQueue_ResolveUnknownID(t *testing.T) {
	q := newTestQueue(t, nil)
	if _, err := q.Resolve(context.Background(), "pref_404", "a", "b", "c"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Resolve unknown: %v, want ErrNotFound", err)
	}
}

func TestQueue_RemoveAnyState(t *testing.T) {
	q := newTestQueue(t, nil)
	ctx := context.Background()

	p1, _ := q.Submit(ctx, "one")
	time.Sleep(2 * time.Millisecond) // ids are timestamp-derived
	p2, _ := q.Submit(ctx, "two")
	if _, err := q.Resolve(ctx, p1.ID, "c", "t", "r"); err != nil {
		t.Fatal(err)
	}

	// Remove works on applied and pending entries alike.
	if err := q.Remove(p1.ID); err != nil {
		t.Fatalf("Remove applied: %v", err)
	}
	if err := q.Remove(p2.ID); err != nil {
		t.Fatalf("Remove pending: %v", err)
	}
	if err := q.Remove("pref_404"); err != nil {
		t.Fatalf("Remove unknown should be a no-op: %v", err)
	}
	listed, _ := q.List()
	if len(listed) != 0 {
		t.Errorf("queue should be empty, got %+v", listed)
	}
}

func TestQueue_ListNewestFirst(t *testing.T) {
	q := newTestQueue(t, nil)
	ctx := context.Background()
	q.now = func() time.Time { return time.UnixMilli(1000) }
	if _, err := q.Submit(ctx, "old"); err != nil {
		t.Fatal(err)
	}
	q.now = func() time.Time { return time.UnixMilli(2000) }
	if _, err := q.Submit(ctx, "new"); err != nil {
		t.Fatal(err)
	}

	listed, err := q.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(listed) != 2 || listed[0].Text != "new" {
		t.Errorf("order wrong: %+v", listed)
	}
}

func TestQueue_PublishesBusEvents(t *testing.T) {
	b := bus.New()
	s, err := store.New(t.TempDir(), testLogger(), nil)
	if err != nil {
		t.Fatal(err)
	}
	q := New(Options{Store: s, Logger: testLogger(), Bus: b})
	sub := b.Subscribe("preference.")
	defer b.Unsubscribe(sub)
	ctx := context.Background()

	pref, err := q.Submit(ctx, "event me")
	if err != nil {
		t.Fatal(err)
	}
	ev := <-sub.Ch()
	if ev.Topic != bus.TopicPreferenceSubmitted {
		t.Errorf("topic = %s, want %s", ev.Topic, bus.TopicPreferenceSubmitted)
	}

	if _, err := q.Resolve(ctx, pref.ID, "c", "t", "r"); err != nil {
		t.Fatal(err)
	}
	ev = <-sub.Ch()
	if ev.Topic != bus.TopicPreferenceResolved {
		t.Errorf("topic = %s, want %s", ev.Topic, bus.TopicPreferenceResolved)
	}
}
