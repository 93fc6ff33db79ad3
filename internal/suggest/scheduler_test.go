package suggest

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/tripmate/realtime/internal/apperr"
	"github.com/tripmate/realtime/internal/chat"
	"github.com/tripmate/realtime/internal/directory"
	"github.com/tripmate/realtime/internal/messaging"
	"github.com/tripmate/realtime/internal/storage/memory"
)

const (
	alice    = "11111111-1111-4111-8111-111111111111"
	bob      = "22222222-2222-4222-8222-222222222222"
	tripPin  = "44444444-4444-4444-8444-444444444444"
	tripCity = "55555555-5555-4555-8555-555555555555"
	tripLost = "66666666-6666-4666-8666-666666666666"
)

type fakePlaces struct {
	mu       sync.Mutex
	points   map[string]directory.Point
	places   []Place
	block    bool
	geocoded []string
	searched []directory.Point
}

func (f *fakePlaces) Geocode(_ context.Context, city, country string) (directory.Point, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.geocoded = append(f.geocoded, city)
	p, ok := f.points[city]
	if !ok {
		return directory.Point{}, apperr.NotFound("places.geocode", "destination not found")
	}
	return p, nil
}

func (f *fakePlaces) NearbyPlaces(ctx context.Context, p directory.Point, _ float64, _ string) ([]Place, error) {
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.searched = append(f.searched, p)
	return f.places, nil
}

type fakeLock struct {
	ok   bool
	keys []string
}

func (l *fakeLock) Acquire(_ context.Context, key string, _ time.Duration) (bool, error) {
	l.keys = append(l.keys, key)
	return l.ok, nil
}

type fixture struct {
	sched  *Scheduler
	mgr    *chat.Manager
	places *fakePlaces
	events []messaging.Envelope
	chats  map[string]*chat.Chat
}

func newFixture(t *testing.T, trips ...directory.Trip) *fixture {
	t.Helper()
	ctx := context.Background()
	dir := memory.NewDirectory()
	store := memory.NewChats()
	mgr := chat.NewManager(store, store, dir, nil, chat.DefaultConfig(), zerolog.Nop())

	f := &fixture{
		mgr: mgr,
		places: &fakePlaces{
			points: map[string]directory.Point{"Porto": {Lon: -8.61, Lat: 41.15}},
			places: []Place{
				{ID: "p1", Name: "Livraria Lello", Address: "R. das Carmelitas 144", Rating: 4.5},
				{ID: "p2", Name: "Ribeira"},
			},
		},
		chats: make(map[string]*chat.Chat),
	}
	for _, trip := range trips {
		dir.PutTrip(trip)
		c, err := mgr.CreateGroup(ctx, chat.GroupRequest{
			Participants: []string{alice, bob},
			Name:         "Trip to " + trip.Destination.City,
			TripID:       trip.ID,
			AdminID:      alice,
		})
		if err != nil {
			t.Fatalf("CreateGroup() error: %v", err)
		}
		f.chats[trip.ID] = c
	}

	bus := messaging.NewLocalBus()
	var mu sync.Mutex
	if err := bus.Subscribe(func(env messaging.Envelope) {
		mu.Lock()
		defer mu.Unlock()
		f.events = append(f.events, env)
	}); err != nil {
		t.Fatalf("Subscribe() error: %v", err)
	}

	cfg := DefaultConfig()
	cfg.Keywords = []string{"bookshop"}
	cfg.CallTimeout = 50 * time.Millisecond
	sched, err := NewScheduler(mgr, dir, f.places, bus, cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewScheduler() error: %v", err)
	}
	f.sched = sched.WithPicker(func(int) int { return 0 })
	return f
}

func pinnedTrip() directory.Trip {
	return directory.Trip{
		ID:     tripPin,
		HostID: alice,
		Destination: directory.Destination{
			Country:  "Portugal",
			City:     "Lisbon",
			Location: &directory.Point{Lon: -9.14, Lat: 38.72},
		},
	}
}

func cityTrip(id, city string) directory.Trip {
	return directory.Trip{
		ID:          id,
		HostID:      alice,
		Destination: directory.Destination{Country: "Portugal", City: city},
	}
}

// ---------------------------------------------------------------------------
// RunOnce
// ---------------------------------------------------------------------------

func TestRunOnce_PostsAndBroadcasts(t *testing.T) {
	f := newFixture(t, pinnedTrip())
	ctx := context.Background()

	report, err := f.sched.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce() error: %v", err)
	}
	if report != (Report{Chats: 1, Posted: 1}) {
		t.Fatalf("RunOnce() = %+v, want 1 chat posted", report)
	}
	if len(f.places.geocoded) != 0 {
		t.Errorf("trip with a stored point should not be geocoded, got %v", f.places.geocoded)
	}
	if len(f.places.searched) != 1 || f.places.searched[0].Lat != 38.72 {
		t.Errorf("nearby search points = %v", f.places.searched)
	}

	c := f.chats[tripPin]
	msgs, err := f.mgr.Messages(ctx, c.ID, alice, time.Time{}, 0)
	if err != nil {
		t.Fatalf("Messages() error: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("chat has %d messages, want 1", len(msgs))
	}
	want := "Today's bookshop idea in Lisbon: Livraria Lello (R. das Carmelitas 144), rated 4.5."
	if msgs[0].Content != want || msgs[0].SenderID != "" {
		t.Errorf("message = %q from %q, want system message %q", msgs[0].Content, msgs[0].SenderID, want)
	}

	if len(f.events) != 1 {
		t.Fatalf("published %d events, want 1", len(f.events))
	}
	env := f.events[0]
	if env.Kind != messaging.KindRoom || env.Target != c.ID {
		t.Errorf("event = %s/%s, want room/%s", env.Kind, env.Target, c.ID)
	}
	if len(env.Join) != 2 {
		t.Errorf("event join = %v, want both participants", env.Join)
	}
	var frame struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(env.Payload, &frame); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if frame.Type != "message_received" {
		t.Errorf("payload type = %q, want message_received", frame.Type)
	}
}

func TestRunOnce_GeocodesAndSkipsFailures(t *testing.T) {
	f := newFixture(t, cityTrip(tripCity, "Porto"), cityTrip(tripLost, "Atlantis"))

	report, err := f.sched.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() error: %v", err)
	}
	if report != (Report{Chats: 2, Posted: 1, Skipped: 1}) {
		t.Fatalf("RunOnce() = %+v, want 2 chats, 1 posted, 1 skipped", report)
	}
	if len(f.places.searched) != 1 || f.places.searched[0].Lat != 41.15 {
		t.Errorf("nearby search points = %v, want the geocoded Porto point", f.places.searched)
	}
}

func TestRunOnce_SkipsArchivedAndEmpty(t *testing.T) {
	f := newFixture(t, pinnedTrip(), cityTrip(tripCity, "Porto"))
	ctx := context.Background()
	if _, err := f.mgr.Archive(ctx, f.chats[tripCity].ID, alice); err != nil {
		t.Fatalf("Archive() error: %v", err)
	}
	f.places.places = nil

	report, err := f.sched.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce() error: %v", err)
	}
	if report != (Report{Chats: 1, Skipped: 1}) {
		t.Errorf("RunOnce() = %+v, want 1 chat skipped for lack of places", report)
	}
	if len(f.events) != 0 {
		t.Errorf("skipped chat should not broadcast, got %d events", len(f.events))
	}
}

func TestRunOnce_CallTimeout(t *testing.T) {
	f := newFixture(t, pinnedTrip())
	f.places.block = true

	start := time.Now()
	report, err := f.sched.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() error: %v", err)
	}
	if report.Skipped != 1 {
		t.Errorf("RunOnce() = %+v, want the stalled chat skipped", report)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("RunOnce() took %v, call timeout not applied", elapsed)
	}
}

// ---------------------------------------------------------------------------
// Scheduling
// ---------------------------------------------------------------------------

func TestNextRun(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name string
		now  time.Time
		want time.Time
	}{
		{"before today's run", time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC), time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)},
		{"exactly at run", time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC), time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)},
		{"after today's run", time.Date(2025, 6, 1, 22, 30, 0, 0, time.UTC), time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)},
		{"month end", time.Date(2025, 6, 30, 10, 0, 0, 0, time.UTC), time.Date(2025, 7, 1, 9, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := f.sched.NextRun(tt.now); !got.Equal(tt.want) {
				t.Errorf("NextRun(%v) = %v, want %v", tt.now, got, tt.want)
			}
		})
	}
}

func TestNextRun_LocalTimezone(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Timezone = "Europe/Lisbon"
	s, err := NewScheduler(nil, nil, nil, nil, cfg, zerolog.Nop())
	if err != nil {
		t.Skipf("timezone data not available: %v", err)
	}
	// 08:30 UTC is 09:30 in Lisbon summer time, so today's 09:00 has passed.
	now := time.Date(2025, 6, 1, 8, 30, 0, 0, time.UTC)
	want := time.Date(2025, 6, 2, 8, 0, 0, 0, time.UTC)
	if got := s.NextRun(now); !got.Equal(want) {
		t.Errorf("NextRun() = %v, want %v", got.UTC(), want)
	}
}

func TestNewScheduler_RejectsBadConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad time", func(c *Config) { c.At = "25:99" }},
		{"bad timezone", func(c *Config) { c.Timezone = "Mars/Olympus" }},
		{"no keywords", func(c *Config) { c.Keywords = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			if _, err := NewScheduler(nil, nil, nil, nil, cfg, zerolog.Nop()); err == nil {
				t.Error("NewScheduler() should fail")
			}
		})
	}
}

func TestRunScheduled_Lock(t *testing.T) {
	at := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

	t.Run("held elsewhere", func(t *testing.T) {
		f := newFixture(t, pinnedTrip())
		lock := &fakeLock{ok: false}
		f.sched.WithLock(lock).runScheduled(context.Background(), at)
		if len(f.events) != 0 {
			t.Errorf("run without the lock published %d events", len(f.events))
		}
	})

	t.Run("acquired", func(t *testing.T) {
		f := newFixture(t, pinnedTrip())
		lock := &fakeLock{ok: true}
		f.sched.WithLock(lock).runScheduled(context.Background(), at)
		if len(lock.keys) != 1 || lock.keys[0] != "suggest:lock:2025-06-01" {
			t.Errorf("lock keys = %v", lock.keys)
		}
		if len(f.events) != 1 {
			t.Errorf("published %d events, want 1", len(f.events))
		}
	})
}

func TestFormatSuggestion(t *testing.T) {
	got := formatSuggestion("Porto", "park", Place{Name: "Jardim"})
	if got != "Today's park idea in Porto: Jardim." {
		t.Errorf("formatSuggestion() = %q", got)
	}
	if !strings.Contains(formatSuggestion("Porto", "park", Place{Name: "X", Rating: 4.04}), "rated 4.0") {
		t.Error("rating should be formatted with one decimal")
	}
}
