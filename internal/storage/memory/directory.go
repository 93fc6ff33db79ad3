package memory

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/tripmate/realtime/internal/apperr"
	"github.com/tripmate/realtime/internal/directory"
)

// Directory is an in-memory directory.UserDirectory and
// directory.TripDirectory. Records are seeded with PutUser, PutReview and
// PutTrip.
type Directory struct {
	mu      sync.RWMutex
	users   map[string]*directory.User
	reviews map[string][]directory.Review // reviewee id -> reviews
	trips   map[string]*directory.Trip
}

// NewDirectory creates an empty directory.
func NewDirectory() *Directory {
	return &Directory{
		users:   make(map[string]*directory.User),
		reviews: make(map[string][]directory.Review),
		trips:   make(map[string]*directory.Trip),
	}
}

// PutUser adds or replaces a user.
func (d *Directory) PutUser(u directory.User) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users[u.ID] = &u
}

// PutReview records a review of r.RevieweeID.
func (d *Directory) PutReview(r directory.Review) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reviews[r.RevieweeID] = append(d.reviews[r.RevieweeID], r)
}

// PutTrip adds or replaces a trip.
func (d *Directory) PutTrip(t directory.Trip) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.trips[t.ID] = copyTrip(&t)
}

func (d *Directory) GetUser(_ context.Context, id string) (*directory.User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.users[id]
	if !ok || u.IsDeleted {
		return nil, apperr.NotFound("directory.get_user", "user not found")
	}
	cp := *u
	return &cp, nil
}

func (d *Directory) FindNearby(_ context.Context, p directory.Point, maxDistance float64, excludeIDs []string) ([]directory.Nearby, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := []directory.Nearby{}
	for _, u := range d.users {
		if u.IsDeleted || u.Location == nil || slices.Contains(excludeIDs, u.ID) {
			continue
		}
		dist := directory.Distance(p, *u.Location)
		if dist > maxDistance {
			continue
		}
		out = append(out, directory.Nearby{User: *u, DistanceMeters: dist})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DistanceMeters == out[j].DistanceMeters {
			return out[i].User.ID < out[j].User.ID
		}
		return out[i].DistanceMeters < out[j].DistanceMeters
	})
	return out, nil
}

func (d *Directory) GetUserReviews(_ context.Context, userID string) ([]directory.Review, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := slices.Clone(d.reviews[userID])
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if out == nil {
		out = []directory.Review{}
	}
	return out, nil
}

func (d *Directory) GetTrip(_ context.Context, id string) (*directory.Trip, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	t, ok := d.trips[id]
	if !ok {
		return nil, apperr.NotFound("directory.get_trip", "trip not found")
	}
	return copyTrip(t), nil
}

func (d *Directory) CreateTrip(_ context.Context, t *directory.Trip) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.trips[t.ID]; ok {
		return apperr.Conflict("directory.create_trip", "trip id already exists")
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	d.trips[t.ID] = copyTrip(t)
	return nil
}

func (d *Directory) MarkParticipantInactive(_ context.Context, tripID, userID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.trips[tripID]
	if !ok {
		return apperr.NotFound("directory.mark_inactive", "trip not found")
	}
	for i := range t.Participants {
		if t.Participants[i].UserID == userID {
			t.Participants[i].IsActive = false
			return nil
		}
	}
	return apperr.NotFound("directory.mark_inactive", "user is not a participant of this trip")
}

func copyTrip(t *directory.Trip) *directory.Trip {
	cp := *t
	cp.Participants = slices.Clone(t.Participants)
	cp.Tags = slices.Clone(t.Tags)
	return &cp
}
