// Package match implements the persisted match lifecycle between two
// travellers: pending requests, acceptance by re-request or explicit accept,
// terminal decline, the blocked side flag and hard-delete unmatch.
//
// An accepted pair is stored as two directional rows, one per initiator
// perspective. Both rows carry status accepted.
package match

import (
	"slices"
	"time"
)

// Status is the lifecycle state of a match row.
type Status string

const (
	StatusPending  Status = "pending"
	StatusAccepted Status = "accepted"
	StatusDeclined Status = "declined"
)

// Match is one directional match row from User1ID toward User2ID.
type Match struct {
	ID                     string     `json:"id"`
	User1ID                string     `json:"user1_id"`
	User2ID                string     `json:"user2_id"`
	TripID                 string     `json:"trip_id,omitempty"`
	Status                 Status     `json:"status"`
	InitiatedBy            string     `json:"initiated_by"`
	MatchedAt              time.Time  `json:"matched_at"`
	RespondedAt            *time.Time `json:"responded_at,omitempty"`
	CompatibilityScore     int        `json:"compatibility_score"`
	LocationProximityScore int        `json:"location_proximity_score"`
	SharedInterestsScore   int        `json:"shared_interests_score"`
	IsBlocked              bool       `json:"is_blocked"`
}

// Involves reports whether userID is either party.
func (m *Match) Involves(userID string) bool {
	return m.User1ID == userID || m.User2ID == userID
}

// Counterpart returns the party that is not userID.
func (m *Match) Counterpart(userID string) string {
	if m.User1ID == userID {
		return m.User2ID
	}
	return m.User1ID
}

// Scores are the sub-scores persisted on a row.
type Scores struct {
	Compatibility     int `json:"compatibility"`
	LocationProximity int `json:"location_proximity"`
	SharedInterests   int `json:"shared_interests"`
}

// TripScope restricts a query by trip. The zero value matches any trip.
type TripScope struct {
	id  string
	set bool
}

// AnyTrip matches rows regardless of trip.
func AnyTrip() TripScope { return TripScope{} }

// NoTrip matches only rows without a trip.
func NoTrip() TripScope { return TripScope{set: true} }

// ForTrip matches only rows bound to tripID.
func ForTrip(tripID string) TripScope { return TripScope{id: tripID, set: true} }

// scopeOf is the exact scope of a request: its trip, or no trip.
func scopeOf(tripID string) TripScope {
	if tripID == "" {
		return NoTrip()
	}
	return ForTrip(tripID)
}

// Restricted reports whether the scope filters at all, and on which trip id
// ("" meaning rows without a trip).
func (s TripScope) Restricted() (tripID string, ok bool) {
	return s.id, s.set
}

// Contains reports whether a row bound to tripID falls in the scope.
func (s TripScope) Contains(tripID string) bool {
	return !s.set || s.id == tripID
}

// Filter selects match rows. Zero fields do not filter.
type Filter struct {
	User1ID   string    // exact direction: initiator side
	User2ID   string    // exact direction: receiver side
	Pair      [2]string // unordered pair, both ids set
	Involving string    // either side
	Trip      TripScope
	Statuses  []Status
	Blocked   *bool
}

// Matches evaluates the filter against a row.
func (f Filter) Matches(m *Match) bool {
	if f.User1ID != "" && m.User1ID != f.User1ID {
		return false
	}
	if f.User2ID != "" && m.User2ID != f.User2ID {
		return false
	}
	if f.Pair[0] != "" {
		direct := m.User1ID == f.Pair[0] && m.User2ID == f.Pair[1]
		reverse := m.User1ID == f.Pair[1] && m.User2ID == f.Pair[0]
		if !direct && !reverse {
			return false
		}
	}
	if f.Involving != "" && !m.Involves(f.Involving) {
		return false
	}
	if !f.Trip.Contains(m.TripID) {
		return false
	}
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, m.Status) {
		return false
	}
	if f.Blocked != nil && m.IsBlocked != *f.Blocked {
		return false
	}
	return true
}

func boolPtr(b bool) *bool { return &b }
