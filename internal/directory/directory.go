// Package directory describes the user, trip and review records owned by
// the CRUD side of the product. The match and chat core only reads them
// (and creates trips) through the interfaces below.
package directory

import (
	"context"
	"math"
	"time"

	"github.com/tripmate/realtime/internal/compat"
)

// Point is a WGS84 coordinate.
type Point struct {
	Lon float64 `json:"lon"`
	Lat float64 `json:"lat"`
}

type (
	DateRange = compat.DateRange
	AgeRange  = compat.AgeRange
)

// Travel styles.
const (
	StyleBudget    = "budget"
	StyleLuxury    = "luxury"
	StyleAdventure = "adventure"
	StyleCultural  = "cultural"
	StyleNature    = "nature"
	StyleSocial    = "social"
)

// Preferences are a user's travel preferences.
type Preferences struct {
	Destinations []string   `json:"destinations,omitempty"`
	TravelDates  *DateRange `json:"travel_dates,omitempty"`
	GroupSize    int        `json:"group_size,omitempty"`
	AgeRange     *AgeRange  `json:"age_range,omitempty"`
	Interests    []string   `json:"interests,omitempty"`
	TravelStyle  string     `json:"travel_style,omitempty"`
}

// User is a traveller profile.
type User struct {
	ID             string      `json:"id"`
	FullName       string      `json:"full_name"`
	Location       *Point      `json:"location,omitempty"`
	Country        string      `json:"country,omitempty"`
	City           string      `json:"city,omitempty"`
	Languages      []string    `json:"languages,omitempty"`
	Preferences    Preferences `json:"travel_preferences"`
	AdventureStyle string      `json:"adventure_style,omitempty"`
	IsDeleted      bool        `json:"-"`
}

// Profile projects the user onto the fields the compatibility score reads.
func (u *User) Profile() compat.Profile {
	return compat.Profile{
		Languages:      u.Languages,
		Destinations:   u.Preferences.Destinations,
		TravelDates:    u.Preferences.TravelDates,
		GroupSize:      u.Preferences.GroupSize,
		AgeRange:       u.Preferences.AgeRange,
		Interests:      u.Preferences.Interests,
		TravelStyle:    u.Preferences.TravelStyle,
		AdventureStyle: u.AdventureStyle,
		Country:        u.Country,
		City:           u.City,
	}
}

// Review is one traveller's rating of another.
type Review struct {
	ID           string    `json:"id"`
	ReviewerID   string    `json:"reviewer_id"`
	ReviewerName string    `json:"reviewer_name"`
	RevieweeID   string    `json:"reviewee_id"`
	TripID       string    `json:"trip_id,omitempty"`
	Rating       int       `json:"rating"`
	Comment      string    `json:"comment,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Nearby is a user found by a proximity query.
type Nearby struct {
	User           User
	DistanceMeters float64
}

// Destination is where a trip goes.
type Destination struct {
	Country  string `json:"country" validate:"required"`
	City     string `json:"city" validate:"required"`
	Location *Point `json:"location,omitempty"`
}

// TripParticipant is one member of a trip.
type TripParticipant struct {
	UserID      string    `json:"user_id"`
	IsConfirmed bool      `json:"is_confirmed"`
	IsActive    bool      `json:"is_active"`
	JoinedAt    time.Time `json:"joined_at"`
}

// Trip is a planned journey with a host and participants.
type Trip struct {
	ID           string            `json:"id"`
	HostID       string            `json:"host_id"`
	Destination  Destination       `json:"destination"`
	TravelDates  *DateRange        `json:"travel_dates,omitempty"`
	GroupSize    int               `json:"group_size,omitempty"`
	Description  string            `json:"description,omitempty"`
	Tags         []string          `json:"tags,omitempty"`
	Participants []TripParticipant `json:"participants"`
	CreatedAt    time.Time         `json:"created_at"`
}

// ParticipantIDs returns host and active participants, host first, without
// duplicates.
func (t *Trip) ParticipantIDs() []string {
	seen := map[string]bool{t.HostID: true}
	ids := []string{t.HostID}
	for _, p := range t.Participants {
		if p.IsActive && !seen[p.UserID] {
			seen[p.UserID] = true
			ids = append(ids, p.UserID)
		}
	}
	return ids
}

// UserDirectory reads traveller profiles. GetUser returns an apperr
// NotFound error for unknown or deleted users. FindNearby returns
// non-deleted located users within maxDistance meters of p, nearest first,
// skipping excludeIDs.
type UserDirectory interface {
	GetUser(ctx context.Context, id string) (*User, error)
	FindNearby(ctx context.Context, p Point, maxDistance float64, excludeIDs []string) ([]Nearby, error)
	GetUserReviews(ctx context.Context, userID string) ([]Review, error)
}

// TripDirectory reads and creates trips.
type TripDirectory interface {
	GetTrip(ctx context.Context, id string) (*Trip, error)
	CreateTrip(ctx context.Context, t *Trip) error
	MarkParticipantInactive(ctx context.Context, tripID, userID string) error
}

const earthRadiusMeters = 6371008.8

// Distance returns the great-circle distance between a and b in meters.
func Distance(a, b Point) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusMeters * math.Asin(math.Min(1, math.Sqrt(h)))
}
