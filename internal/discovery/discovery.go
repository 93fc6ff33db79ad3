// Package discovery finds candidate travellers near a user, excluding
// everyone the user already has a match row with, and scores each one.
package discovery

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/tripmate/realtime/internal/apperr"
	"github.com/tripmate/realtime/internal/compat"
	"github.com/tripmate/realtime/internal/directory"
	"github.com/tripmate/realtime/internal/metrics"
)

// Config holds discovery settings.
type Config struct {
	IncludeReviews     bool    `koanf:"include_reviews"`
	DefaultMaxDistance float64 `koanf:"default_max_distance" validate:"gt=0"`
}

// DefaultConfig returns the default discovery settings.
func DefaultConfig() Config {
	return Config{
		IncludeReviews:     true,
		DefaultMaxDistance: 5000,
	}
}

// Interactions reports the users a user already has match rows with, in any
// status and either direction.
type Interactions interface {
	InteractedWith(ctx context.Context, userID string) ([]string, error)
}

// Candidate is one scored discovery result.
type Candidate struct {
	User           directory.User     `json:"user"`
	DistanceMeters float64            `json:"distance_meters"`
	Reviews        []directory.Review `json:"reviews,omitempty"`
	Score          int                `json:"compatibility_score"`
	Breakdown      map[string]int     `json:"breakdown"`
}

// SubScores returns the match sub-scores for the candidate.
func (c *Candidate) SubScores() (compatibility, location, interests int) {
	return compat.Result{Score: c.Score, Breakdown: c.Breakdown}.SubScores()
}

// Service runs proximity discovery.
type Service struct {
	users   directory.UserDirectory
	matches Interactions
	config  Config
	log     zerolog.Logger
}

// NewService creates a discovery Service.
func NewService(users directory.UserDirectory, matches Interactions, config Config, logger zerolog.Logger) *Service {
	if config.DefaultMaxDistance <= 0 {
		config.DefaultMaxDistance = DefaultConfig().DefaultMaxDistance
	}
	return &Service{users: users, matches: matches, config: config, log: logger}
}

// DefaultMaxDistance is the radius used when a caller gives none.
func (s *Service) DefaultMaxDistance() float64 { return s.config.DefaultMaxDistance }

// Nearby returns scored candidates within maxDistance meters of the user,
// nearest first. A user without a stored location gets an empty result.
func (s *Service) Nearby(ctx context.Context, userID string, maxDistance float64) ([]Candidate, error) {
	const op = "discovery.nearby"
	if err := apperr.CheckID(op, "user_id", userID); err != nil {
		return nil, err
	}
	if maxDistance <= 0 {
		return nil, apperr.BadInput(op, "max distance must be positive")
	}

	me, err := s.users.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if me.Location == nil {
		metrics.DiscoveryCandidates.Observe(0)
		return []Candidate{}, nil
	}

	interacted, err := s.matches.InteractedWith(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("discovery: exclusion set: %w", err)
	}
	exclude := make([]string, 0, len(interacted)+1)
	exclude = append(exclude, userID)
	exclude = append(exclude, interacted...)

	nearby, err := s.users.FindNearby(ctx, *me.Location, maxDistance, exclude)
	if err != nil {
		return nil, fmt.Errorf("discovery: find nearby: %w", err)
	}

	mine := me.Profile()
	out := make([]Candidate, 0, len(nearby))
	for _, n := range nearby {
		res := compat.Score(mine, n.User.Profile())
		c := Candidate{
			User:           n.User,
			DistanceMeters: n.DistanceMeters,
			Score:          res.Score,
			Breakdown:      res.Breakdown,
		}
		if s.config.IncludeReviews {
			reviews, err := s.users.GetUserReviews(ctx, n.User.ID)
			if err != nil {
				s.log.Warn().Err(err).Str("user_id", n.User.ID).Msg("failed to load reviews")
			} else {
				c.Reviews = reviews
			}
		}
		out = append(out, c)
	}

	metrics.DiscoveryCandidates.Observe(float64(len(out)))
	s.log.Debug().Str("user_id", userID).Float64("max_distance", maxDistance).
		Int("excluded", len(exclude)).Int("candidates", len(out)).Msg("discovery query")
	return out, nil
}
