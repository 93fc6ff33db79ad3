// Package suggest runs the daily place suggestion job: once a day, every
// active trip group chat receives a system message naming a place near the
// trip destination.
package suggest

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/rs/zerolog"

	"github.com/tripmate/realtime/internal/chat"
	"github.com/tripmate/realtime/internal/directory"
	"github.com/tripmate/realtime/internal/messaging"
	"github.com/tripmate/realtime/internal/metrics"
	"github.com/tripmate/realtime/internal/protocol"
)

// Config holds scheduler settings.
type Config struct {
	Enabled     bool          `koanf:"enabled"`
	At          string        `koanf:"at" validate:"required,datetime=15:04"`
	Timezone    string        `koanf:"timezone" validate:"required"`
	Radius      float64       `koanf:"radius" validate:"gt=0"`
	Keywords    []string      `koanf:"keywords" validate:"min=1,dive,required"`
	CallTimeout time.Duration `koanf:"call_timeout" validate:"gt=0"`
	LockTTL     time.Duration `koanf:"lock_ttl"`
	Places      PlacesConfig  `koanf:"places"`
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		At:          "09:00",
		Timezone:    "UTC",
		Radius:      2000,
		Keywords:    []string{"tourist attraction", "museum", "restaurant", "park", "viewpoint"},
		CallTimeout: 5 * time.Second,
		LockTTL:     6 * time.Hour,
		Places:      DefaultPlacesConfig(),
	}
}

// ChatPoster is the part of the chat manager the job needs.
type ChatPoster interface {
	ActiveTripChats(ctx context.Context) ([]chat.Chat, error)
	PostSystemMessage(ctx context.Context, chatID, content string) (*chat.Chat, *chat.Message, error)
}

// Publisher broadcasts fan-out events.
type Publisher interface {
	Publish(ctx context.Context, env messaging.Envelope) error
}

// RunLock makes sure a single process runs the job for a given day.
type RunLock interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// Report summarises one run.
type Report struct {
	Chats   int `json:"chats"`
	Posted  int `json:"posted"`
	Skipped int `json:"skipped"`
}

var errNoPlaces = errors.New("suggest: no places found")

// Scheduler posts one suggestion per active trip chat per day.
type Scheduler struct {
	chats  ChatPoster
	trips  chat.TripGetter
	places Places
	bus    Publisher
	lock   RunLock
	config Config
	loc    *time.Location
	hour   int
	minute int
	pick   func(n int) int
	now    func() time.Time
	log    zerolog.Logger
}

// NewScheduler creates a Scheduler. It fails when At or Timezone cannot be
// parsed.
func NewScheduler(chats ChatPoster, trips chat.TripGetter, places Places, bus Publisher, config Config, logger zerolog.Logger) (*Scheduler, error) {
	loc, err := time.LoadLocation(config.Timezone)
	if err != nil {
		return nil, fmt.Errorf("suggest: timezone: %w", err)
	}
	at, err := time.Parse("15:04", config.At)
	if err != nil {
		return nil, fmt.Errorf("suggest: at: %w", err)
	}
	if len(config.Keywords) == 0 {
		return nil, errors.New("suggest: no keywords configured")
	}
	return &Scheduler{
		chats:  chats,
		trips:  trips,
		places: places,
		bus:    bus,
		config: config,
		loc:    loc,
		hour:   at.Hour(),
		minute: at.Minute(),
		pick:   rand.IntN,
		now:    time.Now,
		log:    logger,
	}, nil
}

// WithLock sets the lock taken before each scheduled run.
func (s *Scheduler) WithLock(l RunLock) *Scheduler {
	s.lock = l
	return s
}

// WithPicker replaces the random choice of keyword and place.
func (s *Scheduler) WithPicker(pick func(n int) int) *Scheduler {
	s.pick = pick
	return s
}

// WithClock replaces the clock used for scheduling.
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

// String names the service for the supervisor.
func (s *Scheduler) String() string { return "suggest-scheduler" }

// NextRun returns the first scheduled time strictly after t.
func (s *Scheduler) NextRun(t time.Time) time.Time {
	local := t.In(s.loc)
	next := time.Date(local.Year(), local.Month(), local.Day(), s.hour, s.minute, 0, 0, s.loc)
	if !next.After(local) {
		next = time.Date(local.Year(), local.Month(), local.Day()+1, s.hour, s.minute, 0, 0, s.loc)
	}
	return next
}

// Serve runs the job every day at the configured time until ctx is done.
func (s *Scheduler) Serve(ctx context.Context) error {
	for {
		next := s.NextRun(s.now())
		s.log.Info().Time("next_run", next).Msg("suggestion job scheduled")

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		s.runScheduled(ctx, next)
	}
}

// runScheduled takes the day's lock when configured, then runs the job.
func (s *Scheduler) runScheduled(ctx context.Context, at time.Time) {
	if s.lock != nil {
		key := "suggest:lock:" + at.In(s.loc).Format(time.DateOnly)
		ok, err := s.lock.Acquire(ctx, key, s.config.LockTTL)
		if err != nil {
			s.log.Error().Err(err).Str("key", key).Msg("suggestion lock unavailable, skipping run")
			return
		}
		if !ok {
			s.log.Info().Str("key", key).Msg("suggestion run owned by another process")
			return
		}
	}
	report, err := s.RunOnce(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("suggestion run failed")
		return
	}
	s.log.Info().Int("chats", report.Chats).Int("posted", report.Posted).Int("skipped", report.Skipped).
		Msg("suggestion run finished")
}

// RunOnce posts a suggestion to every active trip chat. A failure on one
// chat skips it; only failing to list the chats fails the run.
func (s *Scheduler) RunOnce(ctx context.Context) (Report, error) {
	chats, err := s.chats.ActiveTripChats(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("suggest: %w", err)
	}

	report := Report{Chats: len(chats)}
	for i := range chats {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		c := &chats[i]
		if err := s.suggest(ctx, c); err != nil {
			report.Skipped++
			metrics.SuggestionsTotal.WithLabelValues("skipped").Inc()
			s.log.Warn().Err(err).Str("chat_id", c.ID).Str("trip_id", c.TripID).Msg("suggestion skipped")
			continue
		}
		report.Posted++
		metrics.SuggestionsTotal.WithLabelValues("posted").Inc()
	}
	return report, nil
}

func (s *Scheduler) suggest(ctx context.Context, c *chat.Chat) error {
	var trip *directory.Trip
	err := s.bounded(ctx, func(ctx context.Context) error {
		var err error
		trip, err = s.trips.GetTrip(ctx, c.TripID)
		return err
	})
	if err != nil {
		return fmt.Errorf("trip %s: %w", c.TripID, err)
	}

	var point directory.Point
	if trip.Destination.Location != nil {
		point = *trip.Destination.Location
	} else {
		err := s.bounded(ctx, func(ctx context.Context) error {
			var err error
			point, err = s.places.Geocode(ctx, trip.Destination.City, trip.Destination.Country)
			return err
		})
		if err != nil {
			return fmt.Errorf("geocode: %w", err)
		}
	}

	keyword := s.config.Keywords[s.pick(len(s.config.Keywords))]
	var found []Place
	err = s.bounded(ctx, func(ctx context.Context) error {
		var err error
		found, err = s.places.NearbyPlaces(ctx, point, s.config.Radius, keyword)
		return err
	})
	if err != nil {
		return fmt.Errorf("nearby places: %w", err)
	}
	if len(found) == 0 {
		return errNoPlaces
	}
	place := found[s.pick(len(found))]

	var posted *chat.Chat
	var msg *chat.Message
	err = s.bounded(ctx, func(ctx context.Context) error {
		var err error
		posted, msg, err = s.chats.PostSystemMessage(ctx, c.ID, formatSuggestion(trip.Destination.City, keyword, place))
		return err
	})
	if err != nil {
		return fmt.Errorf("post: %w", err)
	}

	data, err := protocol.NewServerMessage(protocol.TypeMessageReceived, protocol.MessageReceivedMsg{
		ChatID:  posted.ID,
		Message: msg,
	})
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	if err := s.bus.Publish(ctx, messaging.Room(posted.ID, data, posted.Participants...)); err != nil {
		s.log.Warn().Err(err).Str("chat_id", posted.ID).Msg("suggestion broadcast failed")
	}
	return nil
}

// bounded runs fn with the per-call timeout.
func (s *Scheduler) bounded(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.CallTimeout)
	defer cancel()
	return fn(ctx)
}

func formatSuggestion(city, keyword string, p Place) string {
	text := fmt.Sprintf("Today's %s idea in %s: %s", keyword, city, p.Name)
	if p.Address != "" {
		text += " (" + p.Address + ")"
	}
	if p.Rating > 0 {
		text += fmt.Sprintf(", rated %.1f", p.Rating)
	}
	return text + "."
}
