package match

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tripmate/realtime/internal/apperr"
	"github.com/tripmate/realtime/internal/metrics"
)

// DeclinePolicy decides who may decline a pending match.
type DeclinePolicy string

const (
	// DeclineEither lets either party decline.
	DeclineEither DeclinePolicy = "either"
	// DeclineReceiver lets only the party who did not initiate decline.
	DeclineReceiver DeclinePolicy = "receiver"
)

// Config holds match service settings.
type Config struct {
	DeclinePolicy DeclinePolicy `koanf:"decline_policy" validate:"oneof=either receiver"`
}

// DefaultConfig returns the default match settings.
func DefaultConfig() Config {
	return Config{DeclinePolicy: DeclineEither}
}

// Request asks for a match from User1ID toward User2ID.
type Request struct {
	User1ID string
	User2ID string
	TripID  string
	Scores  Scores
}

// Service runs the match state machine on top of a Store.
type Service struct {
	store  Store
	tx     Transactor
	config Config
	log    zerolog.Logger
	now    func() time.Time
}

// NewService creates a Service. tx may be nil when the store has no
// transactions; compound writes then run step by step.
func NewService(store Store, tx Transactor, config Config, logger zerolog.Logger) *Service {
	if tx == nil {
		tx = noTx{}
	}
	if config.DeclinePolicy == "" {
		config.DeclinePolicy = DeclineEither
	}
	return &Service{
		store:  store,
		tx:     tx,
		config: config,
		log:    logger,
		now:    time.Now,
	}
}

// WithClock replaces the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// CreateOrAccept records User1ID's interest in User2ID. If User2ID already
// has a pending request toward User1ID in the same trip scope, that request
// is accepted and a reciprocal accepted row is added; accepted is true.
// Otherwise a new pending row is created, unless an identical row exists.
func (s *Service) CreateOrAccept(ctx context.Context, req Request) (*Match, bool, error) {
	const op = "match.create_or_accept"
	if err := apperr.CheckPair(op, req.User1ID, req.User2ID); err != nil {
		return nil, false, err
	}
	if req.TripID != "" {
		if err := apperr.CheckID(op, "trip_id", req.TripID); err != nil {
			return nil, false, err
		}
	}
	scope := scopeOf(req.TripID)

	var (
		result   *Match
		accepted bool
	)
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		if err := s.checkNotBlocked(ctx, op, req.User1ID, req.User2ID, scope); err != nil {
			return err
		}
		reciprocal, err := s.store.Find(ctx, Filter{
			User1ID:  req.User2ID,
			User2ID:  req.User1ID,
			Trip:     scope,
			Statuses: []Status{StatusPending},
			Blocked:  boolPtr(false),
		})
		if err != nil {
			return err
		}
		if len(reciprocal) > 0 {
			result, err = s.accept(ctx, &reciprocal[0], req.Scores)
			accepted = err == nil
			return err
		}

		existing, err := s.store.Find(ctx, Filter{User1ID: req.User1ID, User2ID: req.User2ID, Trip: scope})
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			return apperr.Conflict(op, "match request already exists")
		}

		m := &Match{
			ID:                     uuid.NewString(),
			User1ID:                req.User1ID,
			User2ID:                req.User2ID,
			TripID:                 req.TripID,
			Status:                 StatusPending,
			InitiatedBy:            req.User1ID,
			MatchedAt:              s.now(),
			CompatibilityScore:     req.Scores.Compatibility,
			LocationProximityScore: req.Scores.LocationProximity,
			SharedInterestsScore:   req.Scores.SharedInterests,
		}
		if err := s.store.Insert(ctx, m); err != nil {
			return fmt.Errorf("match: insert pending: %w", err)
		}
		result = m
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	if accepted {
		metrics.MatchTransitions.WithLabelValues("accepted").Inc()
	} else {
		metrics.MatchTransitions.WithLabelValues("created").Inc()
	}
	s.log.Debug().Str("match_id", result.ID).Str("user1_id", req.User1ID).Str("user2_id", req.User2ID).
		Bool("accepted", accepted).Msg("match request recorded")
	return result, accepted, nil
}

// accept flips a pending row to accepted and makes sure the receiver's
// direction holds an accepted row too: an existing row in that direction is
// moved to accepted, otherwise one is inserted. It must run inside a
// transaction. A row blocked or already answered meanwhile yields NotFound.
func (s *Service) accept(ctx context.Context, pending *Match, scores Scores) (*Match, error) {
	now := s.now()
	if err := s.store.Transition(ctx, pending.ID, StatusPending, StatusAccepted, now); err != nil {
		return nil, err
	}
	pending.Status = StatusAccepted
	pending.RespondedAt = &now
	scope := scopeOf(pending.TripID)

	reverse, err := s.store.Find(ctx, Filter{User1ID: pending.User2ID, User2ID: pending.User1ID, Trip: scope})
	if err != nil {
		return nil, err
	}
	var reciprocal *Match
	for i := range reverse {
		if reverse[i].Status == StatusAccepted {
			reciprocal = &reverse[i]
			break
		}
	}
	if reciprocal == nil && len(reverse) > 0 {
		r := &reverse[0]
		if err := s.store.Transition(ctx, r.ID, r.Status, StatusAccepted, now); err != nil {
			return nil, fmt.Errorf("match: reuse reciprocal: %w", err)
		}
		r.Status = StatusAccepted
		r.RespondedAt = &now
		reciprocal = r
	}

	if reciprocal == nil {
		if scores == (Scores{}) {
			scores = Scores{
				Compatibility:     pending.CompatibilityScore,
				LocationProximity: pending.LocationProximityScore,
				SharedInterests:   pending.SharedInterestsScore,
			}
		}
		respondedAt := now
		reciprocal = &Match{
			ID:                     uuid.NewString(),
			User1ID:                pending.User2ID,
			User2ID:                pending.User1ID,
			TripID:                 pending.TripID,
			Status:                 StatusAccepted,
			InitiatedBy:            pending.User2ID,
			MatchedAt:              now,
			RespondedAt:            &respondedAt,
			CompatibilityScore:     scores.Compatibility,
			LocationProximityScore: scores.LocationProximity,
			SharedInterestsScore:   scores.SharedInterests,
		}
		if err := s.store.Insert(ctx, reciprocal); err != nil {
			return nil, fmt.Errorf("match: insert reciprocal: %w", err)
		}
	}

	// A block landing after the transition must cover the new row as well.
	cur, err := s.store.Get(ctx, pending.ID)
	if err != nil {
		return nil, err
	}
	if cur.IsBlocked {
		if _, err := s.store.SetBlocked(ctx, Filter{Pair: [2]string{pending.User1ID, pending.User2ID}, Trip: scope}, true); err != nil {
			return nil, fmt.Errorf("match: keep block: %w", err)
		}
		return nil, apperr.Conflict("match.accept", "match is blocked")
	}
	return reciprocal, nil
}

// checkNotBlocked fails with Conflict when any row between a and b in scope
// is blocked.
func (s *Service) checkNotBlocked(ctx context.Context, op, a, b string, scope TripScope) error {
	blocked, err := s.store.Find(ctx, Filter{Pair: [2]string{a, b}, Trip: scope, Blocked: boolPtr(true)})
	if err != nil {
		return err
	}
	if len(blocked) > 0 {
		return apperr.Conflict(op, "match is blocked")
	}
	return nil
}

// Accept accepts a pending match by id on behalf of the receiver.
func (s *Service) Accept(ctx context.Context, matchID, actingUserID string) (*Match, error) {
	const op = "match.accept"
	if err := apperr.CheckID(op, "match_id", matchID); err != nil {
		return nil, err
	}
	if err := apperr.CheckID(op, "user_id", actingUserID); err != nil {
		return nil, err
	}

	var result *Match
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		m, err := s.store.Get(ctx, matchID)
		if err != nil {
			return err
		}
		if !m.Involves(actingUserID) || m.InitiatedBy == actingUserID {
			return apperr.Unauthorized(op, "only the receiver can accept this match")
		}
		if m.Status != StatusPending || m.IsBlocked {
			return apperr.NotFound(op, "no pending match to accept")
		}
		if err := s.checkNotBlocked(ctx, op, m.User1ID, m.User2ID, scopeOf(m.TripID)); err != nil {
			return err
		}
		result, err = s.accept(ctx, m, Scores{})
		return err
	})
	if err != nil {
		return nil, err
	}
	metrics.MatchTransitions.WithLabelValues("accepted").Inc()
	return result, nil
}

// Decline moves a pending match to the terminal declined state.
func (s *Service) Decline(ctx context.Context, matchID, actingUserID string) (*Match, error) {
	const op = "match.decline"
	if err := apperr.CheckID(op, "match_id", matchID); err != nil {
		return nil, err
	}
	if err := apperr.CheckID(op, "user_id", actingUserID); err != nil {
		return nil, err
	}

	var result *Match
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		m, err := s.store.Get(ctx, matchID)
		if err != nil {
			return err
		}
		if !m.Involves(actingUserID) {
			return apperr.Unauthorized(op, "user is not a party to this match")
		}
		if s.config.DeclinePolicy == DeclineReceiver && actingUserID != m.User2ID {
			return apperr.Unauthorized(op, "only the receiver can decline this match")
		}
		if m.Status != StatusPending || m.IsBlocked {
			return apperr.NotFound(op, "no pending match to decline")
		}

		now := s.now()
		if err := s.store.Transition(ctx, m.ID, StatusPending, StatusDeclined, now); err != nil {
			return err
		}
		m.Status = StatusDeclined
		m.RespondedAt = &now
		result = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.MatchTransitions.WithLabelValues("declined").Inc()
	return result, nil
}

// Unmatch hard-deletes every row between the two users, limited to tripID
// when given. It returns the number of rows removed.
func (s *Service) Unmatch(ctx context.Context, user1ID, user2ID, tripID string) (int, error) {
	const op = "match.unmatch"
	if err := apperr.CheckPair(op, user1ID, user2ID); err != nil {
		return 0, err
	}
	scope := AnyTrip()
	if tripID != "" {
		if err := apperr.CheckID(op, "trip_id", tripID); err != nil {
			return 0, err
		}
		scope = ForTrip(tripID)
	}

	n, err := s.store.Delete(ctx, Filter{Pair: [2]string{user1ID, user2ID}, Trip: scope})
	if err != nil {
		return 0, fmt.Errorf("match: unmatch: %w", err)
	}
	if n == 0 {
		return 0, apperr.NotFound(op, "no match between these users")
	}
	metrics.MatchTransitions.WithLabelValues("unmatched").Add(float64(n))
	return n, nil
}

// BlockMatch sets the blocked flag on a match and its reciprocal row.
func (s *Service) BlockMatch(ctx context.Context, matchID, actingUserID string) (int, error) {
	const op = "match.block"
	if err := apperr.CheckID(op, "match_id", matchID); err != nil {
		return 0, err
	}
	if err := apperr.CheckID(op, "user_id", actingUserID); err != nil {
		return 0, err
	}
	m, err := s.store.Get(ctx, matchID)
	if err != nil {
		return 0, err
	}
	if !m.Involves(actingUserID) {
		return 0, apperr.Unauthorized(op, "user is not a party to this match")
	}
	return s.block(ctx, op, Filter{Pair: [2]string{m.User1ID, m.User2ID}, Trip: scopeOf(m.TripID)})
}

// BlockPair sets the blocked flag on every row between the acting user and
// other, across trips.
func (s *Service) BlockPair(ctx context.Context, actingUserID, otherUserID string) (int, error) {
	const op = "match.block_pair"
	if err := apperr.CheckPair(op, actingUserID, otherUserID); err != nil {
		return 0, err
	}
	return s.block(ctx, op, Filter{Pair: [2]string{actingUserID, otherUserID}})
}

func (s *Service) block(ctx context.Context, op string, f Filter) (int, error) {
	n, err := s.store.SetBlocked(ctx, f, true)
	if err != nil {
		return 0, fmt.Errorf("match: block: %w", err)
	}
	if n == 0 {
		return 0, apperr.NotFound(op, "match not found")
	}
	metrics.MatchTransitions.WithLabelValues("blocked").Inc()
	return n, nil
}

// Get returns a match by id.
func (s *Service) Get(ctx context.Context, matchID string) (*Match, error) {
	if err := apperr.CheckID("match.get", "match_id", matchID); err != nil {
		return nil, err
	}
	return s.store.Get(ctx, matchID)
}

// Confirmed lists the user's accepted, unblocked matches, one entry per
// counterpart and trip, most recently accepted first.
func (s *Service) Confirmed(ctx context.Context, userID string) ([]Match, error) {
	if err := apperr.CheckID("match.confirmed", "user_id", userID); err != nil {
		return nil, err
	}
	rows, err := s.store.Find(ctx, Filter{
		Involving: userID,
		Statuses:  []Status{StatusAccepted},
		Blocked:   boolPtr(false),
	})
	if err != nil {
		return nil, fmt.Errorf("match: confirmed: %w", err)
	}
	sortNewest(rows, respondedAt)

	type key struct{ other, trip string }
	seen := make(map[key]bool, len(rows))
	out := rows[:0]
	for _, m := range rows {
		k := key{m.Counterpart(userID), m.TripID}
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, m)
	}
	return out, nil
}

// PendingReceived lists pending requests addressed to the user, newest first.
func (s *Service) PendingReceived(ctx context.Context, userID string) ([]Match, error) {
	return s.pending(ctx, "match.pending_received", Filter{User2ID: userID}, userID)
}

// PendingSent lists pending requests the user initiated, newest first.
func (s *Service) PendingSent(ctx context.Context, userID string) ([]Match, error) {
	return s.pending(ctx, "match.pending_sent", Filter{User1ID: userID}, userID)
}

func (s *Service) pending(ctx context.Context, op string, f Filter, userID string) ([]Match, error) {
	if err := apperr.CheckID(op, "user_id", userID); err != nil {
		return nil, err
	}
	f.Statuses = []Status{StatusPending}
	f.Blocked = boolPtr(false)
	rows, err := s.store.Find(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	sortNewest(rows, matchedAt)
	return rows, nil
}

// All lists every row involving the user in any state, newest first.
func (s *Service) All(ctx context.Context, userID string) ([]Match, error) {
	if err := apperr.CheckID("match.all", "user_id", userID); err != nil {
		return nil, err
	}
	rows, err := s.store.Find(ctx, Filter{Involving: userID})
	if err != nil {
		return nil, fmt.Errorf("match: all: %w", err)
	}
	sortNewest(rows, matchedAt)
	return rows, nil
}

// InteractedWith returns every user the given user has a match row with,
// blocked and declined rows included.
func (s *Service) InteractedWith(ctx context.Context, userID string) ([]string, error) {
	ids, err := s.store.Counterparts(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("match: counterparts: %w", err)
	}
	return ids, nil
}

func matchedAt(m *Match) time.Time { return m.MatchedAt }

func respondedAt(m *Match) time.Time {
	if m.RespondedAt != nil {
		return *m.RespondedAt
	}
	return m.MatchedAt
}

func sortNewest(rows []Match, at func(*Match) time.Time) {
	sort.SliceStable(rows, func(i, j int) bool {
		return at(&rows[i]).After(at(&rows[j]))
	})
}
