package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/tripmate/realtime/internal/apperr"
	"github.com/tripmate/realtime/internal/match"
)

// Matches is a match.Store on the matches table.
type Matches struct {
	db *DB
}

// NewMatches creates a Matches store.
func NewMatches(db *DB) *Matches {
	return &Matches{db: db}
}

const matchColumns = `id, user1_id, user2_id, trip_id, status, initiated_by, matched_at, responded_at,
	compatibility_score, location_proximity_score, shared_interests_score, is_blocked`

func scanMatch(row interface{ Scan(...any) error }) (*match.Match, error) {
	var (
		m         match.Match
		tripID    sql.NullString
		responded sql.NullTime
	)
	err := row.Scan(&m.ID, &m.User1ID, &m.User2ID, &tripID, &m.Status, &m.InitiatedBy, &m.MatchedAt, &responded,
		&m.CompatibilityScore, &m.LocationProximityScore, &m.SharedInterestsScore, &m.IsBlocked)
	if err != nil {
		return nil, err
	}
	m.TripID = tripID.String
	m.RespondedAt = timePtr(responded)
	return &m, nil
}

// where renders f as a WHERE clause with positional arguments.
func where(f match.Filter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.User1ID != "" {
		conds = append(conds, "user1_id = "+arg(f.User1ID))
	}
	if f.User2ID != "" {
		conds = append(conds, "user2_id = "+arg(f.User2ID))
	}
	if f.Pair[0] != "" {
		a, b := arg(f.Pair[0]), arg(f.Pair[1])
		conds = append(conds, fmt.Sprintf("((user1_id = %s AND user2_id = %s) OR (user1_id = %s AND user2_id = %s))", a, b, b, a))
	}
	if f.Involving != "" {
		u := arg(f.Involving)
		conds = append(conds, fmt.Sprintf("(user1_id = %s OR user2_id = %s)", u, u))
	}
	if tripID, ok := f.Trip.Restricted(); ok {
		if tripID == "" {
			conds = append(conds, "trip_id IS NULL")
		} else {
			conds = append(conds, "trip_id = "+arg(tripID))
		}
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			statuses[i] = string(s)
		}
		conds = append(conds, "status = ANY("+arg(pq.Array(statuses))+")")
	}
	if f.Blocked != nil {
		conds = append(conds, "is_blocked = "+arg(*f.Blocked))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (s *Matches) Get(ctx context.Context, id string) (*match.Match, error) {
	row := s.db.conn(ctx).QueryRowContext(ctx, `SELECT `+matchColumns+` FROM matches WHERE id = $1`, id)
	m, err := scanMatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("match.get", "match not found")
	}
	if err != nil {
		return nil, apperr.Upstream("match.get", err)
	}
	return m, nil
}

func (s *Matches) Find(ctx context.Context, f match.Filter) ([]match.Match, error) {
	clause, args := where(f)
	rows, err := s.db.conn(ctx).QueryContext(ctx, `SELECT `+matchColumns+` FROM matches`+clause+` ORDER BY seq`, args...)
	if err != nil {
		return nil, apperr.Upstream("match.find", err)
	}
	defer rows.Close()

	out := []match.Match{}
	for rows.Next() {
		m, err := scanMatch(rows)
		if err != nil {
			return nil, apperr.Upstream("match.find", err)
		}
		out = append(out, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Upstream("match.find", err)
	}
	return out, nil
}

func (s *Matches) Insert(ctx context.Context, m *match.Match) error {
	const query = `
		INSERT INTO matches (` + matchColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	_, err := s.db.conn(ctx).ExecContext(ctx, query,
		m.ID, m.User1ID, m.User2ID, nullString(m.TripID), string(m.Status), m.InitiatedBy, m.MatchedAt,
		nullTime(m.RespondedAt), m.CompatibilityScore, m.LocationProximityScore, m.SharedInterestsScore, m.IsBlocked)
	if isUniqueViolation(err) {
		return apperr.Conflict("match.insert", "match id already exists")
	}
	if err != nil {
		return apperr.Upstream("match.insert", err)
	}
	return nil
}

func (s *Matches) Transition(ctx context.Context, id string, from, to match.Status, respondedAt time.Time) error {
	const query = `
		UPDATE matches SET status = $3, responded_at = $4
		WHERE id = $1 AND status = $2 AND NOT is_blocked`

	res, err := s.db.conn(ctx).ExecContext(ctx, query, id, string(from), string(to), respondedAt)
	if err != nil {
		return apperr.Upstream("match.transition", err)
	}
	return rowsChanged(res, "match.transition", "no "+string(from)+" match to update")
}

func (s *Matches) Delete(ctx context.Context, f match.Filter) (int, error) {
	clause, args := where(f)
	res, err := s.db.conn(ctx).ExecContext(ctx, `DELETE FROM matches`+clause, args...)
	if err != nil {
		return 0, apperr.Upstream("match.delete", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, apperr.Upstream("match.delete", err)
	}
	return int(n), nil
}

func (s *Matches) SetBlocked(ctx context.Context, f match.Filter, blocked bool) (int, error) {
	clause, args := where(f)
	args = append(args, blocked)
	query := fmt.Sprintf(`UPDATE matches SET is_blocked = $%d`, len(args)) + clause
	res, err := s.db.conn(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		return 0, apperr.Upstream("match.set_blocked", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, apperr.Upstream("match.set_blocked", err)
	}
	return int(n), nil
}

func (s *Matches) Counterparts(ctx context.Context, userID string) ([]string, error) {
	const query = `
		SELECT other FROM (
			SELECT CASE WHEN user1_id = $1 THEN user2_id ELSE user1_id END AS other, MIN(seq) AS first
			FROM matches
			WHERE user1_id = $1 OR user2_id = $1
			GROUP BY 1
		) c ORDER BY first`

	rows, err := s.db.conn(ctx).QueryContext(ctx, query, userID)
	if err != nil {
		return nil, apperr.Upstream("match.counterparts", err)
	}
	defer rows.Close()

	out := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, apperr.Upstream("match.counterparts", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Upstream("match.counterparts", err)
	}
	return out, nil
}
