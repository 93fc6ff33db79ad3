package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/tripmate/realtime/internal/apperr"
	"github.com/tripmate/realtime/internal/directory"
)

// Directory is a directory.UserDirectory and directory.TripDirectory on the
// users, reviews and trips tables. The tables belong to the CRUD side; this
// type only reads them, creates trips and flips participant state.
type Directory struct {
	db *DB
}

// NewDirectory creates a Directory.
func NewDirectory(db *DB) *Directory {
	return &Directory{db: db}
}

const userColumns = `id, full_name, lon, lat, country, city, languages, destinations, travel_start, travel_end,
	group_size, age_min, age_max, interests, travel_style, adventure_style`

func scanUser(row interface{ Scan(...any) error }, extra ...any) (*directory.User, error) {
	var (
		u                       directory.User
		lon, lat                sql.NullFloat64
		langs, dests, interests pq.StringArray
		travelStart, travelEnd  sql.NullTime
		ageMin, ageMax          sql.NullInt32
	)
	dest := []any{&u.ID, &u.FullName, &lon, &lat, &u.Country, &u.City, &langs, &dests, &travelStart, &travelEnd,
		&u.Preferences.GroupSize, &ageMin, &ageMax, &interests, &u.Preferences.TravelStyle, &u.AdventureStyle}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	if lon.Valid && lat.Valid {
		u.Location = &directory.Point{Lon: lon.Float64, Lat: lat.Float64}
	}
	u.Languages = []string(langs)
	u.Preferences.Destinations = []string(dests)
	u.Preferences.Interests = []string(interests)
	if travelStart.Valid && travelEnd.Valid {
		u.Preferences.TravelDates = &directory.DateRange{Start: travelStart.Time, End: travelEnd.Time}
	}
	if ageMin.Valid && ageMax.Valid {
		u.Preferences.AgeRange = &directory.AgeRange{Min: int(ageMin.Int32), Max: int(ageMax.Int32)}
	}
	return &u, nil
}

func (d *Directory) GetUser(ctx context.Context, id string) (*directory.User, error) {
	row := d.db.conn(ctx).QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1 AND NOT is_deleted`, id)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("directory.get_user", "user not found")
	}
	if err != nil {
		return nil, apperr.Upstream("directory.get_user", err)
	}
	return u, nil
}

// FindNearby computes great-circle distance in SQL with the haversine
// formula on the same earth radius as directory.Distance.
func (d *Directory) FindNearby(ctx context.Context, p directory.Point, maxDistance float64, excludeIDs []string) ([]directory.Nearby, error) {
	const query = `
		SELECT ` + userColumns + `, distance FROM (
			SELECT u.*, 2 * 6371008.8 * asin(least(1, sqrt(
				power(sin(radians(u.lat - $2) / 2), 2) +
				cos(radians($2)) * cos(radians(u.lat)) * power(sin(radians(u.lon - $1) / 2), 2)
			))) AS distance
			FROM users u
			WHERE NOT u.is_deleted AND u.lon IS NOT NULL AND u.lat IS NOT NULL
			  AND NOT (u.id::text = ANY($4::text[]))
		) nearby
		WHERE distance <= $3
		ORDER BY distance, id`

	if excludeIDs == nil {
		excludeIDs = []string{}
	}
	rows, err := d.db.conn(ctx).QueryContext(ctx, query, p.Lon, p.Lat, maxDistance, pq.Array(excludeIDs))
	if err != nil {
		return nil, apperr.Upstream("directory.find_nearby", err)
	}
	defer rows.Close()

	out := []directory.Nearby{}
	for rows.Next() {
		var dist float64
		u, err := scanUser(rows, &dist)
		if err != nil {
			return nil, apperr.Upstream("directory.find_nearby", err)
		}
		out = append(out, directory.Nearby{User: *u, DistanceMeters: dist})
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Upstream("directory.find_nearby", err)
	}
	return out, nil
}

func (d *Directory) GetUserReviews(ctx context.Context, userID string) ([]directory.Review, error) {
	const query = `
		SELECT id, reviewer_id, reviewer_name, reviewee_id, trip_id, rating, comment, created_at
		FROM reviews WHERE reviewee_id = $1
		ORDER BY created_at DESC`

	rows, err := d.db.conn(ctx).QueryContext(ctx, query, userID)
	if err != nil {
		return nil, apperr.Upstream("directory.get_reviews", err)
	}
	defer rows.Close()

	out := []directory.Review{}
	for rows.Next() {
		var (
			r      directory.Review
			tripID sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.ReviewerID, &r.ReviewerName, &r.RevieweeID, &tripID, &r.Rating, &r.Comment, &r.CreatedAt); err != nil {
			return nil, apperr.Upstream("directory.get_reviews", err)
		}
		r.TripID = tripID.String
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Upstream("directory.get_reviews", err)
	}
	return out, nil
}

func (d *Directory) GetTrip(ctx context.Context, id string) (*directory.Trip, error) {
	const query = `
		SELECT id, host_id, country, city, lon, lat, travel_start, travel_end, group_size, description, tags, created_at
		FROM trips WHERE id = $1`

	var (
		t                      directory.Trip
		lon, lat               sql.NullFloat64
		travelStart, travelEnd sql.NullTime
		tags                   pq.StringArray
	)
	err := d.db.conn(ctx).QueryRowContext(ctx, query, id).Scan(&t.ID, &t.HostID, &t.Destination.Country,
		&t.Destination.City, &lon, &lat, &travelStart, &travelEnd, &t.GroupSize, &t.Description, &tags, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("directory.get_trip", "trip not found")
	}
	if err != nil {
		return nil, apperr.Upstream("directory.get_trip", err)
	}
	if lon.Valid && lat.Valid {
		t.Destination.Location = &directory.Point{Lon: lon.Float64, Lat: lat.Float64}
	}
	if travelStart.Valid && travelEnd.Valid {
		t.TravelDates = &directory.DateRange{Start: travelStart.Time, End: travelEnd.Time}
	}
	t.Tags = []string(tags)

	rows, err := d.db.conn(ctx).QueryContext(ctx, `
		SELECT user_id, is_confirmed, is_active, joined_at
		FROM trip_participants WHERE trip_id = $1
		ORDER BY joined_at, user_id`, id)
	if err != nil {
		return nil, apperr.Upstream("directory.get_trip", err)
	}
	defer rows.Close()

	t.Participants = []directory.TripParticipant{}
	for rows.Next() {
		var p directory.TripParticipant
		if err := rows.Scan(&p.UserID, &p.IsConfirmed, &p.IsActive, &p.JoinedAt); err != nil {
			return nil, apperr.Upstream("directory.get_trip", err)
		}
		t.Participants = append(t.Participants, p)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Upstream("directory.get_trip", err)
	}
	return &t, nil
}

// CreateTrip inserts the trip and its participants in one transaction.
func (d *Directory) CreateTrip(ctx context.Context, t *directory.Trip) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	return d.db.WithTx(ctx, func(ctx context.Context) error {
		var lon, lat sql.NullFloat64
		if loc := t.Destination.Location; loc != nil {
			lon = sql.NullFloat64{Float64: loc.Lon, Valid: true}
			lat = sql.NullFloat64{Float64: loc.Lat, Valid: true}
		}
		var travelStart, travelEnd sql.NullTime
		if t.TravelDates != nil {
			travelStart = sql.NullTime{Time: t.TravelDates.Start, Valid: true}
			travelEnd = sql.NullTime{Time: t.TravelDates.End, Valid: true}
		}
		tags := t.Tags
		if tags == nil {
			tags = []string{}
		}

		_, err := d.db.conn(ctx).ExecContext(ctx, `
			INSERT INTO trips (id, host_id, country, city, lon, lat, travel_start, travel_end,
				group_size, description, tags, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			t.ID, t.HostID, t.Destination.Country, t.Destination.City, lon, lat, travelStart, travelEnd,
			t.GroupSize, t.Description, pq.Array(tags), t.CreatedAt)
		if isUniqueViolation(err) {
			return apperr.Conflict("directory.create_trip", "trip id already exists")
		}
		if err != nil {
			return apperr.Upstream("directory.create_trip", err)
		}

		for _, p := range t.Participants {
			joined := p.JoinedAt
			if joined.IsZero() {
				joined = t.CreatedAt
			}
			_, err := d.db.conn(ctx).ExecContext(ctx, `
				INSERT INTO trip_participants (trip_id, user_id, is_confirmed, is_active, joined_at)
				VALUES ($1, $2, $3, $4, $5)
				ON CONFLICT (trip_id, user_id) DO NOTHING`,
				t.ID, p.UserID, p.IsConfirmed, p.IsActive, joined)
			if err != nil {
				return apperr.Upstream("directory.create_trip", fmt.Errorf("participant %s: %w", p.UserID, err))
			}
		}
		return nil
	})
}

func (d *Directory) MarkParticipantInactive(ctx context.Context, tripID, userID string) error {
	res, err := d.db.conn(ctx).ExecContext(ctx,
		`UPDATE trip_participants SET is_active = FALSE WHERE trip_id = $1 AND user_id = $2`, tripID, userID)
	if err != nil {
		return apperr.Upstream("directory.mark_inactive", err)
	}
	return rowsChanged(res, "directory.mark_inactive", "user is not a participant of this trip")
}
