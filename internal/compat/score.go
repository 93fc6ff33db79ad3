// Package compat computes the compatibility score between two traveller
// profiles. Score is a pure function: no I/O, no randomness, and
// Score(a, b) == Score(b, a) for every pair.
package compat

import (
	"strings"
	"time"
)

// Score bounds. A raw sum outside the range is clamped.
const (
	MinScore = 28
	MaxScore = 99
)

// Points awarded per signal.
const (
	pointsLanguage    = 13 // per shared language
	pointsDestination = 18 // per shared destination
	pointsDates       = 24
	pointsGroupSize   = 16
	pointsAgeRange    = 16
	pointsInterest    = 13 // per shared interest
	pointsTravelStyle = 18
	pointsAdventure   = 14
	pointsCountry     = 12
	pointsCity        = 12
)

// Breakdown keys.
const (
	FactorLanguages      = "languages"
	FactorDestinations   = "destinations"
	FactorTravelDates    = "travel_dates"
	FactorGroupSize      = "group_size"
	FactorAgeRange       = "age_range"
	FactorInterests      = "interests"
	FactorTravelStyle    = "travel_style"
	FactorAdventureStyle = "adventure_style"
	FactorCountry        = "country"
	FactorCity           = "city"
)

// DateRange is an inclusive travel window.
type DateRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Valid reports whether both ends are set and ordered.
func (d *DateRange) Valid() bool {
	return d != nil && !d.Start.IsZero() && !d.End.IsZero() && !d.End.Before(d.Start)
}

// AgeRange is the preferred age span of travel companions.
type AgeRange struct {
	Min int `json:"min"`
	Max int `json:"max"`
}

// Profile is the subset of a user that the score looks at. Zero values mean
// "no signal" and never count against a pair.
type Profile struct {
	Languages      []string
	Destinations   []string
	TravelDates    *DateRange
	GroupSize      int
	AgeRange       *AgeRange
	Interests      []string
	TravelStyle    string
	AdventureStyle string
	Country        string
	City           string
}

// Result is a clamped score plus the points each factor contributed before
// clamping. Factors that contributed nothing are absent from Breakdown.
type Result struct {
	Score     int            `json:"score"`
	Raw       int            `json:"raw"`
	Breakdown map[string]int `json:"breakdown"`
}

// Score compares two profiles.
func Score(a, b Profile) Result {
	r := Result{Breakdown: make(map[string]int)}
	add := func(factor string, pts int) {
		if pts > 0 {
			r.Breakdown[factor] = pts
			r.Raw += pts
		}
	}

	add(FactorLanguages, overlap(a.Languages, b.Languages)*pointsLanguage)
	add(FactorDestinations, overlap(a.Destinations, b.Destinations)*pointsDestination)

	if a.TravelDates.Valid() && b.TravelDates.Valid() && datesOverlap(*a.TravelDates, *b.TravelDates) {
		add(FactorTravelDates, pointsDates)
	}

	if a.GroupSize > 0 && b.GroupSize > 0 && abs(a.GroupSize-b.GroupSize) <= 1 {
		add(FactorGroupSize, pointsGroupSize)
	}

	if a.AgeRange != nil && b.AgeRange != nil {
		lo := max(a.AgeRange.Min, b.AgeRange.Min)
		hi := min(a.AgeRange.Max, b.AgeRange.Max)
		if hi-lo > 0 {
			add(FactorAgeRange, pointsAgeRange)
		}
	}

	add(FactorInterests, overlap(a.Interests, b.Interests)*pointsInterest)

	if sameNonEmpty(a.TravelStyle, b.TravelStyle) {
		add(FactorTravelStyle, pointsTravelStyle)
	}
	if sameNonEmpty(a.AdventureStyle, b.AdventureStyle) {
		add(FactorAdventureStyle, pointsAdventure)
	}
	if sameNonEmpty(a.Country, b.Country) {
		add(FactorCountry, pointsCountry)
		if sameNonEmpty(a.City, b.City) {
			add(FactorCity, pointsCity)
		}
	}

	r.Score = clamp(r.Raw)
	return r
}

// SubScores derives the three 0-100 sub-scores stored on a match row.
func (r Result) SubScores() (compatibility, location, interests int) {
	loc := (r.Breakdown[FactorCountry] + r.Breakdown[FactorCity]) * 100 / (pointsCountry + pointsCity)
	return r.Score, loc, min(r.Breakdown[FactorInterests], 100)
}

func datesOverlap(a, b DateRange) bool {
	start := a.Start
	if b.Start.After(start) {
		start = b.Start
	}
	end := a.End
	if b.End.Before(end) {
		end = b.End
	}
	return !start.After(end)
}

// overlap counts distinct case-insensitive values present in both lists.
func overlap(a, b []string) int {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	seen := make(map[string]struct{}, len(a))
	for _, v := range a {
		if k := normalize(v); k != "" {
			seen[k] = struct{}{}
		}
	}
	n := 0
	for _, v := range b {
		k := normalize(v)
		if _, ok := seen[k]; ok {
			n++
			delete(seen, k)
		}
	}
	return n
}

func sameNonEmpty(a, b string) bool {
	na := normalize(a)
	return na != "" && na == normalize(b)
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func clamp(n int) int {
	return max(MinScore, min(MaxScore, n))
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
