package directory

import (
	"math"
	"testing"
)

func TestDistance(t *testing.T) {
	lisbon := Point{Lon: -9.1393, Lat: 38.7223}
	porto := Point{Lon: -8.6291, Lat: 41.1579}

	d := Distance(lisbon, porto)
	if math.Abs(d-274000) > 3000 {
		t.Errorf("Lisbon-Porto = %.0fm, want about 274km", d)
	}
	if Distance(lisbon, lisbon) != 0 {
		t.Error("distance to self must be zero")
	}
	if math.Abs(Distance(porto, lisbon)-d) > 1e-6 {
		t.Error("distance must be symmetric")
	}
}

func TestParticipantIDs(t *testing.T) {
	trip := Trip{
		HostID: "h",
		Participants: []TripParticipant{
			{UserID: "a", IsActive: true},
			{UserID: "h", IsActive: true},
			{UserID: "b", IsActive: false},
			{UserID: "c", IsActive: true},
		},
	}
	got := trip.ParticipantIDs()
	want := []string{"h", "a", "c"}
	if len(got) != len(want) {
		t.Fatalf("ParticipantIDs() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("ParticipantIDs()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestUserProfile(t *testing.T) {
	u := User{
		Country:        "Peru",
		City:           "Lima",
		Languages:      []string{"es"},
		AdventureStyle: "Extreme",
		Preferences:    Preferences{Interests: []string{"surf"}, GroupSize: 3, TravelStyle: StyleNature},
	}
	p := u.Profile()
	if p.Country != "Peru" || p.City != "Lima" || p.GroupSize != 3 || p.TravelStyle != StyleNature {
		t.Errorf("unexpected profile %+v", p)
	}
	if len(p.Interests) != 1 || p.Interests[0] != "surf" {
		t.Errorf("interests = %v", p.Interests)
	}
}
