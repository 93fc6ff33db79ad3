package suggest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/tripmate/realtime/internal/apperr"
	"github.com/tripmate/realtime/internal/directory"
)

// Place is a point of interest.
type Place struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Address  string          `json:"address,omitempty"`
	Location directory.Point `json:"location"`
	Rating   float64         `json:"rating,omitempty"`
}

// Places resolves destinations and finds points of interest around them.
// Geocode returns an apperr NotFound error for unknown places; NearbyPlaces
// returns an empty slice when nothing matches.
type Places interface {
	Geocode(ctx context.Context, city, country string) (directory.Point, error)
	NearbyPlaces(ctx context.Context, p directory.Point, radius float64, keyword string) ([]Place, error)
}

// PlacesConfig configures the Google Maps web service client.
type PlacesConfig struct {
	APIKey     string        `koanf:"api_key"`
	GeocodeURL string        `koanf:"geocode_url" validate:"required,url"`
	NearbyURL  string        `koanf:"nearby_url" validate:"required,url"`
	Timeout    time.Duration `koanf:"timeout"`
	Breaker    BreakerConfig `koanf:"breaker"`
}

// BreakerConfig tunes the circuit breaker around the places API.
type BreakerConfig struct {
	MaxRequests      uint32        `koanf:"max_requests"`
	Interval         time.Duration `koanf:"interval"`
	Timeout          time.Duration `koanf:"timeout"`
	FailureThreshold uint32        `koanf:"failure_threshold" validate:"gte=1"`
}

// DefaultPlacesConfig points at the public Google Maps endpoints.
func DefaultPlacesConfig() PlacesConfig {
	return PlacesConfig{
		GeocodeURL: "https://maps.googleapis.com/maps/api/geocode/json",
		NearbyURL:  "https://maps.googleapis.com/maps/api/place/nearbysearch/json",
		Timeout:    10 * time.Second,
		Breaker: BreakerConfig{
			MaxRequests:      1,
			Interval:         time.Minute,
			Timeout:          2 * time.Minute,
			FailureThreshold: 5,
		},
	}
}

// GoogleClient implements Places on the Google Geocoding and Places Nearby
// Search APIs. Calls go through a circuit breaker so an outage fails fast.
type GoogleClient struct {
	config PlacesConfig
	http   *http.Client
	cb     *gobreaker.CircuitBreaker[[]byte]
	log    zerolog.Logger
}

// NewGoogleClient creates a GoogleClient.
func NewGoogleClient(config PlacesConfig, logger zerolog.Logger) *GoogleClient {
	if config.Breaker.FailureThreshold == 0 {
		config.Breaker.FailureThreshold = DefaultPlacesConfig().Breaker.FailureThreshold
	}
	c := &GoogleClient{
		config: config,
		http:   &http.Client{Timeout: config.Timeout},
		log:    logger,
	}
	c.cb = gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        "places-api",
		MaxRequests: config.Breaker.MaxRequests,
		Interval:    config.Breaker.Interval,
		Timeout:     config.Breaker.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= config.Breaker.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
				Msg("circuit breaker state change")
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
	return c
}

type apiLocation struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type geocodeResponse struct {
	Status       string `json:"status"`
	ErrorMessage string `json:"error_message"`
	Results      []struct {
		FormattedAddress string `json:"formatted_address"`
		Geometry         struct {
			Location apiLocation `json:"location"`
		} `json:"geometry"`
	} `json:"results"`
}

type nearbyResponse struct {
	Status       string `json:"status"`
	ErrorMessage string `json:"error_message"`
	Results      []struct {
		PlaceID  string  `json:"place_id"`
		Name     string  `json:"name"`
		Vicinity string  `json:"vicinity"`
		Rating   float64 `json:"rating"`
		Geometry struct {
			Location apiLocation `json:"location"`
		} `json:"geometry"`
	} `json:"results"`
}

// Geocode resolves "city, country" to a point.
func (c *GoogleClient) Geocode(ctx context.Context, city, country string) (directory.Point, error) {
	const op = "places.geocode"
	q := url.Values{}
	q.Set("address", city+", "+country)
	q.Set("key", c.config.APIKey)

	body, err := c.get(ctx, c.config.GeocodeURL, q)
	if err != nil {
		return directory.Point{}, apperr.Upstream(op, err)
	}
	var resp geocodeResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return directory.Point{}, apperr.Upstream(op, fmt.Errorf("decode: %w", err))
	}
	switch resp.Status {
	case "OK":
	case "ZERO_RESULTS":
		return directory.Point{}, apperr.NotFound(op, "destination not found")
	default:
		return directory.Point{}, apperr.Upstream(op, fmt.Errorf("status %s: %s", resp.Status, resp.ErrorMessage))
	}
	if len(resp.Results) == 0 {
		return directory.Point{}, apperr.NotFound(op, "destination not found")
	}
	loc := resp.Results[0].Geometry.Location
	return directory.Point{Lon: loc.Lng, Lat: loc.Lat}, nil
}

// NearbyPlaces lists places matching keyword within radius meters of p.
func (c *GoogleClient) NearbyPlaces(ctx context.Context, p directory.Point, radius float64, keyword string) ([]Place, error) {
	const op = "places.nearby"
	q := url.Values{}
	q.Set("location", strconv.FormatFloat(p.Lat, 'f', -1, 64)+","+strconv.FormatFloat(p.Lon, 'f', -1, 64))
	q.Set("radius", strconv.FormatFloat(radius, 'f', 0, 64))
	q.Set("keyword", keyword)
	q.Set("key", c.config.APIKey)

	body, err := c.get(ctx, c.config.NearbyURL, q)
	if err != nil {
		return nil, apperr.Upstream(op, err)
	}
	var resp nearbyResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, apperr.Upstream(op, fmt.Errorf("decode: %w", err))
	}
	switch resp.Status {
	case "OK", "ZERO_RESULTS":
	default:
		return nil, apperr.Upstream(op, fmt.Errorf("status %s: %s", resp.Status, resp.ErrorMessage))
	}

	out := make([]Place, 0, len(resp.Results))
	for _, r := range resp.Results {
		out = append(out, Place{
			ID:       r.PlaceID,
			Name:     r.Name,
			Address:  r.Vicinity,
			Location: directory.Point{Lon: r.Geometry.Location.Lng, Lat: r.Geometry.Location.Lat},
			Rating:   r.Rating,
		})
	}
	return out, nil
}

// get performs a GET through the breaker and returns the body of a 200.
func (c *GoogleClient) get(ctx context.Context, endpoint string, q url.Values) ([]byte, error) {
	return c.cb.Execute(func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+q.Encode(), http.NoBody)
		if err != nil {
			return nil, err
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
		}
		var raw json.RawMessage
		if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
			return nil, fmt.Errorf("read body: %w", err)
		}
		return raw, nil
	})
}
