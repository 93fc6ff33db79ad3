// Package ratelimit provides Redis-backed rate limiting using the INCR + EXPIRE
// fixed window algorithm. The gateway uses it to throttle expensive intents
// (sending messages, match requests, discovery) per user across all nodes.
package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Rule defines a rate limiting policy: the Redis key prefix, maximum number of
// requests allowed in the window, and the window duration.
type Rule struct {
	Key    string        // Redis key prefix (e.g., "rl:send_message:")
	Limit  int           // max count in the window
	Window time.Duration // time window
}

// Standard rules for the throttled intents.
var (
	// RuleMessage allows 20 messages per 10 seconds per user.
	RuleMessage = Rule{Key: "rl:send_message:", Limit: 20, Window: 10 * time.Second}

	// RuleMatch allows 30 match requests per minute per user.
	RuleMatch = Rule{Key: "rl:request_match:", Limit: 30, Window: time.Minute}

	// RuleNearby allows 20 discovery queries per minute per user.
	RuleNearby = Rule{Key: "rl:get_nearby:", Limit: 20, Window: time.Minute}
)

// RuleConfig is the configurable part of a Rule.
type RuleConfig struct {
	Limit  int           `koanf:"limit" validate:"gte=1"`
	Window time.Duration `koanf:"window" validate:"gt=0"`
}

// Config enables limiting and sets per-intent rules. Intents without a rule
// are not limited.
type Config struct {
	Enabled bool                  `koanf:"enabled"`
	Rules   map[string]RuleConfig `koanf:"rules" validate:"dive"`
}

// DefaultConfig returns the standard rules keyed by intent name.
func DefaultConfig() Config {
	return Config{
		Enabled: true,
		Rules: map[string]RuleConfig{
			"send_message":  {Limit: RuleMessage.Limit, Window: RuleMessage.Window},
			"request_match": {Limit: RuleMatch.Limit, Window: RuleMatch.Window},
			"get_nearby":    {Limit: RuleNearby.Limit, Window: RuleNearby.Window},
		},
	}
}

// Limiter performs rate limiting checks against Redis.
type Limiter struct {
	client *redis.Client
	rules  map[string]Rule
	log    zerolog.Logger
}

// NewLimiter creates a Limiter backed by the given Redis client.
func NewLimiter(client *redis.Client, config Config, logger zerolog.Logger) *Limiter {
	rules := make(map[string]Rule, len(config.Rules))
	for intent, rc := range config.Rules {
		rules[intent] = Rule{Key: "rl:" + intent + ":", Limit: rc.Limit, Window: rc.Window}
	}
	return &Limiter{client: client, rules: rules, log: logger}
}

// AllowIntent checks the rule configured for intent. It reports how long the
// caller should wait when limited. Intents without a rule are always allowed.
func (l *Limiter) AllowIntent(ctx context.Context, userID, intent string) (bool, time.Duration, error) {
	rule, ok := l.rules[intent]
	if !ok {
		return true, 0, nil
	}
	allowed, err := l.Allow(ctx, userID, rule)
	if allowed || err != nil {
		return allowed, 0, err
	}
	ttl, err := l.client.TTL(ctx, rule.Key+userID).Result()
	if err != nil || ttl < 0 {
		return false, rule.Window, nil
	}
	return false, ttl, nil
}

// Allow checks whether the given identifier is within the rate limit defined by
// rule. It increments the counter in Redis and sets the expiry on first access.
//
// Returns true if the request is allowed, false if rate limited. On Redis
// errors the method fails open (returns true) so that a Redis outage does not
// block legitimate traffic.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	key := rule.Key + identifier

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		l.log.Warn().Err(err).Str("key", key).Msg("redis INCR failed, failing open")
		return true, err
	}

	// On the first increment, set the expiry to define the window boundary.
	if count == 1 {
		if err := l.client.Expire(ctx, key, rule.Window).Err(); err != nil {
			l.log.Warn().Err(err).Str("key", key).Msg("redis EXPIRE failed, failing open")
			// The key has no TTL and would persist; drop it.
			l.client.Del(ctx, key)
			return true, err
		}
	}

	if int(count) > rule.Limit {
		return false, nil
	}

	return true, nil
}

// Remaining returns the number of requests the identifier has left in the
// current window for the given rule. Returns the full limit if the key does not
// exist yet. On Redis errors it returns the full limit (fail open).
func (l *Limiter) Remaining(ctx context.Context, identifier string, rule Rule) (int, error) {
	key := rule.Key + identifier

	count, err := l.client.Get(ctx, key).Int()
	if errors.Is(err, redis.Nil) {
		return rule.Limit, nil
	}
	if err != nil {
		l.log.Warn().Err(err).Str("key", key).Msg("redis GET failed, failing open")
		return rule.Limit, err
	}

	return max(rule.Limit-count, 0), nil
}
