package ratelimit

import (
	"fmt"
	"time"

	"github.com/serroba/forum-coord/internal/kvstore"
)

// LimitConfig is a maximum number of occurrences per window.
type LimitConfig struct {
	Max    int
	Window time.Duration
}

// Policy maps action types to their limits.
type Policy struct {
	Limits map[string]LimitConfig
}

// DefaultPolicy returns the limits used when no policy is configured.
func DefaultPolicy() *Policy {
	return &Policy{
		Limits: map[string]LimitConfig{
			"create-topic": {Max: 20, Window: 24 * time.Hour},
			"create-post":  {Max: 60, Window: time.Hour},
			"post-edit":    {Max: 3, Window: 10 * time.Second},
			"first-post":   {Max: 3, Window: time.Minute},
			"like":         {Max: 50, Window: 24 * time.Hour},
			"login":        {Max: 6, Window: time.Minute},
		},
	}
}

// Lookup returns the limit configured for actionType.
func (p *Policy) Lookup(actionType string) (LimitConfig, bool) {
	if p == nil {
		return LimitConfig{}, false
	}

	cfg, ok := p.Limits[actionType]

	return cfg, ok
}

// Factory builds limiters on a shared store with common options.
type Factory struct {
	store    kvstore.Store
	policy   *Policy
	defaults []Option
}

// NewFactory creates a factory resolving action types through policy.
func NewFactory(store kvstore.Store, policy *Policy, defaults ...Option) *Factory {
	if policy == nil {
		policy = DefaultPolicy()
	}

	return &Factory{
		store:    store,
		policy:   policy,
		defaults: defaults,
	}
}

// For builds the limiter configured by the policy for actionType.
func (f *Factory) For(actor Actor, actionType string, opts ...Option) (*Limiter, error) {
	cfg, ok := f.policy.Lookup(actionType)
	if !ok {
		return nil, fmt.Errorf("no rate limit configured for %q", actionType)
	}

	return f.New(actor, actionType, cfg.Max, cfg.Window, opts...), nil
}

// New builds an ad-hoc limiter; opts are applied after the factory defaults.
func (f *Factory) New(actor Actor, actionType string, maxCount int, window time.Duration, opts ...Option) *Limiter {
	all := make([]Option, 0, len(f.defaults)+len(opts))
	all = append(all, f.defaults...)
	all = append(all, opts...)

	return New(f.store, actor, actionType, maxCount, window, all...)
}

// Policy returns the policy the factory resolves against.
func (f *Factory) Policy() *Policy {
	return f.policy
}
