// Package router maps authenticated users to the device that should serve
// them right now: the primary when it is live, otherwise a storage
// provider holding the primary's encrypted replica.
package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"vibemesh/pkg/types"

	"go.uber.org/zap"
)

// ErrNoRoute is returned when neither the primary device nor a configured
// fallback provider is reachable. Callers surface it; the router never
// silently retries or returns a stale target instead.
var ErrNoRoute = errors.New("no route available")

// RoutingStore reads routing entries. Routing configuration is not
// mutated by request traffic.
type RoutingStore interface {
	Get(ctx context.Context, username string) (*types.RoutingEntry, error)
}

// LivenessReader answers derived online state. Implemented by
// registry.Registry; disabled devices count as offline.
type LivenessReader interface {
	IsOnline(ctx context.Context, id types.DeviceID) (bool, error)
}

// Config bounds the resolution cache. The TTL must stay under one
// liveness-sweep interval so a transition is never masked for longer than
// the sweep itself would take to observe it.
type Config struct {
	CacheTTL time.Duration
}

// Router resolves usernames to routed targets, re-evaluating liveness on
// every call beyond a short bounded cache.
type Router struct {
	routes   RoutingStore
	liveness LivenessReader
	cfg      Config
	logger   *zap.Logger

	mu    sync.Mutex
	cache map[string]cachedTarget
}

type cachedTarget struct {
	target  types.RoutedTarget
	expires time.Time
}

func New(routes RoutingStore, liveness LivenessReader, cfg Config, logger *zap.Logger) *Router {
	return &Router{
		routes:   routes,
		liveness: liveness,
		cfg:      cfg,
		logger:   logger,
		cache:    make(map[string]cachedTarget),
	}
}

// Resolve returns the target device for a user given current liveness.
func (r *Router) Resolve(ctx context.Context, username string) (types.RoutedTarget, error) {
	if r.cfg.CacheTTL > 0 {
		if target, ok := r.cached(username); ok {
			return target, nil
		}
	}

	entry, err := r.routes.Get(ctx, username)
	if err != nil {
		return types.RoutedTarget{}, fmt.Errorf("%w: no routing entry for %q", ErrNoRoute, username)
	}

	primaryOnline, err := r.liveness.IsOnline(ctx, entry.PrimaryDeviceID)
	if err != nil {
		return types.RoutedTarget{}, fmt.Errorf("liveness lookup for %s: %w", entry.PrimaryDeviceID, err)
	}

	if primaryOnline {
		target := types.RoutedTarget{DeviceID: entry.PrimaryDeviceID, Mode: types.RouteLive}
		r.remember(username, target)
		return target, nil
	}

	if entry.FallbackProvider == "" {
		return types.RoutedTarget{}, fmt.Errorf(
			"%w: primary %s offline and no fallback configured for %q",
			ErrNoRoute, entry.PrimaryDeviceID, username)
	}

	fallbackOnline, err := r.liveness.IsOnline(ctx, entry.FallbackProvider)
	if err != nil {
		return types.RoutedTarget{}, fmt.Errorf("liveness lookup for %s: %w", entry.FallbackProvider, err)
	}
	if !fallbackOnline {
		return types.RoutedTarget{}, fmt.Errorf(
			"%w: primary %s and fallback %s both offline for %q",
			ErrNoRoute, entry.PrimaryDeviceID, entry.FallbackProvider, username)
	}

	r.logger.Info("routing to fallback replica",
		zap.String("username", username),
		zap.String("primary", string(entry.PrimaryDeviceID)),
		zap.String("fallback", string(entry.FallbackProvider)))

	target := types.RoutedTarget{
		DeviceID:      entry.FallbackProvider,
		Mode:          types.RouteReplicaServe,
		OwnerDeviceID: entry.PrimaryDeviceID,
	}
	r.remember(username, target)
	return target, nil
}

func (r *Router) cached(username string) (types.RoutedTarget, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.cache[username]
	if !ok || time.Now().After(entry.expires) {
		delete(r.cache, username)
		return types.RoutedTarget{}, false
	}
	return entry.target, true
}

func (r *Router) remember(username string, target types.RoutedTarget) {
	if r.cfg.CacheTTL <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache[username] = cachedTarget{target: target, expires: time.Now().Add(r.cfg.CacheTTL)}
}
