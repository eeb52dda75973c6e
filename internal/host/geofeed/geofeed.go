// Package geofeed supplies position fixes for geolocation subscriptions.
//
// A Player replays a recorded track, one fix per limiter token, so a
// desktop or server host can drive the position pipeline without a GPS.
package geofeed

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/roach88/geocore/internal/app"
	"github.com/roach88/geocore/internal/model"
)

// Source streams fixes to emit until ctx is done or the source runs dry.
type Source interface {
	Stream(ctx context.Context, opts app.GeoOptions, emit func(model.FixDoc)) error
}

// ErrNoFixes is returned when a track holds no fixes.
var ErrNoFixes = errors.New("geofeed: track has no fixes")

// Track is a recorded sequence of fixes.
type Track struct {
	Name  string         `yaml:"name"`
	Fixes []model.FixDoc `yaml:"fixes"`
}

// ParseTrack decodes a YAML track and checks every fix.
func ParseTrack(data []byte) (Track, error) {
	var t Track
	if err := yaml.Unmarshal(data, &t); err != nil {
		return Track{}, fmt.Errorf("parse track: %w", err)
	}
	if len(t.Fixes) == 0 {
		return Track{}, ErrNoFixes
	}
	for i, f := range t.Fixes {
		if _, err := f.Fix(); err != nil {
			return Track{}, fmt.Errorf("fix %d: %w", i, err)
		}
	}
	return t, nil
}

// LoadTrack reads a YAML track file.
func LoadTrack(path string) (Track, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Track{}, fmt.Errorf("read track: %w", err)
	}
	return ParseTrack(data)
}

// Player replays a Track.
type Player struct {
	track Track
	limit rate.Limit
	loop  bool
	now   func() time.Time
}

// PlayerOption configures a Player.
type PlayerOption func(*Player)

// WithLoop restarts the track when it ends.
func WithLoop() PlayerOption {
	return func(p *Player) { p.loop = true }
}

// WithNow sets the clock used to stamp fixes.
func WithNow(now func() time.Time) PlayerOption {
	return func(p *Player) { p.now = now }
}

// NewPlayer replays t at perSecond fixes per second. Zero means as fast as
// the subscriber takes them.
func NewPlayer(t Track, perSecond float64, opts ...PlayerOption) *Player {
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	p := &Player{track: t, limit: limit, now: time.Now}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Stream emits the track's fixes, each stamped with the current time. Every
// subscription gets its own limiter.
//
// Fixes older than opts.MaximumAge would be stale on a real device; a
// replayed fix is always fresh, so the option is ignored. opts.Timeout bounds
// the wait for each fix.
func (p *Player) Stream(ctx context.Context, opts app.GeoOptions, emit func(model.FixDoc)) error {
	if len(p.track.Fixes) == 0 {
		return ErrNoFixes
	}
	limiter := rate.NewLimiter(p.limit, 1)
	for {
		for _, fix := range p.track.Fixes {
			if err := p.wait(ctx, limiter, opts.Timeout); err != nil {
				return err
			}
			fix.Timestamp = p.now()
			emit(fix)
		}
		if !p.loop {
			return nil
		}
	}
}

// ErrTimeout is returned when the next fix is not due within the
// subscription timeout.
var ErrTimeout = errors.New("geofeed: no fix within timeout")

func (p *Player) wait(ctx context.Context, limiter *rate.Limiter, timeout time.Duration) error {
	if timeout <= 0 {
		return limiter.Wait(ctx)
	}
	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	err := limiter.Wait(wctx)
	if err != nil && ctx.Err() == nil {
		return ErrTimeout
	}
	return err
}
