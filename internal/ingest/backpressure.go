package ingest

import (
	"sync"
	"sync/atomic"
	"time"
)

// Level represents the current backpressure level.
type Level int

const (
	// LevelNormal - pipeline operating normally.
	LevelNormal Level = iota

	// LevelWarning - elevated queue depth, age-based flushes pause.
	LevelWarning

	// LevelCritical - high queue depth, submissions are throttled.
	LevelCritical

	// LevelEmergency - overload, submissions are rejected outright.
	LevelEmergency
)

// String returns the string representation of the level.
func (l Level) String() string {
	switch l {
	case LevelNormal:
		return "normal"
	case LevelWarning:
		return "warning"
	case LevelCritical:
		return "critical"
	case LevelEmergency:
		return "emergency"
	default:
		return "unknown"
	}
}

// Thresholds are queue utilization fractions at which each level engages.
type Thresholds struct {
	Warning   float64
	Critical  float64
	Emergency float64
}

// DefaultThresholds returns the default level thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Warning:   0.50,
		Critical:  0.75,
		Emergency: 0.95,
	}
}

// ControllerConfig configures the backpressure controller.
type ControllerConfig struct {
	Thresholds Thresholds

	// Hysteresis is how far utilization must fall below a threshold
	// before the level steps back down.
	Hysteresis float64

	// Cooldown is the minimum time between level re-evaluations.
	Cooldown time.Duration
}

// DefaultControllerConfig returns the default controller configuration.
func DefaultControllerConfig() ControllerConfig {
	return ControllerConfig{
		Thresholds: DefaultThresholds(),
		Hysteresis: 0.10,
		Cooldown:   time.Second,
	}
}

// Controller tracks pipeline queue utilization and derives a pressure
// level with hysteresis, so the level does not flap around a threshold.
type Controller struct {
	mu sync.Mutex

	cfg     ControllerConfig
	usageFn func() float64

	level     atomic.Int32
	lastCheck time.Time
	lastLevel Level

	onLevelChange func(old, new Level)

	levelChanges   atomic.Int64
	emergencyCount atomic.Int64
}

// NewController creates a controller reading utilization from usageFn,
// which must return a value in [0, 1].
func NewController(cfg ControllerConfig, usageFn func() float64) *Controller {
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultControllerConfig().Cooldown
	}
	return &Controller{
		cfg:     cfg,
		usageFn: usageFn,
	}
}

// SetOnLevelChange sets the callback fired on level transitions.
func (c *Controller) SetOnLevelChange(fn func(old, new Level)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onLevelChange = fn
}

// Check re-evaluates the level. Calls within the cooldown window return
// the current level unchanged.
func (c *Controller) Check() Level {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if now.Sub(c.lastCheck) < c.cfg.Cooldown {
		return Level(c.level.Load())
	}
	c.lastCheck = now

	newLevel := c.determineLevel(c.usageFn())
	if newLevel != c.lastLevel {
		c.setLevel(newLevel)
	}
	return newLevel
}

// determineLevel applies the thresholds going up and hysteresis coming down.
func (c *Controller) determineLevel(usage float64) Level {
	t := c.cfg.Thresholds
	h := c.cfg.Hysteresis

	if usage >= t.Emergency {
		return LevelEmergency
	}
	if usage >= t.Critical {
		return LevelCritical
	}
	if usage >= t.Warning {
		return LevelWarning
	}

	switch c.lastLevel {
	case LevelEmergency:
		if usage < t.Emergency-h {
			return LevelCritical
		}
		return LevelEmergency
	case LevelCritical:
		if usage < t.Critical-h {
			return LevelWarning
		}
		return LevelCritical
	case LevelWarning:
		if usage < t.Warning-h {
			return LevelNormal
		}
		return LevelWarning
	default:
		return LevelNormal
	}
}

func (c *Controller) setLevel(newLevel Level) {
	oldLevel := c.lastLevel
	c.lastLevel = newLevel
	c.level.Store(int32(newLevel))
	c.levelChanges.Add(1)
	if newLevel == LevelEmergency {
		c.emergencyCount.Add(1)
	}

	if c.onLevelChange != nil {
		c.onLevelChange(oldLevel, newLevel)
	}
}

// CurrentLevel returns the level as of the last Check.
func (c *Controller) CurrentLevel() Level {
	return Level(c.level.Load())
}

// ShouldReject returns true if submissions should be rejected outright.
func (c *Controller) ShouldReject() bool {
	return c.CurrentLevel() == LevelEmergency
}

// ShouldThrottle returns true if submissions should be throttled.
func (c *Controller) ShouldThrottle() bool {
	return c.CurrentLevel() >= LevelCritical
}

// LevelChanges returns the number of level transitions so far.
func (c *Controller) LevelChanges() int64 {
	return c.levelChanges.Load()
}
