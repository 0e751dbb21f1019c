package manager

import (
	"time"

	"github.com/rs/zerolog"

	"memoaid/internal/gguf"
)

// Defaults applied when corresponding Config fields are unset.
const (
	defaultMaxQueueDepth = 32
	defaultMaxWait       = 30 * time.Second
	defaultDrainTimeout  = 30 * time.Second
	defaultReleaseGrace  = 5 * time.Second
	defaultReleasePoll   = 50 * time.Millisecond
)

// Config encapsulates all tunables for Manager construction.
type Config struct {
	// Engine loads model files. Required.
	Engine Engine
	// Blocklist overrides gguf.DefaultBlocklist when non-nil.
	Blocklist []string
	// DefaultLoad is used by Reload when nothing was loaded before.
	DefaultLoad LoadConfig

	MaxQueueDepth int
	MaxWait       time.Duration
	// DrainTimeout bounds how long Unload waits for in-flight generation.
	DrainTimeout time.Duration
	// ReleaseGrace bounds how long Unload waits for the engine to confirm
	// that native memory was released.
	ReleaseGrace time.Duration
	ReleasePoll  time.Duration

	Publisher EventPublisher
	Logger    *zerolog.Logger
}

// New constructs a Manager from Config, applying package defaults.
func New(cfg Config) *Manager {
	m := &Manager{
		engine:      cfg.Engine,
		state:       StateEmpty,
		blocklist:   cfg.Blocklist,
		defaultLoad: cfg.DefaultLoad,
		publisher:   cfg.Publisher,
		probe:       gguf.Probe,
		log:         zerolog.Nop(),
	}
	if m.blocklist == nil {
		m.blocklist = gguf.DefaultBlocklist
	}
	if m.publisher == nil {
		m.publisher = noopPublisher{}
	}
	if cfg.Logger != nil {
		m.log = cfg.Logger.With().Str("component", "manager").Logger()
	}
	m.maxQueueDepth = cfg.MaxQueueDepth
	if m.maxQueueDepth <= 0 {
		m.maxQueueDepth = defaultMaxQueueDepth
	}
	m.maxWait = cfg.MaxWait
	if m.maxWait <= 0 {
		m.maxWait = defaultMaxWait
	}
	m.drainTimeout = cfg.DrainTimeout
	if m.drainTimeout <= 0 {
		m.drainTimeout = defaultDrainTimeout
	}
	m.releaseGrace = cfg.ReleaseGrace
	if m.releaseGrace <= 0 {
		m.releaseGrace = defaultReleaseGrace
	}
	m.releasePoll = cfg.ReleasePoll
	if m.releasePoll <= 0 {
		m.releasePoll = defaultReleasePoll
	}
	m.genCh = make(chan struct{}, 1)
	m.queueCh = make(chan struct{}, m.maxQueueDepth)
	return m
}
