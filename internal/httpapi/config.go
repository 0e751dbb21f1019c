package httpapi

import (
	"sync"
	"time"

	"github.com/go-chi/cors"

	"memoaid/internal/config"
)

const defaultMaxBodyBytes = 1 << 20

// Limits bound what the API accepts.
type Limits struct {
	// MaxBodyBytes caps JSON request bodies. Non-positive means 1 MiB.
	MaxBodyBytes int64
	// ChatTimeout bounds one /chat request. Zero disables it.
	ChatTimeout time.Duration
	// CORS is opt-in; when disabled no CORS middleware is installed.
	CORS config.CORSConfig
}

var (
	limitsMu sync.RWMutex
	limits   = Limits{MaxBodyBytes: defaultMaxBodyBytes}
)

// Configure applies the HTTP settings of cfg. CORS takes effect for muxes
// built afterwards; the other limits apply to the next request.
func Configure(cfg config.Config) {
	SetLimits(Limits{
		MaxBodyBytes: cfg.MaxBodyBytes,
		ChatTimeout:  time.Duration(cfg.ChatTimeoutSeconds) * time.Second,
		CORS:         cfg.CORS,
	})
}

// SetLimits replaces the current limits, normalizing out-of-range values.
func SetLimits(l Limits) {
	if l.MaxBodyBytes <= 0 {
		l.MaxBodyBytes = defaultMaxBodyBytes
	}
	if l.ChatTimeout < 0 {
		l.ChatTimeout = 0
	}
	l.CORS.AllowedOrigins = append([]string(nil), l.CORS.AllowedOrigins...)
	l.CORS.AllowedMethods = append([]string(nil), l.CORS.AllowedMethods...)
	l.CORS.AllowedHeaders = append([]string(nil), l.CORS.AllowedHeaders...)
	limitsMu.Lock()
	limits = l
	limitsMu.Unlock()
}

func currentLimits() Limits {
	limitsMu.RLock()
	defer limitsMu.RUnlock()
	return limits
}

// corsOptions returns the CORS middleware options and whether CORS is on.
func corsOptions() (cors.Options, bool) {
	c := currentLimits().CORS
	if !c.Enabled {
		return cors.Options{}, false
	}
	return cors.Options{
		AllowedOrigins: orDefault(c.AllowedOrigins, []string{"*"}),
		AllowedMethods: orDefault(c.AllowedMethods, []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}),
		AllowedHeaders: orDefault(c.AllowedHeaders, []string{"Content-Type", "X-Log-Level"}),
		MaxAge:         300,
	}, true
}

func orDefault(v, def []string) []string {
	if len(v) == 0 {
		return def
	}
	return v
}
