package config

import (
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Resolver answers "what is the current effective value of this tunable"
// with layered precedence: runtime override (set through the API) wins over
// environment variable, which wins over the loaded file/default value.
// Components consult the resolver once per poll/dispatch cycle rather than
// caching values at construction, so operators can retune a live system.
type Resolver struct {
	mu        sync.RWMutex
	overrides map[string]string
	base      map[string]string
}

// Tunable keys understood by the resolver. The env-var form of a key is the
// key upper-cased with dots replaced by underscores (dispatch.chunk_size →
// DISPATCH_CHUNK_SIZE).
const (
	KeyChunkSize          = "dispatch.chunk_size"
	KeyWorkerLimit        = "dispatch.worker_limit"
	KeyMaxRetries         = "dispatch.max_retries"
	KeySlowWorkerCap      = "dispatch.slow_worker_cap"
	KeySlowDelayMS        = "dispatch.slow_delay_ms"
	KeyHealthGateStrict   = "dispatch.health_gate_strict"
	KeyPressureStrict     = "pressure.strict"
	KeyBridgeMaxRecords   = "bridge.max_records"
	KeyBridgePollInterval = "bridge.poll_interval_seconds"
)

// NewResolver builds a resolver whose base layer reflects the loaded config.
func NewResolver(cfg *Config) *Resolver {
	base := map[string]string{
		KeyChunkSize:          strconv.Itoa(cfg.Dispatch.ChunkSize),
		KeyWorkerLimit:        strconv.Itoa(cfg.Dispatch.WorkerLimit),
		KeyMaxRetries:         strconv.Itoa(cfg.Dispatch.MaxRetries),
		KeySlowWorkerCap:      strconv.Itoa(cfg.Dispatch.SlowWorkerCap),
		KeySlowDelayMS:        strconv.Itoa(cfg.Dispatch.SlowDelayMS),
		KeyHealthGateStrict:   strconv.FormatBool(cfg.Dispatch.HealthGateStrict),
		KeyPressureStrict:     strconv.FormatBool(cfg.Pressure.Strict),
		KeyBridgeMaxRecords:   strconv.Itoa(cfg.Accounting.MaxRecords),
		KeyBridgePollInterval: strconv.Itoa(cfg.Accounting.PollIntervalSeconds),
	}
	return &Resolver{
		overrides: make(map[string]string),
		base:      base,
	}
}

// Set installs a runtime override for a key. Overrides take effect on the
// next cycle of whichever component reads the key.
func (r *Resolver) Set(key, value string) {
	r.mu.Lock()
	r.overrides[key] = value
	r.mu.Unlock()
}

// Clear removes a runtime override, falling back to env/file layers.
func (r *Resolver) Clear(key string) {
	r.mu.Lock()
	delete(r.overrides, key)
	r.mu.Unlock()
}

// Known reports whether key is a recognized tunable.
func (r *Resolver) Known(key string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.base[key]
	return ok
}

// Overrides returns a copy of the current runtime overrides.
func (r *Resolver) Overrides() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.overrides))
	for k, v := range r.overrides {
		out[k] = v
	}
	return out
}

func (r *Resolver) lookup(key string) (string, bool) {
	r.mu.RLock()
	if v, ok := r.overrides[key]; ok {
		r.mu.RUnlock()
		return v, true
	}
	r.mu.RUnlock()

	if v := os.Getenv(envName(key)); v != "" {
		return v, true
	}

	r.mu.RLock()
	v, ok := r.base[key]
	r.mu.RUnlock()
	return v, ok
}

// Int returns the effective integer value for key, or def if unset/invalid.
func (r *Resolver) Int(key string, def int) int {
	v, ok := r.lookup(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return n
}

// Bool returns the effective boolean value for key, or def if unset/invalid.
func (r *Resolver) Bool(key string, def bool) bool {
	v, ok := r.lookup(key)
	if !ok {
		return def
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return def
}

// Duration interprets the key's value as whole seconds.
func (r *Resolver) Duration(key string, def time.Duration) time.Duration {
	secs := r.Int(key, -1)
	if secs < 0 {
		return def
	}
	return time.Duration(secs) * time.Second
}

func envName(key string) string {
	return strings.ToUpper(strings.NewReplacer(".", "_").Replace(key))
}
