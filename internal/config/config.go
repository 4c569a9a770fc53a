package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains runtime configuration required by the service.
type Config struct {
	// DBURL selects fleet mode: shared counters and objects in Postgres.
	// Empty means single-process in-memory mode.
	DBURL   string
	Addr    string
	APIKeys map[string]string // apiKey -> caller name

	InferenceURL    string
	InferenceAPIKey string

	// Admission ceilings across the whole fleet / per user.
	MaxConcurrent        int
	MaxConcurrentPerUser int

	// Stagger curve: delay grows with observed global load, capped.
	StaggerBase time.Duration
	StaggerCap  time.Duration

	// Throttle retry ceiling per inference call.
	MaxAttempts int

	// Batch pacing inside one invocation.
	InterItemDelay time.Duration
	MaxBatch       int

	// InvocationBudget is the hard wall-clock limit per transform run.
	InvocationBudget time.Duration
}

// Load reads values from environment variables, applying defaults so the
// service runs out-of-the-box in memory mode.
// API_KEYS format: "caller1:key1,caller2:key2"
func Load() (Config, error) {
	cfg := Config{
		DBURL:                strings.TrimSpace(os.Getenv("DB_URL")),
		Addr:                 envDefault("LISTEN_ADDR", ":8080"),
		InferenceURL:         strings.TrimSpace(os.Getenv("INFERENCE_URL")),
		InferenceAPIKey:      strings.TrimSpace(os.Getenv("INFERENCE_API_KEY")),
		MaxConcurrent:        envInt("MAX_CONCURRENT", 4),
		MaxConcurrentPerUser: envInt("MAX_CONCURRENT_PER_USER", 2),
		StaggerBase:          envMillis("STAGGER_BASE_MS", 200*time.Millisecond),
		StaggerCap:           envMillis("STAGGER_CAP_MS", 5*time.Second),
		MaxAttempts:          envInt("MAX_ATTEMPTS", 3),
		InterItemDelay:       envMillis("INTER_ITEM_DELAY_MS", 250*time.Millisecond),
		MaxBatch:             envInt("MAX_BATCH", 10),
		InvocationBudget:     envMillis("INVOCATION_BUDGET_MS", time.Minute),
	}

	if cfg.MaxConcurrent <= 0 || cfg.MaxConcurrentPerUser <= 0 {
		return Config{}, errors.New("MAX_CONCURRENT and MAX_CONCURRENT_PER_USER must be positive")
	}
	if cfg.MaxAttempts <= 0 {
		return Config{}, errors.New("MAX_ATTEMPTS must be positive")
	}

	apiKeys, err := parseAPIKeys(os.Getenv("API_KEYS"))
	if err != nil {
		return Config{}, err
	}
	cfg.APIKeys = apiKeys

	return cfg, nil
}

func parseAPIKeys(raw string) (map[string]string, error) {
	apiKeys := map[string]string{}
	raw = strings.TrimSpace(raw)

	if raw != "" {
		for _, p := range strings.Split(raw, ",") {
			p = strings.TrimSpace(p)
			if p == "" {
				continue
			}
			parts := strings.SplitN(p, ":", 2)
			if len(parts) != 2 {
				return nil, errors.New(`API_KEYS must be "caller:key,caller:key"`)
			}
			caller := strings.TrimSpace(parts[0])
			key := strings.TrimSpace(parts[1])
			if caller == "" || key == "" {
				return nil, errors.New(`API_KEYS must be "caller:key,caller:key"`)
			}
			apiKeys[key] = caller
		}
	}

	// Local dev fallback so the service runs out-of-the-box.
	if len(apiKeys) == 0 {
		apiKeys["relay-key-123"] = "relay"
	}
	return apiKeys, nil
}

func envDefault(name, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		return v
	}
	return fallback
}

func envInt(name string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envMillis(name string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return fallback
	}
	return time.Duration(n) * time.Millisecond
}
