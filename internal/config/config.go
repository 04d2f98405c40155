// Package config loads host configuration: built-in defaults, then an optional
// YAML file, then MOVIEDIALOG_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/flexigpt/moviedialog-go/internal/ontology"
)

const (
	// EnvPrefix prefixes every environment override. Sections are separated
	// by a double underscore: MOVIEDIALOG_DIALOGUE__TOP_K_RECOMMENDATIONS.
	EnvPrefix = "MOVIEDIALOG_"

	// PathEnvVar overrides the config file path.
	PathEnvVar = EnvPrefix + "CONFIG"
)

type Config struct {
	Dialogue  Dialogue  `koanf:"dialogue"`
	Retrieval Retrieval `koanf:"retrieval"`
	Store     Store     `koanf:"store"`
	Catalog   Catalog   `koanf:"catalog"`
	Server    Server    `koanf:"server"`
	Log       Log       `koanf:"log"`
}

// Dialogue holds the dialogue-management parameters.
type Dialogue struct {
	// SlotPriorityOrder lists slots from most to least essential. Equally
	// essential slots share an entry joined with "|".
	SlotPriorityOrder []string `koanf:"slot_priority_order" validate:"required,min=1,dive,required"`

	ConfirmationConfidenceThreshold float64 `koanf:"confirmation_confidence_threshold" validate:"gte=0,lte=1"`

	MinFilledSlotsForQuery int `koanf:"min_filled_slots_for_query" validate:"min=1"`

	// MaxRelaxationRounds of 0 means one round per active slot.
	MaxRelaxationRounds int `koanf:"max_relaxation_rounds" validate:"min=0"`

	TopKRecommendations int `koanf:"top_k_recommendations" validate:"min=1"`

	SessionTTL time.Duration `koanf:"session_ttl" validate:"gt=0"`

	RetrievalRetryCount   int           `koanf:"retrieval_retry_count" validate:"min=0,max=10"`
	RetrievalRetryBackoff time.Duration `koanf:"retrieval_retry_backoff" validate:"gte=0"`

	MultiRecommendation bool `koanf:"multi_recommendation"`

	// MaxSessions bounds the in-memory session store.
	MaxSessions int `koanf:"max_sessions" validate:"min=0"`
}

// Retrieval configures the circuit breaker around the catalogue backend.
type Retrieval struct {
	BreakerMaxRequests         uint32        `koanf:"breaker_max_requests" validate:"min=1"`
	BreakerInterval            time.Duration `koanf:"breaker_interval" validate:"gte=0"`
	BreakerTimeout             time.Duration `koanf:"breaker_timeout" validate:"gt=0"`
	BreakerConsecutiveFailures uint32        `koanf:"breaker_consecutive_failures" validate:"min=1"`
}

type Store struct {
	// Backend is "memory" or "badger".
	Backend string `koanf:"backend" validate:"oneof=memory badger"`
	Path    string `koanf:"path" validate:"required_if=Backend badger"`
}

type Catalog struct {
	// DSN is the SQLite database of the movie catalogue.
	DSN string `koanf:"dsn" validate:"required"`
	// SeedFile is an optional YAML catalogue loaded by the seed command.
	SeedFile string `koanf:"seed_file"`
}

type Server struct {
	Addr            string        `koanf:"addr" validate:"required"`
	ReadTimeout     time.Duration `koanf:"read_timeout" validate:"gt=0"`
	WriteTimeout    time.Duration `koanf:"write_timeout" validate:"gt=0"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" validate:"gt=0"`
	// SweepInterval is how often the host sweeps idle sessions.
	SweepInterval time.Duration `koanf:"sweep_interval" validate:"gt=0"`
}

type Log struct {
	Level  string `koanf:"level" validate:"oneof=debug info warn error"`
	Format string `koanf:"format" validate:"oneof=json console"`
}

// DefaultDialogue returns the dialogue parameters used when a host does not
// configure its own.
func DefaultDialogue() Dialogue {
	return Dialogue{
		SlotPriorityOrder:               []string{"genre", "year", "actor", "director", "keyword"},
		ConfirmationConfidenceThreshold: 0.6,
		MinFilledSlotsForQuery:          1,
		MaxRelaxationRounds:             0,
		TopKRecommendations:             3,
		SessionTTL:                      30 * time.Minute,
		RetrievalRetryCount:             2,
		RetrievalRetryBackoff:           100 * time.Millisecond,
		MaxSessions:                     4096,
	}
}

func Default() *Config {
	return &Config{
		Dialogue: DefaultDialogue(),
		Retrieval: Retrieval{
			BreakerMaxRequests:         1,
			BreakerInterval:            time.Minute,
			BreakerTimeout:             30 * time.Second,
			BreakerConsecutiveFailures: 5,
		},
		Store: Store{
			Backend: "memory",
			Path:    "data/sessions",
		},
		Catalog: Catalog{
			DSN: "data/movies.db",
		},
		Server: Server{
			Addr:            "127.0.0.1:8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			SweepInterval:   time.Minute,
		},
		Log: Log{
			Level:  "info",
			Format: "json",
		},
	}
}

// sliceConfigPaths are accepted as comma-separated strings from the environment.
var sliceConfigPaths = []string{"dialogue.slot_priority_order"}

// Load layers defaults, the YAML file at path (or $MOVIEDIALOG_CONFIG when
// path is empty) and environment overrides, then validates the result.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path == "" {
		path = os.Getenv(PathEnvVar)
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}
	if err := splitSliceFields(k); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// envKey maps MOVIEDIALOG_DIALOGUE__TOP_K_RECOMMENDATIONS to
// dialogue.top_k_recommendations. The config path override is skipped.
func envKey(key string) string {
	if key == PathEnvVar {
		return ""
	}
	key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
	return strings.ReplaceAll(key, "__", ".")
}

func splitSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		s, ok := k.Get(path).(string)
		if !ok || s == "" {
			continue
		}
		var parts []string
		for p := range strings.SplitSeq(s, ",") {
			if p = strings.TrimSpace(p); p != "" {
				parts = append(parts, p)
			}
		}
		if err := k.Set(path, parts); err != nil {
			return fmt.Errorf("set %s: %w", path, err)
		}
	}
	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and the cross-field rules the tags
// cannot express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return translate(err)
	}
	return c.Dialogue.Validate()
}

func (d Dialogue) Validate() error {
	if err := validate.Struct(d); err != nil {
		return translate(err)
	}
	o, err := d.Ontology()
	if err != nil {
		return err
	}
	if d.MinFilledSlotsForQuery > o.Len() {
		return fmt.Errorf("min_filled_slots_for_query %d exceeds the %d configured slots",
			d.MinFilledSlotsForQuery, o.Len())
	}
	return nil
}

// Ontology parses SlotPriorityOrder.
func (d Dialogue) Ontology() (ontology.Ontology, error) {
	return ontology.Parse(d.SlotPriorityOrder)
}

func translate(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]error, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Errorf("%s: failed %s=%s (got %v)", fe.Namespace(), fe.Tag(), fe.Param(), fe.Value()))
			continue
		}
		msgs = append(msgs, fmt.Errorf("%s: failed %s", fe.Namespace(), fe.Tag()))
	}
	return errors.Join(msgs...)
}
