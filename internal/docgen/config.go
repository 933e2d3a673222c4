package docgen

import (
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

const (
	DriverLevelDB = "leveldb"
	DriverNATS    = "nats"
)

type Config struct {
	Server struct {
		Port int `yaml:"port"`
		// MaxConcurrentFills bounds CPU-heavy fills served over HTTP.
		MaxConcurrentFills int `yaml:"maxConcurrentFills"`
	} `yaml:"server"`

	Store struct {
		Driver  string `yaml:"driver"`
		LevelDB struct {
			Path string `yaml:"path"`
		} `yaml:"leveldb"`
		NATS struct {
			URL             string `yaml:"url"`
			Bucket          string `yaml:"bucket"`
			ProgressSubject string `yaml:"progressSubject"`
		} `yaml:"nats"`
	} `yaml:"store"`

	Cache struct {
		Dir           string   `yaml:"dir"`
		TTL           string   `yaml:"ttl"`
		MemoryEntries int      `yaml:"memoryEntries"`
		WarmUp        string   `yaml:"warmUp"`
		Categories    []string `yaml:"categories"`

		ttlDur  time.Duration
		warmDur time.Duration
	} `yaml:"cache"`

	Planner struct {
		SmallMax  string `yaml:"smallMax"`
		MediumMax string `yaml:"mediumMax"`
		LargeMax  string `yaml:"largeMax"`
		HugeMax   string `yaml:"hugeMax"`

		compiled Planner
	} `yaml:"planner"`

	Engine struct {
		Sheet            string   `yaml:"sheet"`
		HeaderRow        int      `yaml:"headerRow"`
		KeyColumn        string   `yaml:"keyColumn"`
		Attribute1Column string   `yaml:"attribute1Column"`
		Attribute2Column string   `yaml:"attribute2Column"`
		RequiredColumns  []string `yaml:"requiredColumns"`
		AllowFirstSheet  bool     `yaml:"allowFirstSheet"`
		KeepAnchor       bool     `yaml:"keepAnchor"`
	} `yaml:"engine"`

	Logging struct {
		Level         string `yaml:"level"`
		LogStatsEvery string `yaml:"logStatsEvery"`

		level            zapcore.Level
		logStatsEveryDur time.Duration
	} `yaml:"logging"`
}

func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return ParseConfig(b)
}

// ParseConfig decodes YAML, applies defaults and validates the result. An
// empty document yields the defaults.
func ParseConfig(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.compile(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// DefaultConfig is what an empty config file produces.
func DefaultConfig() Config {
	cfg, err := ParseConfig(nil)
	if err != nil {
		panic(err)
	}
	return cfg
}

func (cfg *Config) compile() error {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.MaxConcurrentFills <= 0 {
		cfg.Server.MaxConcurrentFills = 4
	}

	cfg.Store.Driver = strings.ToLower(strings.TrimSpace(cfg.Store.Driver))
	switch cfg.Store.Driver {
	case "":
		cfg.Store.Driver = DriverLevelDB
	case DriverLevelDB, DriverNATS:
	default:
		return fmt.Errorf("store.driver: unknown driver %q", cfg.Store.Driver)
	}
	if cfg.Store.LevelDB.Path == "" {
		cfg.Store.LevelDB.Path = "./data/objects"
	}
	if cfg.Store.NATS.Bucket == "" {
		cfg.Store.NATS.Bucket = "docgen"
	}
	if cfg.Store.Driver == DriverNATS && cfg.Store.NATS.URL == "" {
		return fmt.Errorf("store.nats.url is required for the nats driver")
	}

	if cfg.Cache.Dir == "" {
		cfg.Cache.Dir = "./data/templates"
	}
	cfg.Cache.ttlDur = DefaultTTL
	if cfg.Cache.TTL != "" {
		d, err := time.ParseDuration(cfg.Cache.TTL)
		if err != nil {
			return fmt.Errorf("cache.ttl: %w", err)
		}
		if d <= 0 {
			return fmt.Errorf("cache.ttl must be positive")
		}
		cfg.Cache.ttlDur = d
	}
	if cfg.Cache.WarmUp != "" {
		d, err := time.ParseDuration(cfg.Cache.WarmUp)
		if err != nil {
			return fmt.Errorf("cache.warmUp: %w", err)
		}
		cfg.Cache.warmDur = d
	}
	if cfg.Cache.MemoryEntries < 0 {
		return fmt.Errorf("cache.memoryEntries must not be negative")
	}

	p := DefaultPlanner()
	for _, f := range []struct {
		name string
		raw  string
		dst  *int64
	}{
		{"planner.smallMax", cfg.Planner.SmallMax, &p.SmallMax},
		{"planner.mediumMax", cfg.Planner.MediumMax, &p.MediumMax},
		{"planner.largeMax", cfg.Planner.LargeMax, &p.LargeMax},
		{"planner.hugeMax", cfg.Planner.HugeMax, &p.HugeMax},
	} {
		if f.raw == "" {
			continue
		}
		n, err := ParseBytes(f.raw)
		if err != nil {
			return fmt.Errorf("%s: %w", f.name, err)
		}
		*f.dst = n
	}
	if err := p.validate(); err != nil {
		return fmt.Errorf("planner: %w", err)
	}
	cfg.Planner.compiled = p

	if cfg.Engine.HeaderRow < 0 {
		return fmt.Errorf("engine.headerRow must not be negative")
	}

	cfg.Logging.level = zapcore.InfoLevel
	if cfg.Logging.Level != "" {
		lvl, err := zapcore.ParseLevel(cfg.Logging.Level)
		if err != nil {
			return fmt.Errorf("logging.level: %w", err)
		}
		cfg.Logging.level = lvl
	}
	if cfg.Logging.LogStatsEvery != "" {
		d, err := time.ParseDuration(cfg.Logging.LogStatsEvery)
		if err != nil {
			return fmt.Errorf("logging.logStatsEvery: %w", err)
		}
		cfg.Logging.logStatsEveryDur = d
	}
	return nil
}

// PlannerConfig returns the thresholds after defaults.
func (cfg Config) PlannerConfig() Planner { return cfg.Planner.compiled }

func (cfg Config) CacheTTL() time.Duration { return cfg.Cache.ttlDur }

func (cfg Config) LogLevel() zapcore.Level { return cfg.Logging.level }

// FillOptions maps the engine section onto fill options; the template
// extension is set per call.
func (cfg Config) FillOptions() FillOptions {
	e := cfg.Engine
	return FillOptions{
		Sheet:            e.Sheet,
		AllowFirstSheet:  e.AllowFirstSheet,
		HeaderRow:        e.HeaderRow,
		KeyColumn:        e.KeyColumn,
		Attribute1Column: e.Attribute1Column,
		Attribute2Column: e.Attribute2Column,
		Required:         e.RequiredColumns,
		KeepAnchor:       e.KeepAnchor,
	}.withDefaults()
}
