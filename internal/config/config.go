package config

import (
	_ "embed"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed thresholds.yaml
var thresholdsYAML []byte

type Config struct {
	Extractor  ExtractorConfig
	Gate       GateConfig
	Match      MatchConfig
	Attendance AttendanceConfig
	Tasks      TasksConfig
	Store      StoreConfig
	Database   DatabaseConfig
}

type ExtractorConfig struct {
	URL string // defaults to http://localhost:8000
}

type GateConfig struct {
	EnrollQuality         float64 // minimum quality score for enrollment images
	VerifyQuality         float64 // minimum quality score for verification images
	MinLivenessConfidence float64 // below this the input is treated as a spoof
}

type MatchConfig struct {
	AcceptThreshold  float64 // minimum cosine similarity to accept the top candidate
	SeparationMargin float64 // minimum top1-top2 gap when candidates are different identities
}

type AttendanceConfig struct {
	Cooldown time.Duration // minimum gap between two events of the same type
}

type TasksConfig struct {
	VerifyTimeout time.Duration
	EnrollTimeout time.Duration
	TerminalTTL   time.Duration // terminal tasks older than this are garbage collected
	Workers       int
}

type StoreConfig struct {
	Dim       int // embedding dimension, must match the extractor model
	Crossover int // template count above which queries switch to the HNSW graph
}

type DatabaseConfig struct {
	SQLitePath   string // path to the tasks/attendance database
	PostgresURL  string // optional PostgreSQL DSN for durable template storage
	MaxOpenConns int
	MaxIdleConns int
}

// thresholds mirrors the embedded thresholds.yaml. The values are calibration
// defaults; every one of them can be overridden through the environment.
type thresholds struct {
	Quality struct {
		Enroll float64 `yaml:"enroll"`
		Verify float64 `yaml:"verify"`
	} `yaml:"quality"`
	Liveness struct {
		MinConfidence float64 `yaml:"min_confidence"`
	} `yaml:"liveness"`
	Match struct {
		Accept float64 `yaml:"accept"`
		Margin float64 `yaml:"margin"`
	} `yaml:"match"`
	Attendance struct {
		CooldownSeconds int `yaml:"cooldown_seconds"`
	} `yaml:"attendance"`
	Tasks struct {
		VerifyTimeoutSeconds int `yaml:"verify_timeout_seconds"`
		EnrollTimeoutSeconds int `yaml:"enroll_timeout_seconds"`
		TerminalTTLHours     int `yaml:"terminal_ttl_hours"`
		Workers              int `yaml:"workers"`
	} `yaml:"tasks"`
	Store struct {
		Dim       int `yaml:"dim"`
		Crossover int `yaml:"crossover"`
	} `yaml:"store"`
}

// envInt reads an environment variable and parses it as a positive integer.
// Returns the default value if the env var is unset, empty, or invalid.
func envInt(key string, defaultVal int) int {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return n
	}
	return defaultVal
}

// envFloat reads an environment variable and parses it as a float in (0, 1].
// Returns the default value if the env var is unset, empty, or out of range.
func envFloat(key string, defaultVal float64) float64 {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && f > 0 && f <= 1 {
		return f
	}
	return defaultVal
}

func envString(key, defaultVal string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return defaultVal
}

func Load() *Config {
	var t thresholds
	if err := yaml.Unmarshal(thresholdsYAML, &t); err != nil {
		// This is an embedded file so this error should never happen in practice.
		panic("failed to unmarshal embedded thresholds.yaml: " + err.Error())
	}

	return &Config{
		Extractor: ExtractorConfig{
			URL: envString("EXTRACTOR_URL", "http://localhost:8000"),
		},
		Gate: GateConfig{
			EnrollQuality:         envFloat("GATE_ENROLL_QUALITY", t.Quality.Enroll),
			VerifyQuality:         envFloat("GATE_VERIFY_QUALITY", t.Quality.Verify),
			MinLivenessConfidence: envFloat("GATE_MIN_LIVENESS", t.Liveness.MinConfidence),
		},
		Match: MatchConfig{
			AcceptThreshold:  envFloat("MATCH_ACCEPT_THRESHOLD", t.Match.Accept),
			SeparationMargin: envFloat("MATCH_SEPARATION_MARGIN", t.Match.Margin),
		},
		Attendance: AttendanceConfig{
			Cooldown: time.Duration(envInt("ATTENDANCE_COOLDOWN_SECONDS", t.Attendance.CooldownSeconds)) * time.Second,
		},
		Tasks: TasksConfig{
			VerifyTimeout: time.Duration(envInt("TASK_VERIFY_TIMEOUT_SECONDS", t.Tasks.VerifyTimeoutSeconds)) * time.Second,
			EnrollTimeout: time.Duration(envInt("TASK_ENROLL_TIMEOUT_SECONDS", t.Tasks.EnrollTimeoutSeconds)) * time.Second,
			TerminalTTL:   time.Duration(envInt("TASK_TERMINAL_TTL_HOURS", t.Tasks.TerminalTTLHours)) * time.Hour,
			Workers:       envInt("TASK_WORKERS", t.Tasks.Workers),
		},
		Store: StoreConfig{
			Dim:       envInt("EMBEDDING_DIM", t.Store.Dim),
			Crossover: envInt("STORE_CROSSOVER", t.Store.Crossover),
		},
		Database: DatabaseConfig{
			SQLitePath:   envString("SQLITE_PATH", "face-attendance.db"),
			PostgresURL:  os.Getenv("DATABASE_URL"),
			MaxOpenConns: envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns: envInt("DATABASE_MAX_IDLE_CONNS", 5),
		},
	}
}
