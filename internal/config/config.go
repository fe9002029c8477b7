package config

import (
	_ "embed"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kozaktomas/rollcall/internal/constants"
)

//go:embed departments.yaml
var departmentsYAML []byte

type Config struct {
	Database    DatabaseConfig
	Encoder     EncoderConfig
	Recognition RecognitionConfig
	Web         WebConfig
	SIS         SISConfig
	Legacy      LegacyConfig
	Scheduler   SchedulerConfig
	Log         LogConfig
	Taxonomy    TaxonomyConfig
}

type DatabaseConfig struct {
	URL           string // PostgreSQL connection URL
	MaxOpenConns  int    // Maximum open connections (default 25)
	MaxIdleConns  int    // Maximum idle connections (default 5)
	HNSWIndexPath string // Path to persist the enrollment HNSW index (optional, if empty index is rebuilt on startup)
}

type EncoderConfig struct {
	URL     string        // face encoder service, defaults to http://localhost:8000
	Model   string        // encoder model name, defaults to dlib_resnet_v1 (128-d)
	Dim     int           // encoding dimensionality, defaults to 128
	Timeout time.Duration // per-request timeout, defaults to 30s
}

type RecognitionConfig struct {
	MatchThreshold float64       // maximum Euclidean distance for a match (default 0.6)
	Grace          time.Duration // Present/Late grace window (default 15m)
	SessionStart   string        // fallback "HH:MM" session start when no class session is active
	PortraitDir    string        // directory where student portraits are stored
}

type WebConfig struct {
	Host           string
	Port           int
	AllowedOrigins []string // CORS origin allowlist; localhost is always permitted
}

type SISConfig struct {
	URL      string // school information system base URL
	Token    string // API token
	PageSize int    // students per page during roster sync
}

type LegacyConfig struct {
	MySQLDSN string // DSN of the old attendance system's MySQL database
}

type SchedulerConfig struct {
	CloseoutAt string // "HH:MM" local time for the daily absent closeout, empty disables
}

type LogConfig struct {
	Level string
}

// TaxonomyConfig is the embedded department/year/section taxonomy used to
// validate student records at registration.
type TaxonomyConfig struct {
	Departments []Department `yaml:"departments"`
	Years       []string     `yaml:"years"`
	Sections    []string     `yaml:"sections"`
}

type Department struct {
	Code string `yaml:"code"`
	Name string `yaml:"name"`
}

// ValidDepartment reports whether code is a known department code.
func (t *TaxonomyConfig) ValidDepartment(code string) bool {
	for _, d := range t.Departments {
		if d.Code == code {
			return true
		}
	}
	return false
}

// ValidYear reports whether year is part of the taxonomy.
func (t *TaxonomyConfig) ValidYear(year string) bool {
	for _, y := range t.Years {
		if y == year {
			return true
		}
	}
	return false
}

// ValidSection reports whether section is part of the taxonomy.
func (t *TaxonomyConfig) ValidSection(section string) bool {
	for _, s := range t.Sections {
		if s == section {
			return true
		}
	}
	return false
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

// envFloat reads an environment variable and parses it as a positive float.
// Returns the default value if the env var is unset, empty, or invalid.
func envFloat(key string, defaultVal float64) float64 {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && f > 0 {
		return f
	}
	return defaultVal
}

// envString reads an environment variable, falling back to a default when unset.
func envString(key, defaultVal string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return defaultVal
}

// envList reads a comma-separated environment variable into a slice,
// trimming whitespace and dropping empty entries.
func envList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func Load() *Config {
	var taxonomy TaxonomyConfig
	if err := yaml.Unmarshal(departmentsYAML, &taxonomy); err != nil {
		// This is an embedded file so this error should never happen in practice.
		panic("failed to unmarshal embedded departments.yaml: " + err.Error())
	}

	return &Config{
		Database: DatabaseConfig{
			URL:           os.Getenv("DATABASE_URL"),
			MaxOpenConns:  envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:  envInt("DATABASE_MAX_IDLE_CONNS", 5),
			HNSWIndexPath: os.Getenv("HNSW_INDEX_PATH"),
		},
		Encoder: EncoderConfig{
			URL:     envString("ENCODER_URL", "http://localhost:8000"),
			Model:   envString("ENCODER_MODEL", "dlib_resnet_v1"),
			Dim:     envInt("ENCODER_DIM", constants.DefaultEncodingDim),
			Timeout: time.Duration(envInt("ENCODER_TIMEOUT_SECONDS", 30)) * time.Second,
		},
		Recognition: RecognitionConfig{
			MatchThreshold: envFloat("MATCH_THRESHOLD", constants.DefaultMatchThreshold),
			Grace:          time.Duration(envInt("GRACE_MINUTES", constants.DefaultGraceMinutes)) * time.Minute,
			SessionStart:   envString("SESSION_START", "08:00"),
			PortraitDir:    envString("PORTRAIT_DIR", "portraits"),
		},
		Web: WebConfig{
			Host:           envString("WEB_HOST", "0.0.0.0"),
			Port:           envInt("WEB_PORT", 8080),
			AllowedOrigins: envList("WEB_ALLOWED_ORIGINS"),
		},
		SIS: SISConfig{
			URL:      os.Getenv("SIS_URL"),
			Token:    os.Getenv("SIS_TOKEN"),
			PageSize: envInt("SIS_PAGE_SIZE", 100),
		},
		Legacy: LegacyConfig{
			MySQLDSN: os.Getenv("LEGACY_MYSQL_DSN"),
		},
		Scheduler: SchedulerConfig{
			CloseoutAt: os.Getenv("CLOSEOUT_AT"),
		},
		Log: LogConfig{
			Level: os.Getenv("LOG_LEVEL"),
		},
		Taxonomy: taxonomy,
	}
}
