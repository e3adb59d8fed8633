package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

type Config struct {
	CVEDataDir string `yaml:"cve_data_dir" validate:"required"`
	WebDataDir string `yaml:"web_data_dir" validate:"required"`
	DaysBack   int    `yaml:"days_back" validate:"min=0"`

	MinSharedCWEs      int `yaml:"min_shared_cwes" validate:"min=1"`
	MinSharedRefs      int `yaml:"min_shared_refs" validate:"min=1"`
	TemporalWindowDays int `yaml:"temporal_window_days" validate:"min=0"`

	TopNCNAs            int `yaml:"top_n_cnas" validate:"min=0"`
	TopNCWEsHierarchy   int `yaml:"top_n_cwes_hierarchy" validate:"min=0"`
	TopNCWEStars        int `yaml:"top_n_cwe_stars" validate:"min=0"`
	StarSpokes          int `yaml:"star_spokes" validate:"min=0"`
	TopNCWECircular     int `yaml:"top_n_cwe_circular" validate:"min=0"`
	TopNVendors         int `yaml:"top_n_vendors" validate:"min=0"`
	TopNCNAVendorCNAs   int `yaml:"top_n_cna_vendor_cnas" validate:"min=0"`
	TopNCNAVendorVendor int `yaml:"top_n_cna_vendor_vendors" validate:"min=0"`

	EgoCNAName  string `yaml:"ego_cna_name" validate:"required"`
	EgoRadius   int    `yaml:"ego_radius" validate:"min=0"`
	EgoMaxNodes int    `yaml:"ego_max_nodes" validate:"min=0"`

	ProgressInterval  int   `yaml:"progress_interval" validate:"min=1"`
	IndentJSON        int   `yaml:"indent_json" validate:"min=0,max=8"`
	ForceIterations   int   `yaml:"force_iterations" validate:"min=1"`
	LayoutSeed        int64 `yaml:"layout_seed"`
	WorkerConcurrency int   `yaml:"worker_concurrency" validate:"min=1"`

	LogLevel        string `yaml:"log_level" validate:"oneof=debug info warn error"`
	HTTPAddr        string `yaml:"http_addr"`
	MetricsTextfile string `yaml:"metrics_textfile"`

	DatabaseURL string `yaml:"database_url"`

	S3Endpoint    string `yaml:"s3_endpoint"`
	S3AccessKey   string `yaml:"s3_access_key"`
	S3SecretKey   string `yaml:"s3_secret_key"`
	S3UseSSL      bool   `yaml:"s3_use_ssl"`
	S3Region      string `yaml:"s3_region"`
	PublishBucket string `yaml:"publish_bucket" validate:"required_with=S3Endpoint"`
	PublishPrefix string `yaml:"publish_prefix"`
}

// Defaults mirrors the values the published maps have always been built with.
func Defaults() Config {
	return Config{
		CVEDataDir:          "cve-data/cves",
		WebDataDir:          "web/data",
		DaysBack:            365,
		MinSharedCWEs:       10,
		MinSharedRefs:       2,
		TemporalWindowDays:  30,
		TopNCNAs:            50,
		TopNCWEsHierarchy:   40,
		TopNCWEStars:        12,
		StarSpokes:          20,
		TopNCWECircular:     40,
		TopNVendors:         50,
		TopNCNAVendorCNAs:   50,
		TopNCNAVendorVendor: 100,
		EgoCNAName:          "mitre",
		EgoRadius:           1,
		EgoMaxNodes:         500,
		ProgressInterval:    10000,
		IndentJSON:          2,
		ForceIterations:     50,
		LayoutSeed:          42,
		WorkerConcurrency:   4,
		LogLevel:            "info",
		PublishPrefix:       "cvemaps",
	}
}

func getString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getInt64(key string, def int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

// Load builds the configuration from defaults, the optional YAML file named
// by CONFIG_FILE, and environment variables, in that order of precedence.
func Load() (Config, error) {
	cfg := Defaults()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return Config{}, err
		}
	}
	cfg.applyEnv()
	cfg.LogLevel = strings.ToLower(cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.CVEDataDir = getString("CVE_DATA_DIR", c.CVEDataDir)
	c.WebDataDir = getString("WEB_DATA_DIR", c.WebDataDir)
	c.DaysBack = getInt("DAYS_BACK", c.DaysBack)
	c.MinSharedCWEs = getInt("MIN_SHARED_CWES", c.MinSharedCWEs)
	c.MinSharedRefs = getInt("MIN_SHARED_REFS", c.MinSharedRefs)
	c.TemporalWindowDays = getInt("TEMPORAL_WINDOW_DAYS", c.TemporalWindowDays)
	c.TopNCNAs = getInt("TOP_N_CNAS", c.TopNCNAs)
	c.TopNCWEsHierarchy = getInt("TOP_N_CWES_HIERARCHY", c.TopNCWEsHierarchy)
	c.TopNCWEStars = getInt("TOP_N_CWE_STARS", c.TopNCWEStars)
	c.StarSpokes = getInt("STAR_SPOKES", c.StarSpokes)
	c.TopNCWECircular = getInt("TOP_N_CWE_CIRCULAR", c.TopNCWECircular)
	c.TopNVendors = getInt("TOP_N_VENDORS", c.TopNVendors)
	c.TopNCNAVendorCNAs = getInt("TOP_N_CNA_VENDOR_CNAS", c.TopNCNAVendorCNAs)
	c.TopNCNAVendorVendor = getInt("TOP_N_CNA_VENDOR_VENDORS", c.TopNCNAVendorVendor)
	c.EgoCNAName = getString("EGO_CNA_NAME", c.EgoCNAName)
	c.EgoRadius = getInt("EGO_RADIUS", c.EgoRadius)
	c.EgoMaxNodes = getInt("EGO_MAX_NODES", c.EgoMaxNodes)
	c.ProgressInterval = getInt("PROGRESS_INTERVAL", c.ProgressInterval)
	c.IndentJSON = getInt("INDENT_JSON", c.IndentJSON)
	c.ForceIterations = getInt("FORCE_ITERATIONS", c.ForceIterations)
	c.LayoutSeed = getInt64("LAYOUT_SEED", c.LayoutSeed)
	c.WorkerConcurrency = getInt("WORKER_CONCURRENCY", c.WorkerConcurrency)
	c.LogLevel = getString("LOG_LEVEL", c.LogLevel)
	c.HTTPAddr = getString("HTTP_ADDR", c.HTTPAddr)
	c.MetricsTextfile = getString("METRICS_TEXTFILE", c.MetricsTextfile)
	c.DatabaseURL = getString("DATABASE_URL", c.DatabaseURL)
	c.S3Endpoint = getString("S3_ENDPOINT", c.S3Endpoint)
	c.S3AccessKey = getString("S3_ACCESS_KEY", c.S3AccessKey)
	c.S3SecretKey = getString("S3_SECRET_KEY", c.S3SecretKey)
	c.S3UseSSL = getBool("S3_USE_SSL", c.S3UseSSL)
	c.S3Region = getString("S3_REGION", c.S3Region)
	c.PublishBucket = getString("PUBLISH_BUCKET", c.PublishBucket)
	c.PublishPrefix = getString("PUBLISH_PREFIX", c.PublishPrefix)
}

var validate = validator.New()

// Validate checks field constraints and reports every violation at once.
func (c Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q (%s)", fe.Field(), fe.Tag(), fe.Param()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

// Cutoff returns the earliest publication time kept by the normalizer.
// A zero time means no cutoff.
func (c Config) Cutoff(now time.Time) time.Time {
	if c.DaysBack <= 0 {
		return time.Time{}
	}
	return now.UTC().AddDate(0, 0, -c.DaysBack)
}

func (c Config) LedgerEnabled() bool { return c.DatabaseURL != "" }

func (c Config) PublishEnabled() bool { return c.S3Endpoint != "" && c.PublishBucket != "" }
