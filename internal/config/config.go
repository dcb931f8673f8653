package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/jgivc/ingramsync/internal/entity"
	"github.com/jgivc/ingramsync/internal/util"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

const (
	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"

	envHost     = "INGRAMSYNC_FTP_HOST"
	envUser     = "INGRAMSYNC_FTP_USER"
	envPassword = "INGRAMSYNC_FTP_PASSWORD"

	historyDirName  = ".ingramsync"
	historyFileName = "run_history.yml"

	defaultShardWidth = 4
	maxShardWidth     = 6
)

// Duration wraps time.Duration so YAML values can be written as "30s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}

	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("cannot parse duration %q: %w", s, err)
	}

	*d = Duration(v)

	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

type FTPConfig struct {
	Host        string   `yaml:"host"`
	User        string   `yaml:"user"`
	Password    string   `yaml:"password"`
	DialTimeout Duration `yaml:"dial_timeout"`
}

type RetryConfig struct {
	Attempts   int      `yaml:"attempts"`
	Backoff    Duration `yaml:"backoff"`
	MaxBackoff Duration `yaml:"max_backoff"`
}

type FeedConfig struct {
	CoverDir     string   `yaml:"cover_dir"`
	CoverSize    string   `yaml:"cover_size"`
	OnixDir      string   `yaml:"onix_dir"`
	BacklistDir  string   `yaml:"backlist_dir"`
	ReferenceDir string   `yaml:"reference_dir"`
	Categories   []string `yaml:"categories"`
}

type Config struct {
	LogLevel               string      `yaml:"log_level"`
	DownloadDir            string      `yaml:"download_dir"`
	WorkingDir             string      `yaml:"working_dir"`
	Workers                int         `yaml:"workers"`
	ShardWidth             int         `yaml:"shard_width"`
	AllowPartialCheckpoint bool        `yaml:"allow_partial_checkpoint"`
	FTP                    FTPConfig   `yaml:"ftp"`
	Retry                  RetryConfig `yaml:"retry"`
	Feed                   FeedConfig  `yaml:"feed"`
}

func (c *Config) SetDefaults() {
	c.LogLevel = LogLevelInfo
	c.Workers = runtime.NumCPU()
	c.ShardWidth = defaultShardWidth
	c.FTP.DialTimeout = Duration(30 * time.Second)
	c.Retry = RetryConfig{
		Attempts:   3,
		Backoff:    Duration(time.Second),
		MaxBackoff: Duration(30 * time.Second),
	}

	var categories []string
	for _, cat := range entity.AllCategories {
		categories = append(categories, cat.String())
	}

	c.Feed = FeedConfig{
		CoverDir:     "Imageswk",
		CoverSize:    "400",
		OnixDir:      "ONIX",
		BacklistDir:  "ONIX_BKLST",
		ReferenceDir: "INGRAMREF",
		Categories:   categories,
	}
}

// Categories resolves the configured category names into entities.
func (c *Config) Categories() ([]entity.Category, error) {
	categories := make([]entity.Category, 0, len(c.Feed.Categories))
	for _, name := range c.Feed.Categories {
		cat, err := entity.ParseCategory(name)
		if err != nil {
			return nil, err
		}

		categories = append(categories, cat)
	}

	return categories, nil
}

// HistoryFilePath is the well-known location of the run checkpoint.
func (c *Config) HistoryFilePath() string {
	return filepath.Join(c.WorkingDir, historyDirName, historyFileName)
}

func (c *Config) Validate() error {
	if c.FTP.Host == "" {
		return fmt.Errorf("ftp host is required")
	}
	if c.FTP.User == "" {
		return fmt.Errorf("ftp user is required")
	}
	if c.FTP.Password == "" {
		return fmt.Errorf("ftp password is required")
	}
	if c.DownloadDir == "" {
		return fmt.Errorf("download dir is required")
	}
	if c.WorkingDir == "" {
		return fmt.Errorf("working dir is required")
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be positive")
	}
	if c.ShardWidth < 1 || c.ShardWidth > maxShardWidth {
		return fmt.Errorf("shard width must be between 1 and %d", maxShardWidth)
	}
	if c.Retry.Attempts < 1 {
		return fmt.Errorf("retry attempts must be positive")
	}

	categories, err := c.Categories()
	if err != nil {
		return err
	}
	if len(categories) < 1 {
		return fmt.Errorf("at least one category is required")
	}

	for _, cat := range categories {
		if cat == entity.CategoryCover && c.Feed.CoverSize == "" {
			return fmt.Errorf("cover size is required when the covers category is enabled")
		}
	}

	return nil
}

func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	cfg.SetDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file: %w", err)
	}

	cfg.applyEnv()
	cfg.DownloadDir = util.ExpandHome(cfg.DownloadDir)
	cfg.WorkingDir = util.ExpandHome(cfg.WorkingDir)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(err)
	}

	return cfg
}

// Credentials never live in the YAML file in production; they come from
// the environment or a .env file next to the binary.
func (c *Config) applyEnv() {
	if v := os.Getenv(envHost); v != "" {
		c.FTP.Host = v
	}
	if v := os.Getenv(envUser); v != "" {
		c.FTP.User = v
	}
	if v := os.Getenv(envPassword); v != "" {
		c.FTP.Password = v
	}
}
