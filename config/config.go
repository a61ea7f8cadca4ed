package config

import (
	"errors"
	"fmt"
	"os"
	"slices"

	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"gopkg.in/yaml.v3"

	"github.com/atlastools/plaudgrab/redact"
)

type Config struct {
	Log       Log       `yaml:"log"`
	Plaud     Plaud     `yaml:"plaud"`
	Downloads Downloads `yaml:"downloads"`
	Scan      Scan      `yaml:"scan"`
	Probe     Probe     `yaml:"probe"`
}

func (c *Config) ToDict() *zerolog.Event {
	return zerolog.Dict().
		Dict("log", c.Log.ToDict()).
		Dict("plaud", c.Plaud.ToDict()).
		Dict("downloads", c.Downloads.ToDict()).
		Dict("scan", c.Scan.ToDict()).
		Dict("probe", c.Probe.ToDict())
}

func (c *Config) setDefaults() {
	c.Log.setDefaults()
	c.Plaud.setDefaults()
	c.Downloads.setDefaults()
	c.Scan.setDefaults()
	c.Probe.setDefaults()
}

func (c *Config) validate() error {
	if err := c.Log.validate(); nil != err {
		return fmt.Errorf("log config validation failed: %v", err)
	}

	if err := c.Plaud.validate(); nil != err {
		return fmt.Errorf("plaud config validation failed: %v", err)
	}

	if err := c.Downloads.validate(); nil != err {
		return fmt.Errorf("downloads config validation failed: %v", err)
	}

	if err := c.Scan.validate(); nil != err {
		return fmt.Errorf("scan config validation failed: %v", err)
	}

	if err := c.Probe.validate(); nil != err {
		return fmt.Errorf("probe config validation failed: %v", err)
	}

	return nil
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func (c *Log) ToDict() *zerolog.Event {
	return zerolog.Dict().
		Str("level", c.Level).
		Str("format", c.Format)
}

func (c *Log) setDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}

	if c.Format == "" {
		c.Format = "pretty"
	}
}

func (c *Log) validate() error {
	if !slices.Contains([]string{"debug", "info", "warn", "error", "fatal", "panic"}, c.Level) {
		return fmt.Errorf(
			"level must be one of: debug, info, warn, error, fatal, panic, got: %s",
			c.Level,
		)
	}

	if !slices.Contains([]string{"json", "pretty"}, c.Format) {
		return fmt.Errorf("format must be 'json' or 'pretty', got: %s", c.Format)
	}

	return nil
}

type Plaud struct {
	APIBase   string `yaml:"api_base"`
	StatePath string `yaml:"state_path"`
}

func (c *Plaud) ToDict() *zerolog.Event {
	return zerolog.Dict().
		Str("api_base", c.APIBase).
		Str("state_path", c.StatePath)
}

func (c *Plaud) setDefaults() {
	if c.APIBase == "" {
		c.APIBase = "https://api.plaud.ai"
	}

	if c.StatePath == "" {
		c.StatePath = "plaudgrab.db"
	}
}

func (c *Plaud) validate() error {
	return nil
}

type Downloads struct {
	Dir             string `yaml:"dir"`
	Subdir          string `yaml:"subdir"`
	PostAction      string `yaml:"post_action"`
	MoveTargetTag   string `yaml:"move_target_tag"`
	IncludeMetadata bool   `yaml:"include_metadata"`
}

func (c *Downloads) ToDict() *zerolog.Event {
	return zerolog.Dict().
		Str("dir", c.Dir).
		Str("subdir", c.Subdir).
		Str("post_action", c.PostAction).
		Str("move_target_tag", c.MoveTargetTag).
		Bool("include_metadata", c.IncludeMetadata)
}

func (c *Downloads) setDefaults() {
	if c.Dir == "" {
		c.Dir = "./downloads"
	}

	if c.PostAction == "" {
		c.PostAction = "none"
	}
}

func (c *Downloads) validate() error {
	if !slices.Contains([]string{"none", "move", "trash"}, c.PostAction) {
		return fmt.Errorf("post_action must be one of: none, move, trash, got: %s", c.PostAction)
	}

	if c.PostAction == "move" && c.MoveTargetTag == "" {
		return errors.New("move_target_tag is required when post_action is 'move'")
	}

	if i, err := os.Stat(c.Dir); nil != err {
		if errors.Is(err, os.ErrNotExist) {
			return errors.New("dir does not exist")
		}

		return fmt.Errorf("failed to stat dir: %v", err)
	} else if !i.IsDir() {
		return errors.New("dir must be a directory")
	}

	return nil
}

type Scan struct {
	SnapshotPath string `yaml:"snapshot_path"`
	SettleMS     int    `yaml:"settle_ms"`
}

func (c *Scan) ToDict() *zerolog.Event {
	return zerolog.Dict().
		Str("snapshot_path", c.SnapshotPath).
		Int("settle_ms", c.SettleMS)
}

func (c *Scan) setDefaults() {
	if c.SettleMS == 0 {
		c.SettleMS = 250
	}
}

func (c *Scan) validate() error {
	if c.SettleMS < 0 {
		return errors.New("settle_ms must be greater than 0")
	}

	return nil
}

type Probe struct {
	TokenFile string `yaml:"token_file"`
	Token     string `yaml:"-"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

func (c *Probe) ToDict() *zerolog.Event {
	return zerolog.Dict().
		Str("token_file", c.TokenFile).
		Str("token", redact.String(c.Token)).
		Int("timeout_ms", c.TimeoutMS)
}

func (c *Probe) setDefaults() {
	if c.TimeoutMS == 0 {
		c.TimeoutMS = 2000
	}
}

func (c *Probe) validate() error {
	if c.TimeoutMS < 0 {
		return errors.New("timeout_ms must be greater than 0")
	}

	return nil
}

func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(lo.Ternary(len(filename) > 0, filename, "config.yaml"))
	if nil != err {
		return nil, fmt.Errorf("failed to read config file %s: %v", filename, err)
	}

	var conf Config
	if err := yaml.Unmarshal(data, &conf); nil != err {
		return nil, fmt.Errorf("failed to parse config file %s: %v", filename, err)
	}

	conf.Probe.Token = os.Getenv("PLAUD_TOKEN")
	conf.setDefaults()

	if err := conf.validate(); nil != err {
		return nil, fmt.Errorf("configuration validation failed: %v", err)
	}

	return &conf, nil
}
