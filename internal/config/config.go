package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"foreman/internal/clock"
)

// Config models foreman.yml (or foreman.toml).
type Config struct {
	Admission Admission `yaml:"admission" toml:"admission"`
	Calendar  Calendar  `yaml:"calendar" toml:"calendar"`
	Workers   Workers   `yaml:"workers" toml:"workers"`
	Schedule  Schedule  `yaml:"schedule" toml:"schedule"`
	Webhooks  []Webhook `yaml:"webhooks" toml:"webhooks"`
}

type Admission struct {
	MaxApprovedPerMinute int      `yaml:"max_approved_per_minute" toml:"max_approved_per_minute"`
	MaxConcurrency       int      `yaml:"max_concurrency" toml:"max_concurrency"`
	MaxLineCells         int      `yaml:"max_line_cells" toml:"max_line_cells"`
	ForbiddenZones       []Zone   `yaml:"forbidden_zones" toml:"forbidden_zones"`
	AllowedTasks         []string `yaml:"allowed_tasks" toml:"allowed_tasks"`
}

type Zone struct {
	X1 int `yaml:"x1" toml:"x1"`
	Y1 int `yaml:"y1" toml:"y1"`
	X2 int `yaml:"x2" toml:"x2"`
	Y2 int `yaml:"y2" toml:"y2"`
}

type Calendar struct {
	WorkHours  string   `yaml:"work_hours" toml:"work_hours"`
	Curfew     string   `yaml:"curfew" toml:"curfew"`
	QuietTasks []string `yaml:"quiet_tasks" toml:"quiet_tasks"`
	Holidays   []string `yaml:"holidays" toml:"holidays"`
}

type Workers struct {
	Count          int     `yaml:"count" toml:"count"`
	MinutesPerCost float64 `yaml:"minutes_per_cost" toml:"minutes_per_cost"`
	Tick           string  `yaml:"tick" toml:"tick"`
	Depot          Point   `yaml:"depot" toml:"depot"`
	Inventory      []Item  `yaml:"inventory" toml:"inventory"`
}

type Point struct {
	X int `yaml:"x" toml:"x"`
	Y int `yaml:"y" toml:"y"`
}

type Item struct {
	ID    string `yaml:"id" toml:"id"`
	Name  string `yaml:"name" toml:"name"`
	Count int    `yaml:"count" toml:"count"`
}

type Schedule struct {
	Path string `yaml:"path" toml:"path"`
}

type Webhook struct {
	ID     string            `yaml:"id" toml:"id"`
	URL    string            `yaml:"url" toml:"url"`
	Events []string          `yaml:"events" toml:"events"`
	Header map[string]string `yaml:"header" toml:"header"`
}

var knownKinds = map[string]bool{"build": true, "build_line": true, "collect": true, "haul": true}

// TickInterval parses Workers.Tick, defaulting to one second.
func (w Workers) TickInterval() time.Duration {
	d, err := time.ParseDuration(w.Tick)
	if err != nil || d <= 0 {
		return time.Second
	}
	return d
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Admission.MaxApprovedPerMinute < 0 {
		return fmt.Errorf("admission.max_approved_per_minute must be >= 0")
	}
	if c.Admission.MaxConcurrency < 0 {
		return fmt.Errorf("admission.max_concurrency must be >= 0")
	}
	if c.Admission.MaxLineCells < 0 {
		return fmt.Errorf("admission.max_line_cells must be >= 0")
	}
	for _, k := range c.Admission.AllowedTasks {
		if !knownKinds[k] {
			return fmt.Errorf("admission.allowed_tasks has unknown kind %q", k)
		}
	}
	if c.Calendar.WorkHours != "" {
		if _, err := clock.ParseWindow(c.Calendar.WorkHours); err != nil {
			return fmt.Errorf("calendar.work_hours: %w", err)
		}
	}
	if c.Calendar.Curfew != "" {
		if _, err := clock.ParseWindow(c.Calendar.Curfew); err != nil {
			return fmt.Errorf("calendar.curfew: %w", err)
		}
	}
	for _, h := range c.Calendar.Holidays {
		if _, err := time.Parse("2006-01-02", h); err != nil {
			return fmt.Errorf("calendar.holidays: %q is not YYYY-MM-DD", h)
		}
	}
	if c.Workers.Count < 0 {
		return fmt.Errorf("workers.count must be >= 0")
	}
	if c.Workers.MinutesPerCost < 0 {
		return fmt.Errorf("workers.minutes_per_cost must be >= 0")
	}
	if c.Workers.Tick != "" {
		if _, err := time.ParseDuration(c.Workers.Tick); err != nil {
			return fmt.Errorf("workers.tick: %w", err)
		}
	}
	for _, it := range c.Workers.Inventory {
		if it.ID == "" {
			return fmt.Errorf("workers.inventory contains an item without id")
		}
	}
	for i, h := range c.Webhooks {
		if h.URL == "" {
			return fmt.Errorf("webhooks[%d].url is required", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace. A foreman.toml is used
// when present and no foreman.yml exists.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	yml := filepath.Join(workspace, "foreman.yml")
	if _, err := os.Stat(yml); err != nil {
		tml := filepath.Join(workspace, "foreman.toml")
		if _, err := os.Stat(tml); err == nil {
			return tml
		}
	}
	return yml
}

// Load reads and validates config from workspace, falling back to Default.
func Load(workspace string) (*Config, error) {
	cfg, err := LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return Default(), nil
	}
	return cfg, nil
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	cfg, err := FromFile(Path(workspace))
	if os.IsNotExist(err) {
		return nil, nil
	}
	return cfg, err
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromTOML parses and validates config from raw TOML bytes.
func FromTOML(data []byte) (*Config, error) {
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config toml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads config from path, choosing the parser by extension.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return FromTOML(data)
	}
	return FromYAML(data)
}

// ToYAML renders cfg.
func ToYAML(cfg *Config) ([]byte, error) {
	return yaml.Marshal(cfg)
}

const defaultTemplate = `admission:
  max_approved_per_minute: 30
  max_concurrency: 4
  max_line_cells: 256
  forbidden_zones: []
  allowed_tasks: [build, build_line, collect, haul]

calendar:
  work_hours: "06:00-22:00"
  curfew: "22:00-06:00"
  quiet_tasks: [forge, sawmill]
  holidays: []

workers:
  count: 2
  minutes_per_cost: 1
  tick: 1s
  depot: {x: 0, y: 0}
  inventory:
    - {id: wood, name: Wood, count: 20}
    - {id: stone, name: Stone, count: 10}

schedule:
  path: schedule.json

webhooks: []
`
