package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is where the daemon looks for its config file.
const DefaultPath = "/etc/epdweather/config.yaml"

// BasicAuthConfig holds HTTP Basic Auth credentials for the status server.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"-"`
}

// WifiConfig controls the connectivity check and the WiFi setup phase.
type WifiConfig struct {
	// ProbeAddress is dialed (TCP) to decide whether the network is up.
	ProbeAddress string        `yaml:"probe_address" json:"probe_address"`
	SetupTimeout time.Duration `yaml:"setup_timeout" json:"setup_timeout"`
	PollInterval time.Duration `yaml:"poll_interval" json:"poll_interval"`
	// SetupCommand is run once when setup starts, e.g. ["nmcli", "radio", "wifi", "on"].
	SetupCommand []string `yaml:"setup_command,omitempty" json:"setup_command,omitempty"`
}

type NTPConfig struct {
	// Servers are queried in order. Empty disables the NTP check and the
	// host clock is trusted.
	Servers []string      `yaml:"servers" json:"servers"`
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

type WeatherConfig struct {
	Endpoint          string  `yaml:"endpoint" json:"endpoint"`
	GeocodeEndpoint   string  `yaml:"geocode_endpoint" json:"geocode_endpoint"`
	IPGeoEndpoint     string  `yaml:"ipgeo_endpoint" json:"ipgeo_endpoint"`
	Units             string  `yaml:"units" json:"units"`
	RequestsPerMinute float64 `yaml:"requests_per_minute" json:"requests_per_minute"`
}

// ICSConfig describes a single ICS subscription source.
type ICSConfig struct {
	URL string `yaml:"url" json:"url"`
	// ID is used for cache keys and logging; defaults to Name, then URL.
	ID   string `yaml:"id" json:"id"`
	Name string `yaml:"name" json:"name"`
}

type CalendarConfig struct {
	// Provider is one of "graph" (default), "ics" or "none".
	Provider           string        `yaml:"provider" json:"provider"`
	Endpoint           string        `yaml:"endpoint" json:"endpoint"`
	TokenURL           string        `yaml:"token_url" json:"token_url"`
	DeviceAuthURL      string        `yaml:"device_auth_url" json:"device_auth_url"`
	Scopes             []string      `yaml:"scopes" json:"scopes"`
	LookaheadDays      int           `yaml:"lookahead_days" json:"lookahead_days"`
	PageSize           int           `yaml:"page_size" json:"page_size"`
	InteractiveTimeout time.Duration `yaml:"interactive_timeout" json:"interactive_timeout"`

	ICS         []ICSConfig `yaml:"ics" json:"ics"`
	ICSCacheDir string      `yaml:"ics_cache_dir" json:"ics_cache_dir"`
}

// PinsConfig holds BCM GPIO numbers.
type PinsConfig struct {
	RST  int `yaml:"rst" json:"rst"`
	DC   int `yaml:"dc" json:"dc"`
	BUSY int `yaml:"busy" json:"busy"`
	PWR  int `yaml:"pwr" json:"pwr"`
}

type DisplayConfig struct {
	Width  int `yaml:"width" json:"width"`
	Height int `yaml:"height" json:"height"`
	// Driver is one of "spi" (default), "file" or "none".
	Driver      string     `yaml:"driver" json:"driver"`
	PreviewPath string     `yaml:"preview_path" json:"preview_path"`
	DumpPath    string     `yaml:"dump_path" json:"dump_path"`
	SPIPort     string     `yaml:"spi_port" json:"spi_port"`
	Pins        PinsConfig `yaml:"pins" json:"pins"`
}

type BatteryConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	I2CBus  string `yaml:"i2c_bus" json:"i2c_bus"`
	I2CAddr uint16 `yaml:"i2c_addr" json:"i2c_addr"`
	// Mock, if set, is reported instead of reading the gauge (percent).
	Mock int `yaml:"mock,omitempty" json:"mock,omitempty"`
}

type SleepConfig struct {
	// Mode is "timer" (wait in-process, default) or "command".
	Mode    string   `yaml:"mode" json:"mode"`
	Command []string `yaml:"command,omitempty" json:"command,omitempty"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the status server address; empty disables it.
	Listen string `yaml:"listen" json:"listen"`

	// BasicAuth, if non-nil, protects every endpoint except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`

	LogLevel string `yaml:"log_level" json:"log_level"`

	// Timezone is the IANA display zone (e.g. "Europe/Paris"); empty = local.
	Timezone string `yaml:"timezone" json:"timezone"`
	// Language selects the label set ("en", "fr").
	Language string `yaml:"language" json:"language"`

	// SettingsPath is the TOML file behind the settings store.
	SettingsPath string `yaml:"settings_path" json:"settings_path"`
	// Secrets is "file" (default) or "keyring".
	Secrets string `yaml:"secrets" json:"secrets"`
	// EnvFile is loaded before seeding empty settings from EPD_* variables.
	EnvFile string `yaml:"env_file" json:"env_file"`

	RefreshInterval time.Duration `yaml:"refresh_interval" json:"refresh_interval"`
	FetchTimeout    time.Duration `yaml:"fetch_timeout" json:"fetch_timeout"`

	Wifi     WifiConfig     `yaml:"wifi" json:"wifi"`
	NTP      NTPConfig      `yaml:"ntp" json:"ntp"`
	Weather  WeatherConfig  `yaml:"weather" json:"weather"`
	Calendar CalendarConfig `yaml:"calendar" json:"calendar"`
	Display  DisplayConfig  `yaml:"display" json:"display"`
	Battery  BatteryConfig  `yaml:"battery" json:"battery"`
	Sleep    SleepConfig    `yaml:"sleep" json:"sleep"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	c := &Config{
		Listen:       "127.0.0.1:8080",
		LogLevel:     "info",
		Language:     "en",
		SettingsPath: "/var/lib/epdweather/settings.toml",
		Secrets:      "file",
		EnvFile:      "/etc/epdweather/epdweather.env",
		NTP: NTPConfig{
			Servers: []string{"pool.ntp.org", "time.google.com"},
		},
		Calendar: CalendarConfig{
			Provider:    "graph",
			ICS:         []ICSConfig{},
			ICSCacheDir: "/var/lib/epdweather/ics-cache",
		},
		Display: DisplayConfig{
			Driver:      "spi",
			PreviewPath: "/var/lib/epdweather/preview.png",
		},
	}
	c.Normalize()
	return c
}

// Normalize fills in missing/zero values so that partially filled configs
// still behave correctly.
func (c *Config) Normalize() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Language == "" {
		c.Language = "en"
	}
	if c.SettingsPath == "" {
		c.SettingsPath = "/var/lib/epdweather/settings.toml"
	}
	switch c.Secrets {
	case "file", "keyring":
	default:
		c.Secrets = "file"
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = 30 * time.Minute
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 60 * time.Second
	}

	if c.Wifi.ProbeAddress == "" {
		c.Wifi.ProbeAddress = "1.1.1.1:53"
	}
	if c.Wifi.SetupTimeout <= 0 {
		c.Wifi.SetupTimeout = 180 * time.Second
	}
	if c.Wifi.PollInterval <= 0 {
		c.Wifi.PollInterval = 5 * time.Second
	}
	if c.NTP.Timeout <= 0 {
		c.NTP.Timeout = 5 * time.Second
	}

	if c.Weather.Units == "" {
		c.Weather.Units = "metric"
	}

	switch c.Calendar.Provider {
	case "graph", "ics", "none":
	default:
		c.Calendar.Provider = "graph"
	}
	if c.Calendar.LookaheadDays <= 0 {
		c.Calendar.LookaheadDays = 7
	}
	if c.Calendar.PageSize <= 0 {
		c.Calendar.PageSize = 50
	}
	if c.Calendar.InteractiveTimeout <= 0 {
		c.Calendar.InteractiveTimeout = 10 * time.Minute
	}
	if len(c.Calendar.Scopes) == 0 {
		c.Calendar.Scopes = []string{"Calendars.Read", "offline_access"}
	}
	if c.Calendar.ICS == nil {
		c.Calendar.ICS = []ICSConfig{}
	}

	if c.Display.Width <= 0 {
		c.Display.Width = 880
	}
	if c.Display.Height <= 0 {
		c.Display.Height = 528
	}
	switch c.Display.Driver {
	case "spi", "file", "none":
	default:
		c.Display.Driver = "spi"
	}
	if c.Display.Pins == (PinsConfig{}) {
		c.Display.Pins = PinsConfig{RST: 17, DC: 25, BUSY: 24, PWR: 18}
	}

	if c.Battery.I2CAddr == 0 {
		c.Battery.I2CAddr = 0x57
	}
	switch c.Sleep.Mode {
	case "timer", "command":
	default:
		c.Sleep.Mode = "timer"
	}
}

// Validate reports settings that cannot work together.
func (c *Config) Validate() error {
	var errs []error
	if c.Timezone != "" {
		if _, err := time.LoadLocation(c.Timezone); err != nil {
			errs = append(errs, fmt.Errorf("timezone %q: %w", c.Timezone, err))
		}
	}
	if c.Calendar.Provider == "ics" && len(c.Calendar.ICS) == 0 {
		errs = append(errs, errors.New("calendar.provider is ics but calendar.ics is empty"))
	}
	if c.Sleep.Mode == "command" && len(c.Sleep.Command) == 0 {
		errs = append(errs, errors.New("sleep.mode is command but sleep.command is empty"))
	}
	if c.Display.Driver == "file" && c.Display.DumpPath == "" {
		errs = append(errs, errors.New("display.driver is file but display.dump_path is empty"))
	}
	return errors.Join(errs...)
}

// Location returns the display time zone, falling back to time.Local.
func (c *Config) Location() *time.Location {
	if c.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist, a default config is written there (0600)
//     and returned.
//   - Otherwise the YAML is unmarshalled, normalized and validated.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return &cfg, nil
}

// Save writes cfg atomically (temp file + rename) with 0600 permissions.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".epdweather-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

func (c *Config) Save(path string) error {
	return Save(path, c)
}
