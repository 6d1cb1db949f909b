package tpmgate

import (
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port     int    `yaml:"port"`
		Origin   string `yaml:"origin"`
		BasePath string `yaml:"basePath"`
		Timeout  string `yaml:"timeout"`

		timeoutDur time.Duration
	} `yaml:"server"`

	Storage struct {
		Path string `yaml:"path"`
		RAM  struct {
			Max string `yaml:"max"`
		} `yaml:"ram"`

		ramMax int64
	} `yaml:"storage"`

	Cache struct {
		Version      string   `yaml:"version"`
		Precache     []string `yaml:"precache"`
		Exclude      []string `yaml:"exclude"`
		ExternalAPIs []string `yaml:"externalAPIs"`
		Concurrency  int      `yaml:"concurrency"`
	} `yaml:"cache"`

	Offline struct {
		Shell string `yaml:"shell"`
		Image string `yaml:"image"`
	} `yaml:"offline"`

	Updates struct {
		URLs         []string `yaml:"urls"`
		InitialDelay string   `yaml:"initialDelay"`
		Every        string   `yaml:"every"`
		AutoInstall  bool     `yaml:"autoInstall"`
		Watch        []string `yaml:"watch"`

		initialDelayDur time.Duration
		everyDur        time.Duration
	} `yaml:"updates"`

	Notifications struct {
		Cooldown string   `yaml:"cooldown"`
		Capacity int      `yaml:"capacity"`
		Shoutrrr []string `yaml:"shoutrrr"`
		MQTT     struct {
			Broker      string `yaml:"broker"`
			ClientID    string `yaml:"clientId"`
			Username    string `yaml:"username"`
			Password    string `yaml:"password"`
			TopicPrefix string `yaml:"topicPrefix"`
			QoS         int    `yaml:"qos"`
			Retained    bool   `yaml:"retained"`
		} `yaml:"mqtt"`

		cooldownDur time.Duration
	} `yaml:"notifications"`

	Events struct {
		Buffer    int    `yaml:"buffer"`
		Heartbeat string `yaml:"heartbeat"`

		heartbeatDur time.Duration
	} `yaml:"events"`

	Logging struct {
		Level         string `yaml:"level"`
		Format        string `yaml:"format"`
		LogStatsEvery string `yaml:"logStatsEvery"`

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

// ParseConfig decodes a YAML config and fills in defaults. Paths in cache,
// offline and updates are relative to server.basePath unless they already
// start with it.
func ParseConfig(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8082
	}
	if cfg.Server.Origin == "" {
		return Config{}, fmt.Errorf("server.origin is required")
	}
	cfg.Server.Origin = strings.TrimRight(cfg.Server.Origin, "/")
	cfg.Server.BasePath = "/" + strings.Trim(cfg.Server.BasePath, "/")

	var err error
	if cfg.Server.timeoutDur, err = parseDuration("server.timeout", cfg.Server.Timeout, 30*time.Second); err != nil {
		return Config{}, err
	}

	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "./data/leveldb"
	}
	if cfg.Storage.RAM.Max == "" {
		cfg.Storage.RAM.Max = "64mb"
	}
	ramMax, err := humanize.ParseBytes(cfg.Storage.RAM.Max)
	if err != nil {
		return Config{}, fmt.Errorf("storage.ram.max: %w", err)
	}
	cfg.Storage.ramMax = int64(ramMax)

	if cfg.Cache.Version == "" {
		cfg.Cache.Version = "tpm-v1.0.0"
	}
	if cfg.Cache.Precache == nil {
		cfg.Cache.Precache = []string{
			"/",
			"/index.html",
			"/manifest.json",
			"/icons/icon-72x72.png",
			"/icons/icon-192x192.png",
		}
	}
	if cfg.Cache.Exclude == nil {
		cfg.Cache.Exclude = []string{"dashboard", "reports.html", "RequestsScreen.html"}
	}
	if cfg.Cache.ExternalAPIs == nil {
		cfg.Cache.ExternalAPIs = []string{"script.google.com", "/api/"}
	}
	if cfg.Cache.Concurrency <= 0 {
		cfg.Cache.Concurrency = 4
	}
	cfg.Cache.Precache = cfg.underBase(cfg.Cache.Precache)

	if cfg.Offline.Shell == "" {
		cfg.Offline.Shell = "/index.html"
	}
	if cfg.Offline.Image == "" {
		cfg.Offline.Image = "/icons/icon-192x192.png"
	}
	cfg.Offline.Shell = cfg.pathUnderBase(cfg.Offline.Shell)
	cfg.Offline.Image = cfg.pathUnderBase(cfg.Offline.Image)

	if cfg.Updates.URLs == nil {
		cfg.Updates.URLs = []string{"/manifest.json", "/index.html"}
	}
	cfg.Updates.URLs = cfg.underBase(cfg.Updates.URLs)
	if cfg.Updates.initialDelayDur, err = parseDuration("updates.initialDelay", cfg.Updates.InitialDelay, 5*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.Updates.everyDur, err = parseDuration("updates.every", cfg.Updates.Every, time.Hour); err != nil {
		return Config{}, err
	}

	if cfg.Notifications.cooldownDur, err = parseDuration("notifications.cooldown", cfg.Notifications.Cooldown, 5*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.Notifications.Capacity <= 0 {
		cfg.Notifications.Capacity = 100
	}
	if q := cfg.Notifications.MQTT.QoS; q < 0 || q > 2 {
		return Config{}, fmt.Errorf("notifications.mqtt.qos: must be 0, 1 or 2, got %d", q)
	}

	if cfg.Events.Buffer <= 0 {
		cfg.Events.Buffer = 16
	}
	if cfg.Events.heartbeatDur, err = parseDuration("events.heartbeat", cfg.Events.Heartbeat, 25*time.Second); err != nil {
		return Config{}, err
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Logging.logStatsEveryDur, err = parseDuration("logging.logStatsEvery", cfg.Logging.LogStatsEvery, 0); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func parseDuration(field, s string, def time.Duration) (time.Duration, error) {
	if strings.TrimSpace(s) == "" {
		return def, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: negative duration %q", field, s)
	}
	return d, nil
}

func (cfg *Config) underBase(paths []string) []string {
	out := make([]string, 0, len(paths))
	seen := map[string]struct{}{}
	for _, p := range paths {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		p = cfg.pathUnderBase(p)
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

// pathUnderBase maps an app-relative path onto the origin. Trailing slashes
// are kept since "/app/" and "/app" are different cache keys.
func (cfg *Config) pathUnderBase(p string) string {
	base := cfg.Server.BasePath
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if base == "/" || p == base || strings.HasPrefix(p, base+"/") {
		return p
	}
	out := path.Join(base, p)
	if strings.HasSuffix(p, "/") {
		out += "/"
	}
	return out
}
