// Package config loads edged's file-based configuration from a YAML file via
// gopkg.in/yaml.v3, then layers environment variable overrides through a
// bound viper.Viper instance. A small preset table expands
// performance.profile into concrete option overrides, and an fsnotify
// watcher triggers reload of hot-reloadable options without a restart.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Profile is one of the performance.profile presets.
type Profile string

const (
	ProfileBalanced    Profile = "balanced"
	ProfileLowLatency  Profile = "low-latency"
	ProfileLowResource Profile = "low-resource"
)

// Edge holds the edge.* options.
type Edge struct {
	AgentID   string `yaml:"agent_id"`
	UserPhone string `yaml:"user_phone"`
}

// Backend holds the backend.* options.
type Backend struct {
	URL                   string `yaml:"url"`
	SyncIntervalSeconds   int    `yaml:"sync_interval_seconds"`
	RequestTimeoutMs      int    `yaml:"request_timeout_ms"`
	MaxConcurrentRequests int    `yaml:"max_concurrent_requests"`
}

// WebSocket holds the websocket.* options.
type WebSocket struct {
	Enabled             bool `yaml:"enabled"`
	PingIntervalSeconds int  `yaml:"ping_interval_seconds"`
}

// IMessage holds the imessage.* options.
type IMessage struct {
	PollIntervalSeconds int    `yaml:"poll_interval_seconds"`
	DBPath              string `yaml:"db_path"`
	AttachmentsPath     string `yaml:"attachments_path"`
	EnableFastCheck     bool   `yaml:"enable_fast_check"`
	MaxMessagesPerPoll  int    `yaml:"max_messages_per_poll"`
}

// Scheduler holds the scheduler.* options.
type Scheduler struct {
	CheckIntervalSeconds int  `yaml:"check_interval_seconds"`
	AdaptiveMode         bool `yaml:"adaptive_mode"`
}

// Performance holds the performance.* options.
type Performance struct {
	Profile                   Profile `yaml:"profile"`
	ParallelMessageProcessing int     `yaml:"parallel_message_processing"`
	BatchAppleScriptSends     bool    `yaml:"batch_applescript_sends"`
}

// Logging holds the logging.* options.
type Logging struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// Config is the full set of recognised daemon options.
type Config struct {
	Edge        Edge        `yaml:"edge"`
	Backend     Backend     `yaml:"backend"`
	WebSocket   WebSocket   `yaml:"websocket"`
	IMessage    IMessage    `yaml:"imessage"`
	Scheduler   Scheduler   `yaml:"scheduler"`
	Performance Performance `yaml:"performance"`
	Logging     Logging     `yaml:"logging"`

	// EdgeSecret is the Bearer token, sourced only from EDGE_SECRET and never
	// persisted to the YAML file.
	EdgeSecret string `yaml:"-"`

	path string
}

func defaults() Config {
	return Config{
		Backend: Backend{
			SyncIntervalSeconds:   30,
			RequestTimeoutMs:      60000,
			MaxConcurrentRequests: 5,
		},
		WebSocket: WebSocket{
			Enabled:             true,
			PingIntervalSeconds: 30,
		},
		IMessage: IMessage{
			PollIntervalSeconds: 1,
			EnableFastCheck:     true,
			MaxMessagesPerPoll:  100,
		},
		Scheduler: Scheduler{
			CheckIntervalSeconds: 60,
			AdaptiveMode:         true,
		},
		Performance: Performance{
			Profile:                   ProfileBalanced,
			ParallelMessageProcessing: 3,
			BatchAppleScriptSends:     true,
		},
		Logging: Logging{
			Level: "info",
		},
	}
}

// profilePresets is a small, explicit table of overrides per performance
// profile, not a general rule engine.
var profilePresets = map[Profile]func(*Config){
	ProfileLowLatency: func(c *Config) {
		c.Backend.MaxConcurrentRequests = 8
		c.Scheduler.CheckIntervalSeconds = 30
		c.Performance.ParallelMessageProcessing = 5
	},
	ProfileLowResource: func(c *Config) {
		c.Backend.MaxConcurrentRequests = 2
		c.Scheduler.CheckIntervalSeconds = 60
		c.Performance.ParallelMessageProcessing = 1
	},
	ProfileBalanced: func(c *Config) {
		c.Backend.MaxConcurrentRequests = 5
		c.Scheduler.CheckIntervalSeconds = 45
		c.Performance.ParallelMessageProcessing = 3
	},
}

// applyProfile expands performance.profile into concrete overrides, only for
// fields the caller hasn't explicitly set in the YAML file. Since a plain
// struct decode gives us no notion of "unset" for scalars, profile presets
// only fill in the defaults() baseline — an explicit value in the file
// always wins, which is why this must run before the YAML decode, not after.
func applyProfile(c *Config) {
	if fn, ok := profilePresets[c.Performance.Profile]; ok {
		fn(c)
	}
}

// hotReloadable lists the option keys that take effect without a supervisor
// restart. Everything else requires a restart; changing it while running is
// logged at warn, not applied.
var hotReloadable = map[string]bool{
	"logging.level":                     true,
	"scheduler.check_interval_seconds":  true,
	"performance.profile":               true,
}

// IsHotReloadable reports whether key may be changed without a restart.
func IsHotReloadable(key string) bool {
	return hotReloadable[key]
}

// Load reads the YAML config at path, applies the performance.profile preset
// as a baseline, decodes the file over it, then layers environment overrides
// via viper.AutomaticEnv.
func Load(path string) (*Config, error) {
	cfg := defaults()
	cfg.path = path

	var data []byte
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			data, err = os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
			// First decode only to learn performance.profile.
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("decode config %s: %w", path, err)
			}
		}
	}
	applyProfile(&cfg)
	if len(data) > 0 {
		// Decode again over the preset so explicit file values win.
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("decode config %s: %w", path, err)
		}
	}

	v := viper.New()
	v.SetEnvPrefix("")
	v.AutomaticEnv()
	v.BindEnv("edge_secret", "EDGE_SECRET")
	v.BindEnv("user_phone", "USER_PHONE")
	v.BindEnv("backend_url", "BACKEND_URL")

	cfg.EdgeSecret = v.GetString("edge_secret")
	if cfg.EdgeSecret == "" {
		return nil, fmt.Errorf("EDGE_SECRET environment variable is required")
	}
	if phone := v.GetString("user_phone"); phone != "" {
		cfg.Edge.UserPhone = phone
		if cfg.Edge.AgentID == "" {
			cfg.Edge.AgentID = "edge_" + digitsOnly(phone)
		}
	}
	if url := v.GetString("backend_url"); url != "" {
		cfg.Backend.URL = url
	}

	return &cfg, nil
}

func digitsOnly(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] >= '0' && s[i] <= '9' {
			out = append(out, s[i])
		}
	}
	return string(out)
}

// Watcher watches the config file for changes and invokes onChange with the
// freshly-reloaded Config whenever the file is written. The whole reloaded
// Config is passed; it is not filtered by IsHotReloadable.
type Watcher struct {
	path     string
	fsw      *fsnotify.Watcher
	mu       sync.Mutex
	stopped  bool
	onChange func(*Config)
}

// WatchFile starts watching path's directory (fsnotify watches directories
// reliably across editor rename-and-replace saves) and invokes onChange
// after each write event, debounced by 200ms.
func WatchFile(path string, onChange func(*Config)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create config watcher: %w", err)
	}
	dir := filepath.Dir(path)
	if err := fsw.Add(dir); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("watch config dir %s: %w", dir, err)
	}

	w := &Watcher{path: path, fsw: fsw, onChange: onChange}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	var debounce *time.Timer
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(200*time.Millisecond, func() {
				cfg, err := Load(w.path)
				if err == nil {
					w.onChange(cfg)
				}
			})
		case _, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return nil
	}
	w.stopped = true
	return w.fsw.Close()
}
