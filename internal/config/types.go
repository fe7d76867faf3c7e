package config

// Config is the daemon configuration. Every duration is a Go duration string
// ("500ms", "30s", "2m").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Dispatch  DispatchConfig  `json:"dispatch"`
	Transport TransportConfig `json:"transport"`
	// Storage is optional; nil disables persistence.
	Storage *StorageConfig `json:"storage,omitempty"`
	Ops     OpsConfig      `json:"ops,omitempty"`
	// Retry enables automatic re-queueing of transport failures.
	Retry *RetryConfig `json:"retry,omitempty"`
}

type LoggingConfig struct {
	Level    string      `json:"level"`
	Console  bool        `json:"console"`
	Format   string      `json:"format"`   // console (default) or json
	Instance string      `json:"instance"` // stamped on every record when set
	File     LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// DispatchConfig controls the dispatch engine.
//
// Defaults (when fields are omitted/zero):
//   - timing: "5s-15s"
//   - send_timeout: "30s"
//   - max_retries: unlimited
//   - history_size: 200
//   - history_ttl: "24h"
//   - rate_per_minute: 0 (no shared limit)
type DispatchConfig struct {
	// Timing is the default policy for campaigns that do not set one:
	// "5s" (fixed) or "3s-10s" (random range).
	Timing      string `json:"timing,omitempty"`
	SendTimeout string `json:"send_timeout,omitempty"`
	MaxRetries  int    `json:"max_retries,omitempty"`
	HistorySize int    `json:"history_size,omitempty"`
	HistoryTTL  string `json:"history_ttl,omitempty"`

	// RatePerMinute caps sends across every batch of this process.
	RatePerMinute float64 `json:"rate_per_minute,omitempty"`
	Burst         int     `json:"burst,omitempty"`

	// Timezone for campaign schedules (IANA name). Empty means local time.
	Timezone string `json:"timezone,omitempty"`
}

// TransportConfig selects the delivery backend.
//
// Example:
//
//	"transport": { "driver": "http", "metrics": true,
//	  "http": { "url": "https://gw.example/send", "token": "..." } }
type TransportConfig struct {
	// Driver is one of "log" (dry run), "http", "telegram", "plivo".
	Driver  string `json:"driver"`
	Metrics bool   `json:"metrics,omitempty"`
	Tracing bool   `json:"tracing,omitempty"`

	HTTP     *HTTPGatewayConfig `json:"http,omitempty"`
	Telegram *TelegramConfig    `json:"telegram,omitempty"`
	Plivo    *PlivoConfig       `json:"plivo,omitempty"`
}

type HTTPGatewayConfig struct {
	URL     string            `json:"url"`
	Token   string            `json:"token,omitempty"` // bearer token (do not log)
	Timeout string            `json:"timeout,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

type TelegramConfig struct {
	Token     string `json:"token"`
	APIURL    string `json:"api_url,omitempty"`
	ParseMode string `json:"parse_mode,omitempty"`
	Timeout   string `json:"timeout,omitempty"`
}

type PlivoConfig struct {
	AuthID    string `json:"auth_id"`
	AuthToken string `json:"auth_token"` // do not log
	Source    string `json:"source"`
	Timeout   string `json:"timeout,omitempty"`
}

// StorageConfig controls the optional persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/smartsend.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// OpsConfig controls the operations HTTP server (/healthz, /metrics, pprof).
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:9090").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:9090"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	// WriteTimeout defaults to 0 (disabled) so /debug/pprof/profile works.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	// Runtime profiling rates. Leave 0 to keep Go defaults.
	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
}

type RetryConfig struct {
	Enabled     bool   `json:"enabled"`
	MaxAttempts int    `json:"max_attempts,omitempty"`
	Base        string `json:"base,omitempty"`
	MaxDelay    string `json:"max_delay,omitempty"`
}
