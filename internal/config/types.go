package config

// Config is the full process configuration. YAML and JSON are both
// accepted; unknown fields are rejected.
type Config struct {
	// Timezone is the default IANA zone for trigger evaluation.
	Timezone string `json:"timezone,omitempty"`

	Logging LoggingConfig `json:"logging"`
	Engine  EngineConfig  `json:"engine,omitempty"`
	Storage StorageConfig `json:"storage"`

	Audience ServiceConfig  `json:"audience"`
	Cadence  ServiceConfig  `json:"cadence"`
	Delivery DeliveryConfig `json:"delivery"`

	Alerts AlertsConfig `json:"alerts,omitempty"`
	API    APIConfig    `json:"api,omitempty"`
}

type LoggingConfig struct {
	Level   string `json:"level,omitempty"`
	Console bool   `json:"console,omitempty"`
	File    string `json:"file,omitempty"`
}

type EngineConfig struct {
	// CancellationPoll is the veto-check interval inside the cancellation
	// window. Defaults to "30s".
	CancellationPoll Duration `json:"cancellation_poll,omitempty"`
}

type StorageConfig struct {
	Driver      string   `json:"driver,omitempty"` // "file" (default) or "sqlite"
	Dir         string   `json:"dir,omitempty"`
	Path        string   `json:"path,omitempty"`
	BusyTimeout Duration `json:"busy_timeout,omitempty"`
}

type ServiceConfig struct {
	BaseURL string   `json:"base_url"`
	Timeout Duration `json:"timeout,omitempty"`
}

type DeliveryConfig struct {
	BaseURL    string   `json:"base_url"`
	Timeout    Duration `json:"timeout,omitempty"`
	RatePerSec int      `json:"rate_per_sec,omitempty"`
	RetryMax   int      `json:"retry_max,omitempty"`
}

type AlertsConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Token   string `json:"token,omitempty"`
	ChatID  int64  `json:"chat_id,omitempty"`
}

type APIConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Listen  string `json:"listen,omitempty"`
}
