package daemon

import (
	"time"

	"github.com/ankittk/taskcoord/internal/config"
)

// StartOptions configures the daemon (home, listeners, store backend, background jobs).
type StartOptions struct {
	Home          string
	Bind          string // listen host; 127.0.0.1 when empty
	Port          int
	GRPCPort      int    // 0 disables the gRPC listener
	PprofAddr     string // empty disables pprof
	StoreDriver   string // "file" (default), "sqlite" or "postgres"
	StoreDSN      string
	LockTimeout   time.Duration
	APIKey        string
	RateLimit     int // requests per minute per client; 0 disables
	RateBurst     int
	EnableOtel    bool          // OpenTelemetry metrics with the Prometheus exporter
	Watch         bool          // publish outbox_changed events for out-of-band edits (file store only)
	SweepInterval time.Duration // periodic validation of every outbox; 0 disables
	LogLevel      string
	LogFormat     string
	Webhooks      []string // committed events are POSTed here as JSON
	SlackWebhook  string
	SlackChannel  string
}

// FromConfig maps the loaded configuration onto StartOptions.
func FromConfig(c *config.Config) StartOptions {
	return StartOptions{
		Home:          c.Home,
		Port:          c.Server.Port,
		GRPCPort:      c.Server.GRPCPort,
		StoreDriver:   c.Store.Driver,
		StoreDSN:      c.Store.DSN,
		LockTimeout:   c.Lock.Timeout,
		APIKey:        c.Server.APIKey,
		RateLimit:     c.Server.RateLimitPerMinute,
		RateBurst:     c.Server.RateBurst,
		EnableOtel:    c.Otel.Enabled,
		Watch:         c.Watch.Enabled,
		SweepInterval: c.Sweep.Interval,
		LogLevel:      c.Log.Level,
		LogFormat:     c.Log.Format,
		Webhooks:      c.Notify.Webhooks,
		SlackWebhook:  c.Notify.SlackWebhook,
		SlackChannel:  c.Notify.SlackChannel,
	}
}

// StatusInfo is the result of Status (running or not, PID, listen addr).
type StatusInfo struct {
	Running bool
	PID     int
	Addr    string
}
