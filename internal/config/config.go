// Package config defines all configuration for the trading kernel.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// operational knobs overridable via environment variables (see the
// override table in applyEnv). Malformed values or a missing secret for
// an enabled feature are fatal at startup.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun     bool                `mapstructure:"dry_run"`
	Bus        BusConfig           `mapstructure:"bus"`
	Runner     RunnerConfig        `mapstructure:"runner"`
	Stream     StreamConfig        `mapstructure:"stream"`
	Guards     GuardConfig         `mapstructure:"guards"`
	Venues     VenueConfig         `mapstructure:"venues"`
	Bracket    BracketConfig       `mapstructure:"bracket"`
	Quarantine QuarantineConfig    `mapstructure:"quarantine"`
	Rollup     RollupConfig        `mapstructure:"rollup"`
	Depeg      DepegConfig         `mapstructure:"depeg"`
	Fees       FeeConfig           `mapstructure:"fees"`
	Health     HealthConfig        `mapstructure:"health"`
	Models     ModelConfig         `mapstructure:"models"`
	Ops        OpsConfig           `mapstructure:"ops"`
	Digest     DigestConfig        `mapstructure:"digest"`
	Notify     NotifyConfig        `mapstructure:"notify"`
	State      StateConfig         `mapstructure:"state"`
	Universe   map[string][]string `mapstructure:"universe"`
	Logging    LoggingConfig       `mapstructure:"logging"`
}

// BusConfig bounds the per-topic dispatch queue. Size 0 means unbounded;
// a bounded queue drops on overflow (counted) rather than blocking the
// publisher.
type BusConfig struct {
	QueueSize int `mapstructure:"queue_size"`
}

// RunnerConfig tunes the supervised task runner and its watchdog.
type RunnerConfig struct {
	TaskGrace        time.Duration `mapstructure:"task_grace"`
	ShutdownDeadline time.Duration `mapstructure:"shutdown_deadline"`
	WatchdogInterval time.Duration `mapstructure:"watchdog_interval"`
	WatchdogTimeout  time.Duration `mapstructure:"watchdog_timeout"`
}

// StreamConfig tunes the WS runner.
//
//   - ReconnectBackoff: initial backoff after a stream failure (doubles to 2s).
//   - HealthEnabled: gate for health.state bus emissions.
//   - SilenceAlert: emit DEGRADED/ws_silent if no update within this window.
type StreamConfig struct {
	URL              string        `mapstructure:"url"`
	ReconnectBackoff time.Duration `mapstructure:"reconnect_backoff"`
	HealthEnabled    bool          `mapstructure:"health_enabled"`
	SilenceAlert     time.Duration `mapstructure:"silence_alert"`
}

// GuardConfig sets the thresholds owned by configuration (the rest come
// from the dynamic sizing policy per evaluation).
type GuardConfig struct {
	MaxSpreadBps float64       `mapstructure:"max_spread_bps"`
	MaxLatencyMs float64       `mapstructure:"max_latency_ms"`
	MinOrderUSD  float64       `mapstructure:"min_order_usd"`
	MaxSymbolUSD float64       `mapstructure:"max_symbol_usd"`
	CooldownTTL  time.Duration `mapstructure:"cooldown_ttl"`
}

// VenueConfig holds per-venue REST credentials and the symbol routing map.
type VenueConfig struct {
	Spot        VenueEndpoint     `mapstructure:"spot"`
	Futures     VenueEndpoint     `mapstructure:"futures"`
	Default     string            `mapstructure:"default"`    // venue suffix used when a symbol is unqualified
	SymbolMap   map[string]string `mapstructure:"symbol_map"` // symbol -> venue suffix
	CallTimeout time.Duration     `mapstructure:"call_timeout"`
}

// VenueEndpoint is one venue adapter's connection settings.
type VenueEndpoint struct {
	BaseURL   string `mapstructure:"base_url"`
	APIKey    string `mapstructure:"api_key"`
	APISecret string `mapstructure:"api_secret"`
}

// BracketConfig controls the fill-triggered TP/SL governor.
type BracketConfig struct {
	Enabled        bool    `mapstructure:"enabled"`
	TPBps          float64 `mapstructure:"tp_bps"`
	SLBps          float64 `mapstructure:"sl_bps"`
	AllowStopAmend bool    `mapstructure:"allow_stop_amend"`
}

// QuarantineConfig: N stop-loss exits within Window blocks a symbol for Block.
type QuarantineConfig struct {
	MaxStops int           `mapstructure:"max_stops"`
	Window   time.Duration `mapstructure:"window"`
	Block    time.Duration `mapstructure:"block"`
}

// RollupConfig controls the telemetry bucket ring.
type RollupConfig struct {
	BucketMinutes int `mapstructure:"bucket_minutes"`
	MaxBuckets    int `mapstructure:"max_buckets"`
}

// DepegConfig controls the stable-parity watcher.
type DepegConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	ThresholdPct   float64       `mapstructure:"threshold_pct"`
	ConfirmWindows int           `mapstructure:"confirm_windows"`
	Cooldown       time.Duration `mapstructure:"cooldown"`
	ExitRisk       bool          `mapstructure:"exit_risk"`
	SwitchQuote    bool          `mapstructure:"switch_quote"`
	WatchSymbols   []string      `mapstructure:"watch_symbols"`
	TickInterval   time.Duration `mapstructure:"tick_interval"`
}

// FeeConfig controls the fee-asset topup loop.
type FeeConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	Asset             string        `mapstructure:"asset"`
	TopupThresholdUSD float64       `mapstructure:"topup_threshold_usd"`
	TopupAmountUSD    float64       `mapstructure:"topup_amount_usd"`
	CheckInterval     time.Duration `mapstructure:"check_interval"`
	MinTopupInterval  time.Duration `mapstructure:"min_topup_interval"`
}

// HealthConfig controls the debounced health notifier.
type HealthConfig struct {
	NotifyEnabled bool          `mapstructure:"notify_enabled"`
	Debounce      time.Duration `mapstructure:"debounce"`
}

// ModelConfig lists the promotion artifacts watched for mtime changes.
type ModelConfig struct {
	WatchPaths   []string      `mapstructure:"watch_paths"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// OpsConfig configures the control-plane HTTP server.
//
// Token resolution order: TokenFile (re-read when its mtime changes, so
// rotation needs no restart), then Token. Approvers is the two-man
// allow-list. A mutating endpoint with no resolvable token returns 503.
type OpsConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Port           int           `mapstructure:"port"`
	Token          string        `mapstructure:"token"`
	TokenFile      string        `mapstructure:"token_file"`
	Approvers      []string      `mapstructure:"approvers"`
	IdemRetention  time.Duration `mapstructure:"idem_retention"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
}

// DigestConfig controls the periodic summary job.
type DigestConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Interval       time.Duration `mapstructure:"interval"`
	IncludeSymbols bool          `mapstructure:"include_symbols"`
	Buckets6h      bool          `mapstructure:"buckets_6h"`
}

// NotifyConfig selects and configures the notification sink.
type NotifyConfig struct {
	TelegramToken  string `mapstructure:"telegram_token"`
	TelegramChatID string `mapstructure:"telegram_chat_id"`
}

// StateConfig sets where engine-owned state files live.
type StateConfig struct {
	Dir    string `mapstructure:"dir"`     // quarantine.json
	OpsDir string `mapstructure:"ops_dir"` // training_cursor.json
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file, applies defaults, then applies
// environment variable overrides for every operational knob.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// A missing file is fine — defaults plus env cover everything.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("bus.queue_size", 1024)

	v.SetDefault("runner.task_grace", "5s")
	v.SetDefault("runner.shutdown_deadline", "15s")
	v.SetDefault("runner.watchdog_interval", "5s")
	v.SetDefault("runner.watchdog_timeout", "30s")

	v.SetDefault("stream.reconnect_backoff", "500ms")
	v.SetDefault("stream.health_enabled", true)
	v.SetDefault("stream.silence_alert", "15s")

	v.SetDefault("guards.max_spread_bps", 25.0)
	v.SetDefault("guards.max_latency_ms", 1500.0)
	v.SetDefault("guards.min_order_usd", 10.0)
	v.SetDefault("guards.max_symbol_usd", 50000.0)
	v.SetDefault("guards.cooldown_ttl", "60s")

	v.SetDefault("venues.default", "BINANCE")
	v.SetDefault("venues.call_timeout", "5s")

	v.SetDefault("bracket.tp_bps", 20.0)
	v.SetDefault("bracket.sl_bps", 30.0)

	v.SetDefault("quarantine.max_stops", 2)
	v.SetDefault("quarantine.window", "1h")
	v.SetDefault("quarantine.block", "4h")

	v.SetDefault("rollup.bucket_minutes", 360)
	v.SetDefault("rollup.max_buckets", 4)

	v.SetDefault("depeg.threshold_pct", 0.5)
	v.SetDefault("depeg.confirm_windows", 3)
	v.SetDefault("depeg.cooldown", "30m")
	v.SetDefault("depeg.watch_symbols", []string{"USDTUSDC"})
	v.SetDefault("depeg.tick_interval", "10s")

	v.SetDefault("fees.asset", "BNB")
	v.SetDefault("fees.topup_threshold_usd", 20.0)
	v.SetDefault("fees.topup_amount_usd", 50.0)
	v.SetDefault("fees.check_interval", "30m")
	v.SetDefault("fees.min_topup_interval", "6h")

	v.SetDefault("health.debounce", "10s")

	v.SetDefault("models.poll_interval", "5s")

	v.SetDefault("ops.port", 8787)
	v.SetDefault("ops.idem_retention", "24h")

	v.SetDefault("digest.interval", "1440m")
	v.SetDefault("digest.include_symbols", true)

	v.SetDefault("state.dir", "state")
	v.SetDefault("state.ops_dir", "ops")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// applyEnv maps the documented operational environment variables onto the
// typed config. A set-but-malformed value is a startup error, not a
// silently ignored one.
func applyEnv(cfg *Config) error {
	var err error

	if s := os.Getenv("OPS_API_TOKEN"); s != "" {
		cfg.Ops.Token = s
	}
	if s := os.Getenv("OPS_API_TOKEN_FILE"); s != "" {
		cfg.Ops.TokenFile = s
	}
	if s := os.Getenv("OPS_APPROVER_TOKENS"); s != "" {
		cfg.Ops.Approvers = splitCSV(s)
	}

	if err = envBool("BRACKET_GOVERNOR_ENABLED", &cfg.Bracket.Enabled); err != nil {
		return err
	}
	if err = envFloat("TP_BPS", &cfg.Bracket.TPBps); err != nil {
		return err
	}
	if err = envFloat("SL_BPS", &cfg.Bracket.SLBps); err != nil {
		return err
	}
	if err = envBool("ALLOW_STOP_AMEND", &cfg.Bracket.AllowStopAmend); err != nil {
		return err
	}

	if err = envBool("DEPEG_GUARD_ENABLED", &cfg.Depeg.Enabled); err != nil {
		return err
	}
	if err = envFloat("DEPEG_THRESHOLD_PCT", &cfg.Depeg.ThresholdPct); err != nil {
		return err
	}
	if err = envInt("DEPEG_CONFIRM_WINDOWS", &cfg.Depeg.ConfirmWindows); err != nil {
		return err
	}
	if err = envMinutes("DEPEG_ACTION_COOLDOWN_MIN", &cfg.Depeg.Cooldown); err != nil {
		return err
	}
	if err = envBool("DEPEG_EXIT_RISK", &cfg.Depeg.ExitRisk); err != nil {
		return err
	}
	if err = envBool("DEPEG_SWITCH_QUOTE", &cfg.Depeg.SwitchQuote); err != nil {
		return err
	}
	if s := os.Getenv("DEPEG_WATCH_SYMBOLS"); s != "" {
		cfg.Depeg.WatchSymbols = splitCSV(s)
	}

	if err = envBool("BNB_FEE_DISCOUNT_ENABLED", &cfg.Fees.Enabled); err != nil {
		return err
	}
	if err = envFloat("BNB_TOPUP_THRESHOLD_USD", &cfg.Fees.TopupThresholdUSD); err != nil {
		return err
	}
	if err = envFloat("BNB_TOPUP_AMOUNT_USD", &cfg.Fees.TopupAmountUSD); err != nil {
		return err
	}
	if err = envSeconds("BNB_TOPUP_INTERVAL_SEC", &cfg.Fees.CheckInterval); err != nil {
		return err
	}
	if err = envSeconds("BNB_MIN_TOPUP_INTERVAL_SEC", &cfg.Fees.MinTopupInterval); err != nil {
		return err
	}

	if err = envMillis("WS_RECONNECT_BACKOFF_MS", &cfg.Stream.ReconnectBackoff); err != nil {
		return err
	}
	if err = envBool("WS_HEALTH_ENABLED", &cfg.Stream.HealthEnabled); err != nil {
		return err
	}
	if err = envSeconds("WS_DISCONNECT_ALERT_SEC", &cfg.Stream.SilenceAlert); err != nil {
		return err
	}

	if err = envBool("HEALTH_TG_ENABLED", &cfg.Health.NotifyEnabled); err != nil {
		return err
	}
	if err = envSeconds("HEALTH_DEBOUNCE_SEC", &cfg.Health.Debounce); err != nil {
		return err
	}

	if err = envMinutes("DIGEST_INTERVAL_MIN", &cfg.Digest.Interval); err != nil {
		return err
	}
	if err = envBool("DIGEST_INCLUDE_SYMBOLS", &cfg.Digest.IncludeSymbols); err != nil {
		return err
	}
	if err = envBool("DIGEST_6H_ENABLED", &cfg.Digest.Buckets6h); err != nil {
		return err
	}

	if s := os.Getenv("TELEGRAM_BOT_TOKEN"); s != "" {
		cfg.Notify.TelegramToken = s
	}
	if s := os.Getenv("TELEGRAM_CHAT_ID"); s != "" {
		cfg.Notify.TelegramChatID = s
	}

	return nil
}

// Validate checks required fields and value ranges. Returning an error
// here means exit code 2 in main — fatal misconfiguration.
func (c *Config) Validate() error {
	if c.Ops.Enabled && c.Ops.Token == "" && c.Ops.TokenFile == "" {
		return fmt.Errorf("ops enabled but no token configured (set OPS_API_TOKEN or OPS_API_TOKEN_FILE)")
	}
	if c.Quarantine.MaxStops <= 0 {
		return fmt.Errorf("quarantine.max_stops must be > 0")
	}
	if c.Quarantine.Window <= 0 || c.Quarantine.Block <= 0 {
		return fmt.Errorf("quarantine window/block must be > 0")
	}
	if c.Rollup.BucketMinutes <= 0 || c.Rollup.MaxBuckets <= 0 {
		return fmt.Errorf("rollup.bucket_minutes and rollup.max_buckets must be > 0")
	}
	if c.Depeg.Enabled {
		if c.Depeg.ThresholdPct <= 0 {
			return fmt.Errorf("depeg.threshold_pct must be > 0")
		}
		if c.Depeg.ConfirmWindows <= 0 {
			return fmt.Errorf("depeg.confirm_windows must be > 0")
		}
	}
	if c.Bracket.Enabled && (c.Bracket.TPBps <= 0 || c.Bracket.SLBps <= 0) {
		return fmt.Errorf("bracket tp_bps/sl_bps must be > 0")
	}
	if c.Fees.Enabled && c.Fees.TopupAmountUSD <= 0 {
		return fmt.Errorf("fees.topup_amount_usd must be > 0")
	}
	if c.Venues.Default == "" {
		return fmt.Errorf("venues.default is required")
	}
	if !c.DryRun {
		if c.Venues.Spot.BaseURL == "" && c.Venues.Futures.BaseURL == "" {
			return fmt.Errorf("at least one venue base_url is required outside dry-run")
		}
	}
	return nil
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envBool(name string, dst *bool) error {
	s := os.Getenv(name)
	if s == "" {
		return nil
	}
	switch strings.ToLower(s) {
	case "1", "true", "yes", "on":
		*dst = true
	case "0", "false", "no", "off":
		*dst = false
	default:
		return fmt.Errorf("%s: invalid bool %q", name, s)
	}
	return nil
}

func envInt(name string, dst *int) error {
	s := os.Getenv(name)
	if s == "" {
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("%s: invalid int %q", name, s)
	}
	*dst = n
	return nil
}

func envFloat(name string, dst *float64) error {
	s := os.Getenv(name)
	if s == "" {
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("%s: invalid number %q", name, s)
	}
	*dst = f
	return nil
}

func envSeconds(name string, dst *time.Duration) error {
	var n int
	if err := envInt(name, &n); err != nil {
		return err
	}
	if os.Getenv(name) != "" {
		*dst = time.Duration(n) * time.Second
	}
	return nil
}

func envMinutes(name string, dst *time.Duration) error {
	var n int
	if err := envInt(name, &n); err != nil {
		return err
	}
	if os.Getenv(name) != "" {
		*dst = time.Duration(n) * time.Minute
	}
	return nil
}

func envMillis(name string, dst *time.Duration) error {
	var n int
	if err := envInt(name, &n); err != nil {
		return err
	}
	if os.Getenv(name) != "" {
		*dst = time.Duration(n) * time.Millisecond
	}
	return nil
}
