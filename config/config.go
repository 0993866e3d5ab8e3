// Package config collects the validator's environment into one immutable
// Config record at startup, generalizing original_source/validator/config.py
// to explicit, typed fields instead of dict-like env access.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mattdev071/subnet-42/types"
)

// Env distinguishes dev-mode behaviors (miner whitelist filtering) from
// production.
type Env string

const (
	EnvProd Env = "prod"
	EnvDev  Env = "dev"
)

// Config is the full set of environment-sourced, typed settings every
// component takes from via its constructor. It is built by FromEnv;
// cmd/validator then overrides some fields from CLI flags before handing it
// to the components.
type Config struct {
	NetUID           int
	SubtensorNetwork string
	SubtensorAddress string
	ValidatorPort    int
	APIKey           string
	Env              Env

	TelemetryExpirationHours      int
	ErrorLogsRetentionDays        int
	UnregisteredTEERetentionHours int

	NatsURL                 string
	NatsChannel             string
	NatsPriorityChannel     string
	MasaTEEAPI              string
	TelemetryResultWorkerAddress string

	MinerWhitelist []string

	DataDir string

	SyncCadence           time.Duration
	UpdateTEECadence      time.Duration
	TelemetryCadence      time.Duration
	SetWeightsCadence     time.Duration
	MonitorCleanupCadence time.Duration
	MonitorRetentionHours int
	PriorityListSize      int
	VersionKey            uint64
}

// defaults mirrors original_source/validator/config.py's fallback values,
// plus the Go-only additions (data dir, NATS subjects, cadences) that the
// Python source hard-coded instead of reading from the environment.
var defaults = Config{
	NetUID:           42,
	SubtensorNetwork: "finney",
	SubtensorAddress: "wss://entrypoint-finney.opentensor.ai:443",
	ValidatorPort:    8081,
	Env:              EnvProd,

	TelemetryExpirationHours:      8,
	ErrorLogsRetentionDays:        5,
	UnregisteredTEERetentionHours: 24,

	NatsChannel:         "miners",
	NatsPriorityChannel: "priority_miners",

	DataDir: ".",

	SyncCadence:           120 * time.Second,
	UpdateTEECadence:      3600 * time.Second,
	TelemetryCadence:      600 * time.Second,
	SetWeightsCadence:     600 * time.Second,
	MonitorCleanupCadence: 3600 * time.Second,
	MonitorRetentionHours: 24,
	PriorityListSize:      256,
}

// FromEnv builds a Config from the process environment, falling back to
// defaults for anything unset. Only malformed (not missing) numeric/duration
// values are a fatal configuration error, per spec.md §7.
func FromEnv() (Config, error) {
	cfg := defaults

	var err error
	if cfg.NetUID, err = intEnv("NETUID", cfg.NetUID); err != nil {
		return Config{}, err
	}
	cfg.SubtensorNetwork = strEnv("SUBTENSOR_NETWORK", cfg.SubtensorNetwork)
	cfg.SubtensorAddress = strEnv("SUBTENSOR_ADDRESS", cfg.SubtensorAddress)
	if cfg.ValidatorPort, err = intEnv("VALIDATOR_PORT", cfg.ValidatorPort); err != nil {
		return Config{}, err
	}
	cfg.APIKey = strEnv("API_KEY", cfg.APIKey)
	if strEnv("ENV", string(cfg.Env)) == string(EnvDev) {
		cfg.Env = EnvDev
	}

	if cfg.TelemetryExpirationHours, err = intEnv("TELEMETRY_EXPIRATION_HOURS", cfg.TelemetryExpirationHours); err != nil {
		return Config{}, err
	}
	if cfg.ErrorLogsRetentionDays, err = intEnv("ERROR_LOGS_RETENTION_DAYS", cfg.ErrorLogsRetentionDays); err != nil {
		return Config{}, err
	}
	if cfg.UnregisteredTEERetentionHours, err = intEnv("UNREGISTERED_TEE_RETENTION_HOURS", cfg.UnregisteredTEERetentionHours); err != nil {
		return Config{}, err
	}

	cfg.NatsURL = strEnv("NATS_URL", cfg.NatsURL)
	cfg.NatsChannel = strEnv("TEE_NATS_CHANNEL_NAME", cfg.NatsChannel)
	cfg.NatsPriorityChannel = strEnv("TEE_NATS_PRIORITY_CHANNEL", cfg.NatsPriorityChannel)
	cfg.MasaTEEAPI = strEnv("MASA_TEE_API", cfg.MasaTEEAPI)
	cfg.TelemetryResultWorkerAddress = strEnv("TELEMETRY_RESULT_WORKER_ADDRESS", cfg.TelemetryResultWorkerAddress)

	if wl := strEnv("MINER_WHITELIST", ""); wl != "" {
		for _, h := range strings.Split(wl, ",") {
			h = strings.TrimSpace(h)
			if h != "" {
				cfg.MinerWhitelist = append(cfg.MinerWhitelist, h)
			}
		}
	}

	cfg.DataDir = strEnv("VALIDATOR_DATA_DIR", cfg.DataDir)

	if cfg.SyncCadence, err = durationEnv("SYNC_CADENCE_SECONDS", cfg.SyncCadence); err != nil {
		return Config{}, err
	}
	if cfg.UpdateTEECadence, err = durationEnv("UPDATE_TEE_CADENCE_SECONDS", cfg.UpdateTEECadence); err != nil {
		return Config{}, err
	}
	if cfg.TelemetryCadence, err = durationEnv("TELEMETRY_CADENCE_SECONDS", cfg.TelemetryCadence); err != nil {
		return Config{}, err
	}
	if cfg.SetWeightsCadence, err = durationEnv("SET_WEIGHTS_CADENCE_SECONDS", cfg.SetWeightsCadence); err != nil {
		return Config{}, err
	}
	if cfg.MonitorCleanupCadence, err = durationEnv("MONITOR_CLEANUP_CADENCE_SECONDS", cfg.MonitorCleanupCadence); err != nil {
		return Config{}, err
	}
	if cfg.MonitorRetentionHours, err = intEnv("MONITOR_RETENTION_HOURS", cfg.MonitorRetentionHours); err != nil {
		return Config{}, err
	}
	if cfg.PriorityListSize, err = intEnv("PRIORITY_LIST_SIZE", cfg.PriorityListSize); err != nil {
		return Config{}, err
	}
	if v, err := intEnv("VERSION_KEY", int(cfg.VersionKey)); err != nil {
		return Config{}, err
	} else {
		cfg.VersionKey = uint64(v)
	}

	return cfg, nil
}

// RoutingStorePath, TelemetryStorePath and ErrorStorePath are the three
// sibling store files under DataDir, per spec.md §6's persisted state
// layout.
func (c Config) RoutingStorePath() string    { return c.DataDir + "/miner_tee_addresses.db" }
func (c Config) TelemetryStorePath() string  { return c.DataDir + "/telemetry_data.db" }
func (c Config) ErrorStorePath() string      { return c.DataDir + "/errors.db" }

// WhitelistHotkeys decodes MinerWhitelist's hex strings into types.Hotkey,
// skipping (and not failing startup on) any malformed entry.
func (c Config) WhitelistHotkeys() []types.Hotkey {
	out := make([]types.Hotkey, 0, len(c.MinerWhitelist))
	for _, raw := range c.MinerWhitelist {
		hk, err := types.HotkeyFromHex(raw)
		if err != nil {
			continue
		}
		out = append(out, hk)
	}
	return out
}

func strEnv(name, fallback string) string {
	if v, ok := os.LookupEnv(name); ok {
		return v
	}
	return fallback
}

func intEnv(name string, fallback int) (int, error) {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s=%q: %w", name, v, err)
	}
	return n, nil
}

func durationEnv(name string, fallback time.Duration) (time.Duration, error) {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return fallback, nil
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s=%q: %w", name, v, err)
	}
	return time.Duration(secs) * time.Second, nil
}
