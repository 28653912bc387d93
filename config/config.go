// Package config loads engine configuration from flags, environment, and an
// optional config file, grounded on the spf13/viper + spf13/pflag pairing
// carried by the example corpus's node configuration.
package config

import (
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/hkadayam/HomeReplication/storageiface"
)

// Config holds the engine-wide settings, selecting between the
// "home"/"jungle"/"file" engine and log-store backends, plus the knobs this
// module's own components expose.
type Config struct {
	EngineBackend    storageiface.EngineBackend
	LogStoreBackend  storageiface.LogStoreBackend
	PbaFetchTimeout  time.Duration
	CommitQueueDepth int
	MetricsListen    string
}

// Defaults returns the engine's out-of-the-box configuration.
func Defaults() Config {
	return Config{
		EngineBackend:    storageiface.EngineMem,
		LogStoreBackend:  storageiface.LogStoreHome,
		PbaFetchTimeout:  5 * time.Second,
		CommitQueueDepth: 1024,
		MetricsListen:    ":9090",
	}
}

// RegisterFlags adds this module's flags to fs, under the given viper
// instance so environment variables and a config file can also supply them.
func RegisterFlags(fs *pflag.FlagSet, v *viper.Viper) {
	fs.String("engine-backend", "mem", "storage engine backend: home, jungle, file, or mem")
	fs.String("log-store-backend", "home", "free pba journal / consensus log store backend: home or jungle")
	fs.Duration("pba-fetch-timeout", 5*time.Second, "PbaResolver remote fetch timeout")
	fs.Int("commit-queue-depth", 1024, "buffered depth of the per-replica-set commit queue")
	fs.String("metrics-listen", ":9090", "address the Prometheus metrics endpoint listens on")

	v.BindPFlags(fs)
	v.SetEnvPrefix("HOMEREPLICATION")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
}

// Load reads v's bound flags/env/file into a Config, resolving the backend
// enum strings to their storageiface values.
func Load(v *viper.Viper) (Config, error) {
	cfg := Defaults()
	cfg.PbaFetchTimeout = v.GetDuration("pba-fetch-timeout")
	cfg.CommitQueueDepth = v.GetInt("commit-queue-depth")
	cfg.MetricsListen = v.GetString("metrics-listen")

	backend, err := parseEngineBackend(v.GetString("engine-backend"))
	if err != nil {
		return Config{}, err
	}
	cfg.EngineBackend = backend

	logBackend, err := parseLogStoreBackend(v.GetString("log-store-backend"))
	if err != nil {
		return Config{}, err
	}
	cfg.LogStoreBackend = logBackend

	return cfg, nil
}

func parseEngineBackend(s string) (storageiface.EngineBackend, error) {
	switch strings.ToLower(s) {
	case "home":
		return storageiface.EngineHome, nil
	case "jungle":
		return storageiface.EngineJungle, nil
	case "file":
		return storageiface.EngineFile, nil
	case "mem", "":
		return storageiface.EngineMem, nil
	default:
		return 0, &unknownBackendError{kind: "engine", value: s}
	}
}

func parseLogStoreBackend(s string) (storageiface.LogStoreBackend, error) {
	switch strings.ToLower(s) {
	case "home", "":
		return storageiface.LogStoreHome, nil
	case "jungle":
		return storageiface.LogStoreJungle, nil
	default:
		return 0, &unknownBackendError{kind: "log store", value: s}
	}
}

type unknownBackendError struct {
	kind, value string
}

func (e *unknownBackendError) Error() string {
	return "unknown " + e.kind + " backend: " + e.value
}
