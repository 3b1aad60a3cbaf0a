package main

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	onboard "github.com/goliatone/go-onboarding"
	"github.com/goliatone/go-onboarding/pkg/state"
)

// config is resolved from flags, ONBOARD_* environment variables and an
// optional config file, in that order of precedence.
type config struct {
	Backend string
	Token   string
	State   string
	Rules   string
	Step    int
	Verbose bool
	Addr    string
}

func bindFlags(cmd *cobra.Command, v *viper.Viper) error {
	flags := cmd.PersistentFlags()
	flags.String("backend", "http://localhost:8080/api", "onboarding API base url")
	flags.String("token", "", "bearer token sent to the backend")
	flags.String("state", "onboarding.db", "progress store: memory, a .db/.sqlite file or a directory")
	flags.String("rules", "", "YAML file with step rules")
	flags.Int("step", 0, "1-based step to open, overriding stored progress")
	flags.BoolP("verbose", "v", false, "debug logging")
	flags.String("config", "", "config file")

	v.SetEnvPrefix("ONBOARD")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	for _, name := range []string{"backend", "token", "state", "rules", "step", "verbose", "config"} {
		if err := v.BindPFlag(name, flags.Lookup(name)); err != nil {
			return fmt.Errorf("bind flag %s: %w", name, err)
		}
	}
	return nil
}

func loadConfig(v *viper.Viper) (config, error) {
	if file := v.GetString("config"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return config{}, fmt.Errorf("read config %s: %w", file, err)
		}
	}
	cfg := config{
		Backend: v.GetString("backend"),
		Token:   v.GetString("token"),
		State:   v.GetString("state"),
		Rules:   v.GetString("rules"),
		Step:    v.GetInt("step"),
		Verbose: v.GetBool("verbose"),
		Addr:    v.GetString("addr"),
	}
	if cfg.Backend == "" {
		return config{}, fmt.Errorf("backend url required")
	}
	return cfg, nil
}

func newLogger(verbose bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.OutputPaths = []string{"stderr"}
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	} else {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	}
	return cfg.Build()
}

// storeCloser is a Storage that may hold resources.
type storeCloser interface {
	onboard.Storage
	Close() error
}

type nopCloser struct {
	onboard.Storage
}

func (nopCloser) Close() error { return nil }

func openStore(location string) (storeCloser, error) {
	switch {
	case location == "" || location == "memory":
		return nopCloser{state.NewMemoryStore()}, nil
	case isSQLitePath(location):
		store, err := state.OpenSQLite(location)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		store, err := state.NewFileStore(location)
		if err != nil {
			return nil, err
		}
		return nopCloser{store}, nil
	}
}

func isSQLitePath(location string) bool {
	switch strings.ToLower(filepath.Ext(location)) {
	case ".db", ".sqlite", ".sqlite3":
		return true
	default:
		return false
	}
}

func loadValidators(path string, logger onboard.Logger) (onboard.Validators, error) {
	if path == "" {
		return onboard.DefaultValidators(), nil
	}
	rules, err := onboard.LoadRulesFile(path)
	if err != nil {
		return nil, err
	}
	return rules.Apply(onboard.DefaultValidators(),
		onboard.WithRuleLogger(onboard.NewEvaluatorLogger(logger)),
	)
}
