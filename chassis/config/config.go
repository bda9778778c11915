package config

import (
	"errors"
	"fmt"
	"io/ioutil"
	"os"

	"gopkg.in/yaml.v2"
)

// AppConfig ...
type AppConfig struct {
	Pool struct {
		Devices               []string `yaml:"devices"`
		MaxConcurrent         int      `yaml:"maxConcurrent"`
		AdmissionTimeoutSec   int      `yaml:"admissionTimeoutSec"`
		HealthIntervalSec     int      `yaml:"healthIntervalSec"`
		QuarantineCooldownSec int      `yaml:"quarantineCooldownSec"`
		MaxHealthFailures     int      `yaml:"maxHealthFailures"`
	}
	Stages struct {
		StageTimeoutSec     int `yaml:"stageTimeoutSec"`
		MaxRetries          int `yaml:"maxRetries"`
		StuckCeiling        int `yaml:"stuckCeiling"`
		CodePollIntervalSec int `yaml:"codePollIntervalSec"`
		CodeWaitBudgetSec   int `yaml:"codeWaitBudgetSec"`
	}
	Attempt struct {
		GlobalTimeoutSec int `yaml:"globalTimeoutSec"`
		ArchiveTTLSec    int `yaml:"archiveTTLSec"`
	}
	Provider struct {
		Country       string  `yaml:"country"`
		FaultRate     float64 `yaml:"faultRate"`
		CodeAfterPoll int     `yaml:"codeAfterPoll"`
	}
	AWS struct {
		Region             string `yaml:"region"`
		CredentialsFile    string `yaml:"credentialsFile"`
		CredentialsProfile string `yaml:"credentialsProfile"`
	}
	Sink struct {
		Kind     string `yaml:"kind"` // postgres, queue or log
		DSN      string `yaml:"dsn"`
		Queuedst struct {
			Name    string `yaml:"name"`
			URL     string `yaml:"url"`
			Retries int    `yaml:"readRetries"`
		}
	}
	Intake struct {
		Enabled  bool `yaml:"enabled"`
		Queuesrc struct {
			Name    string `yaml:"name"`
			URL     string `yaml:"url"`
			Retries int    `yaml:"readRetries"`
		}
		Workers int `yaml:"workers"`
	}
	API struct {
		Addr string `yaml:"addr"`
	}
	LogLevel string `yaml:"loglevel"`
}

// Read ...
func Read() (*AppConfig, error) {
	filename := os.Getenv("CFG_PATH")
	cfg := &AppConfig{}
	buff, err := ioutil.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	err = yaml.Unmarshal(buff, cfg)
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (cfg *AppConfig) applyDefaults() {
	if cfg.Pool.MaxConcurrent == 0 {
		cfg.Pool.MaxConcurrent = len(cfg.Pool.Devices)
	}
	if cfg.Pool.AdmissionTimeoutSec == 0 {
		cfg.Pool.AdmissionTimeoutSec = 120
	}
	if cfg.Pool.HealthIntervalSec == 0 {
		cfg.Pool.HealthIntervalSec = 30
	}
	if cfg.Pool.QuarantineCooldownSec == 0 {
		cfg.Pool.QuarantineCooldownSec = 120
	}
	if cfg.Pool.MaxHealthFailures == 0 {
		cfg.Pool.MaxHealthFailures = 3
	}
	if cfg.Stages.StageTimeoutSec == 0 {
		cfg.Stages.StageTimeoutSec = 60
	}
	if cfg.Stages.MaxRetries == 0 {
		cfg.Stages.MaxRetries = 3
	}
	if cfg.Stages.StuckCeiling == 0 {
		cfg.Stages.StuckCeiling = 5
	}
	if cfg.Stages.CodePollIntervalSec == 0 {
		cfg.Stages.CodePollIntervalSec = 10
	}
	if cfg.Stages.CodeWaitBudgetSec == 0 {
		cfg.Stages.CodeWaitBudgetSec = 300
	}
	if cfg.Attempt.GlobalTimeoutSec == 0 {
		cfg.Attempt.GlobalTimeoutSec = 900
	}
	if cfg.Attempt.ArchiveTTLSec == 0 {
		cfg.Attempt.ArchiveTTLSec = 3600
	}
	if cfg.Provider.Country == "" {
		cfg.Provider.Country = "US"
	}
	if cfg.Sink.Kind == "" {
		cfg.Sink.Kind = "log"
	}
	if cfg.Intake.Workers == 0 {
		cfg.Intake.Workers = 1
	}
	if cfg.API.Addr == "" {
		cfg.API.Addr = ":2112"
	}
}

// Validate reports operator errors before any attempt runs.
func (cfg *AppConfig) Validate() error {
	if len(cfg.Pool.Devices) == 0 {
		return errors.New("pool: no devices configured")
	}
	if cfg.Pool.MaxConcurrent > len(cfg.Pool.Devices) {
		return fmt.Errorf("pool: maxConcurrent %d exceeds pool size %d", cfg.Pool.MaxConcurrent, len(cfg.Pool.Devices))
	}
	if cfg.Pool.MaxConcurrent < 1 {
		return errors.New("pool: maxConcurrent must be positive")
	}
	if cfg.Attempt.GlobalTimeoutSec <= cfg.Stages.StageTimeoutSec {
		return errors.New("attempt: globalTimeoutSec must exceed a single stage timeout")
	}
	if cfg.Stages.CodePollIntervalSec > cfg.Stages.CodeWaitBudgetSec {
		return errors.New("stages: codePollIntervalSec exceeds codeWaitBudgetSec")
	}
	switch cfg.Sink.Kind {
	case "postgres":
		if cfg.Sink.DSN == "" {
			return errors.New("sink: postgres sink requires dsn")
		}
	case "queue":
		if cfg.Sink.Queuedst.URL == "" {
			return errors.New("sink: queue sink requires queue url")
		}
	case "log":
	default:
		return fmt.Errorf("sink: unknown kind %q", cfg.Sink.Kind)
	}
	if cfg.Intake.Enabled && cfg.Intake.Queuesrc.URL == "" {
		return errors.New("intake: enabled without queue url")
	}
	return nil
}
