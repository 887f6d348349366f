// Package config loads dagsched's service configuration with Viper
// (env vars + an optional file) and watches the file for hot-reloadable
// knobs via fsnotify, following the teacher pack's cobra+viper CLI
// convention.
package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/swarmguard/dagsched/internal/scheduler"
)

// Config is the full set of service knobs: the scheduler's tuning
// parameters plus the ambient stack's wiring.
type Config struct {
	Scheduler scheduler.Config

	ServiceName string
	LogJSON     bool

	HTTPAddr string

	RedisAddr       string
	NATSURL         string
	BlockStoreDir   string
	BlockStoreShards int
	JobHistoryPath  string
	PolicyDir       string

	MaintenanceStaleAfter       time.Duration
	MaintenanceHistoryRetention time.Duration

	TaskRunnerWorkers int
}

func defaults() Config {
	return Config{
		Scheduler:                   scheduler.DefaultConfig(),
		ServiceName:                 "dagsched",
		LogJSON:                     false,
		HTTPAddr:                    ":8080",
		RedisAddr:                   "localhost:6379",
		NATSURL:                     "nats://localhost:4222",
		BlockStoreDir:               "./data/blocks",
		BlockStoreShards:            4,
		JobHistoryPath:              "./data/jobhistory.db",
		PolicyDir:                   "",
		MaintenanceStaleAfter:       2 * time.Minute,
		MaintenanceHistoryRetention: 7 * 24 * time.Hour,
		TaskRunnerWorkers:           8,
	}
}

// Load reads configuration from (in ascending priority) built-in defaults,
// an optional file at path, and DAGSCHED_-prefixed environment variables.
func Load(path string) (Config, error) {
	cfg := defaults()

	v := viper.New()
	v.SetEnvPrefix("dagsched")
	v.AutomaticEnv()
	bindDefaults(v, cfg)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	if err := apply(v, &cfg); err != nil {
		return cfg, fmt.Errorf("apply config: %w", err)
	}
	return cfg, nil
}

// Watch reloads the whole Config whenever path is written or created,
// invoking onReload with the freshly loaded Config; which fields to apply
// at runtime is up to onReload. A failed reload is passed to onReload as a
// zero Config plus the error. Errors from the watcher itself are only
// logged.
func Watch(path string, log *slog.Logger, onReload func(Config, error)) (stop func(), err error) {
	if log == nil {
		log = slog.Default()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return func() {}, fmt.Errorf("new fsnotify watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return func() {}, fmt.Errorf("watch %s: %w", path, err)
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				cfg, err := Load(path)
				if err != nil {
					log.Warn("config reload failed", slog.Any("error", err))
					onReload(Config{}, err)
					continue
				}
				onReload(cfg, nil)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn("config watcher error", slog.Any("error", err))
			}
		}
	}()

	return func() {
		close(done)
		watcher.Close()
	}, nil
}

func bindDefaults(v *viper.Viper, cfg Config) {
	v.SetDefault("service_name", cfg.ServiceName)
	v.SetDefault("log_json", cfg.LogJSON)
	v.SetDefault("http_addr", cfg.HTTPAddr)
	v.SetDefault("redis_addr", cfg.RedisAddr)
	v.SetDefault("nats_url", cfg.NATSURL)
	v.SetDefault("block_store_dir", cfg.BlockStoreDir)
	v.SetDefault("block_store_shards", cfg.BlockStoreShards)
	v.SetDefault("job_history_path", cfg.JobHistoryPath)
	v.SetDefault("policy_dir", cfg.PolicyDir)
	v.SetDefault("maintenance_stale_after", cfg.MaintenanceStaleAfter)
	v.SetDefault("maintenance_history_retention", cfg.MaintenanceHistoryRetention)
	v.SetDefault("task_runner_workers", cfg.TaskRunnerWorkers)

	v.SetDefault("shuffle_reduce_locality_enabled", cfg.Scheduler.ShuffleReduceLocalityEnabled)
	v.SetDefault("shuffle_pref_map_threshold", cfg.Scheduler.ShufflePrefMapThreshold)
	v.SetDefault("shuffle_pref_reduce_threshold", cfg.Scheduler.ShufflePrefReduceThreshold)
	v.SetDefault("reducer_pref_locs_fraction", cfg.Scheduler.ReducerPrefLocsFraction)
	v.SetDefault("resubmit_timeout", cfg.Scheduler.ResubmitTimeout)
	v.SetDefault("starvation_warning_interval", cfg.Scheduler.StarvationWarningInterval)
}

func apply(v *viper.Viper, cfg *Config) error {
	cfg.ServiceName = v.GetString("service_name")
	cfg.LogJSON = v.GetBool("log_json")
	cfg.HTTPAddr = v.GetString("http_addr")
	cfg.RedisAddr = v.GetString("redis_addr")
	cfg.NATSURL = v.GetString("nats_url")
	cfg.BlockStoreDir = v.GetString("block_store_dir")
	cfg.BlockStoreShards = v.GetInt("block_store_shards")
	cfg.JobHistoryPath = v.GetString("job_history_path")
	cfg.PolicyDir = v.GetString("policy_dir")
	cfg.MaintenanceStaleAfter = v.GetDuration("maintenance_stale_after")
	cfg.MaintenanceHistoryRetention = v.GetDuration("maintenance_history_retention")
	cfg.TaskRunnerWorkers = v.GetInt("task_runner_workers")

	cfg.Scheduler.ShuffleReduceLocalityEnabled = v.GetBool("shuffle_reduce_locality_enabled")
	cfg.Scheduler.ShufflePrefMapThreshold = v.GetInt("shuffle_pref_map_threshold")
	cfg.Scheduler.ShufflePrefReduceThreshold = v.GetInt("shuffle_pref_reduce_threshold")
	cfg.Scheduler.ReducerPrefLocsFraction = v.GetFloat64("reducer_pref_locs_fraction")
	cfg.Scheduler.ResubmitTimeout = v.GetDuration("resubmit_timeout")
	cfg.Scheduler.StarvationWarningInterval = v.GetDuration("starvation_warning_interval")
	return nil
}
