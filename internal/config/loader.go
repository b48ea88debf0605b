package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"icc.tech/labcell/internal/core"
)

type configRoot struct {
	Labcell GlobalConfig `mapstructure:"labcell"`
}

// Load loads configuration from file. The YAML file uses `labcell:` as root
// key; env vars override with the LABCELL_ prefix (e.g. LABCELL_LOG_LEVEL).
func Load(path string) (*GlobalConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return nil, core.NewConfigurationError("failed to read config file", err)
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	var root configRoot
	if err := v.Unmarshal(&root); err != nil {
		return nil, core.NewConfigurationError("failed to unmarshal config", err)
	}
	cfg := root.Labcell

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// setDefaults sets default values. All keys use the "labcell." prefix to
// match the YAML root wrapper.
func setDefaults(v *viper.Viper) {
	v.SetDefault("labcell.control.socket", "/var/run/labcell.sock")
	v.SetDefault("labcell.control.pid_file", "/var/run/labcell.pid")
	v.SetDefault("labcell.data_dir", "/var/lib/labcell")

	v.SetDefault("labcell.log.level", "info")
	v.SetDefault("labcell.log.format", "json")
	v.SetDefault("labcell.log.file.enabled", false)
	v.SetDefault("labcell.log.file.path", "/var/log/labcell/labcell.log")
	v.SetDefault("labcell.log.file.max_size_mb", 100)
	v.SetDefault("labcell.log.file.max_age_days", 30)
	v.SetDefault("labcell.log.file.max_backups", 5)
	v.SetDefault("labcell.log.file.compress", true)

	v.SetDefault("labcell.metrics.enabled", true)
	v.SetDefault("labcell.metrics.listen", ":9094")
	v.SetDefault("labcell.metrics.path", "/metrics")

	v.SetDefault("labcell.robots.meca.robot_id", "meca")
	v.SetDefault("labcell.robots.meca.control_port", 10000)
	v.SetDefault("labcell.robots.meca.monitor_port", 10001)
	v.SetDefault("labcell.robots.meca.connect_timeout", "10s")
	v.SetDefault("labcell.robots.meca.command_timeout", "30s")
	v.SetDefault("labcell.robots.meca.reconnect_delay", "2s")
	v.SetDefault("labcell.robots.meca.movement.force", 100)
	v.SetDefault("labcell.robots.meca.movement.acceleration", 50)
	v.SetDefault("labcell.robots.meca.movement.speed", 35)
	v.SetDefault("labcell.robots.meca.movement.wafer_speed", 35)
	v.SetDefault("labcell.robots.meca.movement.align_speed", 20)
	v.SetDefault("labcell.robots.meca.movement.entry_speed", 15)
	v.SetDefault("labcell.robots.meca.movement.empty_speed", 50)
	v.SetDefault("labcell.robots.meca.movement.spread_wait", 25)
	v.SetDefault("labcell.robots.meca.movement.gap_wafers", 2.7)

	v.SetDefault("labcell.robots.ot2.robot_id", "ot2")
	v.SetDefault("labcell.robots.ot2.port", 31950)
	v.SetDefault("labcell.robots.ot2.api_version", "4")
	v.SetDefault("labcell.robots.ot2.request_timeout", "30s")
	v.SetDefault("labcell.robots.ot2.connect_timeout", "10s")
	v.SetDefault("labcell.robots.ot2.protocol_dir", "protocols")
	v.SetDefault("labcell.robots.ot2.execution_timeout", "1h")
	v.SetDefault("labcell.robots.ot2.monitoring_interval", "2s")

	v.SetDefault("labcell.robots.wiper.robot_id", "wiper")
	v.SetDefault("labcell.robots.wiper.command_timeout", "10s")
	v.SetDefault("labcell.robots.wiper.cycle_time", "5s")

	v.SetDefault("labcell.robots.arduino.robot_id", "arduino")
	v.SetDefault("labcell.robots.arduino.command_timeout", "5s")

	v.SetDefault("labcell.breakers.failure_threshold", 5)
	v.SetDefault("labcell.breakers.recovery_timeout", "30s")
	v.SetDefault("labcell.breakers.half_open_max_calls", 3)

	v.SetDefault("labcell.locks.default_timeout", "30s")
	v.SetDefault("labcell.locks.cleanup_interval", "1m")

	v.SetDefault("labcell.state.max_history", 1000)
	v.SetDefault("labcell.state.stale_robot_ttl", "24h")

	v.SetDefault("labcell.commands.max_concurrent", 10)
	v.SetDefault("labcell.commands.default_max_retries", 3)
	v.SetDefault("labcell.commands.default_timeout", "5m")
	v.SetDefault("labcell.commands.history_size", 1000)

	v.SetDefault("labcell.wrapper.status_cache_ttl", "1s")
	v.SetDefault("labcell.wrapper.batch_size", 5)
	v.SetDefault("labcell.wrapper.batch_timeout", "500ms")
	v.SetDefault("labcell.wrapper.worker_pool_size", 4)

	v.SetDefault("labcell.protocols.directory", "protocols")
	v.SetDefault("labcell.protocols.step_timeout", "10m")
	v.SetDefault("labcell.protocols.max_step_retries", 2)

	v.SetDefault("labcell.repository.path", "/var/lib/labcell/labcell.db")
	v.SetDefault("labcell.repository.archive_dir", "/var/lib/labcell/archive")
	v.SetDefault("labcell.repository.retention_days", 90)
	v.SetDefault("labcell.repository.max_count", 100000)
	v.SetDefault("labcell.repository.delete_batch", 500)

	v.SetDefault("labcell.orchestrator.health_check_interval", "30s")
	v.SetDefault("labcell.orchestrator.status_monitor_interval", "10s")
	v.SetDefault("labcell.orchestrator.estop_task_timeout", "2s")
}

// Validate checks the loaded configuration for inconsistencies that would
// make the daemon unsafe to start.
func (cfg *GlobalConfig) Validate() error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Log.Level] {
		return core.NewConfigurationError(
			fmt.Sprintf("invalid log level %q (must be debug/info/warn/error)", cfg.Log.Level), nil)
	}
	if cfg.Log.Format != "json" && cfg.Log.Format != "text" {
		return core.NewConfigurationError(
			fmt.Sprintf("invalid log format %q (must be json/text)", cfg.Log.Format), nil)
	}

	if cfg.Robots.Meca.Enabled {
		if cfg.Robots.Meca.IP == "" {
			return core.NewConfigurationError("robots.meca.ip is required when the arm is enabled", nil)
		}
		if cfg.Robots.Meca.ControlPort == cfg.Robots.Meca.MonitorPort {
			return core.NewConfigurationError("robots.meca control and monitor ports must differ", nil)
		}
		if err := validatePose("robots.meca.positions.first_wafer", cfg.Robots.Meca.Positions.FirstWafer); err != nil {
			return err
		}
		if err := validatePose("robots.meca.positions.safe_point", cfg.Robots.Meca.Positions.SafePoint); err != nil {
			return err
		}
	}
	if cfg.Robots.OT2.Enabled && cfg.Robots.OT2.IP == "" {
		return core.NewConfigurationError("robots.ot2.ip is required when the liquid handler is enabled", nil)
	}

	if cfg.Breakers.FailureThreshold < 1 {
		return core.NewConfigurationError("breakers.failure_threshold must be >= 1", nil)
	}
	if cfg.Breakers.HalfOpenMaxCalls < 1 {
		return core.NewConfigurationError("breakers.half_open_max_calls must be >= 1", nil)
	}
	if cfg.Commands.MaxConcurrent < 1 {
		return core.NewConfigurationError("commands.max_concurrent must be >= 1", nil)
	}
	if cfg.State.MaxHistory < 1 {
		return core.NewConfigurationError("state.max_history must be >= 1", nil)
	}
	return nil
}

func validatePose(key string, pose []float64) error {
	if len(pose) == 0 {
		return nil // fall back to built-in taught pose
	}
	if len(pose) != 6 {
		return core.NewConfigurationError(
			fmt.Sprintf("%s must have exactly 6 coordinates, got %d", key, len(pose)), nil)
	}
	return nil
}
