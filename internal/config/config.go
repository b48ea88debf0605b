// Package config handles global configuration loading using viper.
package config

import "time"

// GlobalConfig is the top-level configuration. Maps to the `labcell:` root
// key in YAML.
type GlobalConfig struct {
	Control      ControlConfig      `mapstructure:"control"`
	Log          LogConfig          `mapstructure:"log"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
	DataDir      string             `mapstructure:"data_dir"`
	Robots       RobotsConfig       `mapstructure:"robots"`
	Breakers     BreakerConfig      `mapstructure:"breakers"`
	Locks        LockConfig         `mapstructure:"locks"`
	State        StateConfig        `mapstructure:"state"`
	Commands     CommandConfig      `mapstructure:"commands"`
	Wrapper      WrapperConfig      `mapstructure:"wrapper"`
	Protocols    ProtocolConfig     `mapstructure:"protocols"`
	Repository   RepositoryConfig   `mapstructure:"repository"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
}

// ControlConfig contains local control plane settings.
type ControlConfig struct {
	Socket  string `mapstructure:"socket"`
	PIDFile string `mapstructure:"pid_file"`
}

// LogConfig configures the global slog logger.
type LogConfig struct {
	Level  string          `mapstructure:"level"`  // debug | info | warn | error
	Format string          `mapstructure:"format"` // json | text
	File   FileOutputConfig `mapstructure:"file"`
}

// FileOutputConfig configures rotated file output.
type FileOutputConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	MaxBackups int    `mapstructure:"max_backups"`
	Compress   bool   `mapstructure:"compress"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
	Path    string `mapstructure:"path"`
}

// RobotsConfig groups per-robot hardware configuration.
type RobotsConfig struct {
	Meca    MecaConfig    `mapstructure:"meca"`
	OT2     OT2Config     `mapstructure:"ot2"`
	Wiper   WiperConfig   `mapstructure:"wiper"`
	Arduino ArduinoConfig `mapstructure:"arduino"`
}

// MecaConfig configures the 6-axis arm driver and its motion parameters.
type MecaConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	RobotID        string        `mapstructure:"robot_id"`
	IP             string        `mapstructure:"ip"`
	ControlPort    int           `mapstructure:"control_port"`
	MonitorPort    int           `mapstructure:"monitor_port"`
	BindInterface  string        `mapstructure:"bind_interface"` // route traffic via this NIC
	BindIP         string        `mapstructure:"bind_ip"`        // explicit local address; wins over bind_interface
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	CommandTimeout time.Duration `mapstructure:"command_timeout"`
	ReconnectDelay time.Duration `mapstructure:"reconnect_delay"` // settle delay inside force_reconnect
	Movement       MovementConfig `mapstructure:"movement"`
	Positions      PositionsConfig `mapstructure:"positions"`
	Offsets        map[string]map[string]float64 `mapstructure:"offsets"` // operation -> offset name -> value
}

// MovementConfig carries the arm speed/force parameters used by sequences.
type MovementConfig struct {
	Force      float64 `mapstructure:"force"`
	Accel      float64 `mapstructure:"acceleration"`
	Speed      float64 `mapstructure:"speed"`
	WaferSpeed float64 `mapstructure:"wafer_speed"`
	AlignSpeed float64 `mapstructure:"align_speed"`
	EntrySpeed float64 `mapstructure:"entry_speed"`
	EmptySpeed float64 `mapstructure:"empty_speed"`
	SpreadWait float64 `mapstructure:"spread_wait"` // seconds to wait at spreader
	GapWafers  float64 `mapstructure:"gap_wafers"`  // mm between tray slots
}

// PositionsConfig carries the taught base poses as flat coordinate lists.
type PositionsConfig struct {
	FirstWafer     []float64   `mapstructure:"first_wafer"`
	FirstBaking    []float64   `mapstructure:"first_baking"`
	Carousel       []float64   `mapstructure:"carousel"`
	SafePoint      []float64   `mapstructure:"safe_point"`
	CarouselSafe   []float64   `mapstructure:"carousel_safe"`
	TPhotogate     []float64   `mapstructure:"t_photogate"`
	CPhotogate     []float64   `mapstructure:"c_photogate"`
	GenDrop        [][]float64 `mapstructure:"gen_drop"` // spreader drop slots
}

// OT2Config configures the liquid handler REST client.
type OT2Config struct {
	Enabled            bool          `mapstructure:"enabled"`
	RobotID            string        `mapstructure:"robot_id"`
	IP                 string        `mapstructure:"ip"`
	Port               int           `mapstructure:"port"`
	APIVersion         string        `mapstructure:"api_version"`
	RequestTimeout     time.Duration `mapstructure:"request_timeout"`
	ConnectTimeout     time.Duration `mapstructure:"connect_timeout"`
	ProtocolDir        string        `mapstructure:"protocol_dir"`
	DefaultProtocol    string        `mapstructure:"default_protocol"`
	ExecutionTimeout   time.Duration `mapstructure:"execution_timeout"`
	MonitoringInterval time.Duration `mapstructure:"monitoring_interval"`
}

// WiperConfig configures the wiper device.
type WiperConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	RobotID        string        `mapstructure:"robot_id"`
	IP             string        `mapstructure:"ip"`
	Port           int           `mapstructure:"port"`
	CommandTimeout time.Duration `mapstructure:"command_timeout"`
	CycleTime      time.Duration `mapstructure:"cycle_time"`
}

// ArduinoConfig configures the ancillary Arduino controller.
type ArduinoConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	RobotID        string        `mapstructure:"robot_id"`
	IP             string        `mapstructure:"ip"`
	Port           int           `mapstructure:"port"`
	CommandTimeout time.Duration `mapstructure:"command_timeout"`
}

// BreakerConfig carries the default circuit breaker thresholds.
type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	RecoveryTimeout  time.Duration `mapstructure:"recovery_timeout"`
	HalfOpenMaxCalls int           `mapstructure:"half_open_max_calls"`
}

// LockConfig configures the resource lock manager.
type LockConfig struct {
	DefaultTimeout  time.Duration `mapstructure:"default_timeout"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

// StateConfig configures the state manager.
type StateConfig struct {
	MaxHistory       int           `mapstructure:"max_history"`
	StaleRobotTTL    time.Duration `mapstructure:"stale_robot_ttl"` // cleanup of disconnected robots
}

// CommandConfig configures the command service.
type CommandConfig struct {
	MaxConcurrent     int           `mapstructure:"max_concurrent"`
	DefaultMaxRetries int           `mapstructure:"default_max_retries"`
	DefaultTimeout    time.Duration `mapstructure:"default_timeout"`
	HistorySize       int           `mapstructure:"history_size"`
}

// WrapperConfig configures the per-robot async wrapper.
type WrapperConfig struct {
	StatusCacheTTL time.Duration `mapstructure:"status_cache_ttl"`
	BatchSize      int           `mapstructure:"batch_size"`
	BatchTimeout   time.Duration `mapstructure:"batch_timeout"`
	WorkerPoolSize int           `mapstructure:"worker_pool_size"`
}

// ProtocolConfig configures the protocol execution service.
type ProtocolConfig struct {
	Directory     string        `mapstructure:"directory"`
	StepTimeout   time.Duration `mapstructure:"step_timeout"`
	MaxStepRetries int          `mapstructure:"max_step_retries"`
}

// RepositoryConfig configures the persistence store and its archiver.
type RepositoryConfig struct {
	Path          string `mapstructure:"path"` // sqlite database file
	ArchiveDir    string `mapstructure:"archive_dir"`
	RetentionDays int    `mapstructure:"retention_days"`
	MaxCount      int    `mapstructure:"max_count"`
	DeleteBatch   int    `mapstructure:"delete_batch"`
}

// OrchestratorConfig configures the system-wide sweeps and estop behaviour.
type OrchestratorConfig struct {
	HealthCheckInterval   time.Duration `mapstructure:"health_check_interval"`
	StatusMonitorInterval time.Duration `mapstructure:"status_monitor_interval"`
	EstopTaskTimeout      time.Duration `mapstructure:"estop_task_timeout"`
}
