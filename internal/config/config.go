// Package config holds gpuqueued's configuration, assembled by a
// github.com/coder/serpent command from flags and environment variables,
// mirroring the nested-struct-with-defaults shape of the teacher's
// agentic.Config.
package config

import (
	"time"

	"github.com/coder/serpent"
)

// GPUConfig configures the GPU inventory probe.
type GPUConfig struct {
	NvidiaSMIPath   string `json:"nvidia_smi_path" yaml:"nvidia_smi_path"`
	EnableProcesses bool   `json:"enable_processes" yaml:"enable_processes"`
}

// HTTPConfig configures the REST façade.
type HTTPConfig struct {
	Listen             string        `json:"listen" yaml:"listen"`
	CORSAllowedOrigins []string      `json:"cors_allowed_origins" yaml:"cors_allowed_origins"`
	SubmitRateLimit    int64         `json:"submit_rate_limit" yaml:"submit_rate_limit"`
	SubmitRateWindow   time.Duration `json:"submit_rate_window" yaml:"submit_rate_window"`
}

// LogConfig configures the structured logger.
type LogConfig struct {
	Human    string `json:"human" yaml:"human"`
	FilePath string `json:"file_path" yaml:"file_path"`
}

// Config is the full gpuqueued configuration surface of SPEC_FULL.md §2/§6.
type Config struct {
	RuntimeRoot      string        `json:"runtime_root" yaml:"runtime_root"`
	PollInterval     time.Duration `json:"poll_interval" yaml:"poll_interval"`
	DefaultLogTail   int64         `json:"default_log_tail" yaml:"default_log_tail"`
	MaxLogTail       int64         `json:"max_log_tail" yaml:"max_log_tail"`
	ShellInitEnvVar  string        `json:"shell_init_env_var" yaml:"shell_init_env_var"`

	GPU  GPUConfig  `json:"gpu" yaml:"gpu"`
	HTTP HTTPConfig `json:"http" yaml:"http"`
	Log  LogConfig  `json:"log" yaml:"log"`
}

// Default returns a Config with the defaults spec.md §6 names explicitly
// (poll interval 2s, default log tail 100, cap 10000).
func Default() *Config {
	return &Config{
		RuntimeRoot:     "./gpuqueue-runtime",
		PollInterval:    2 * time.Second,
		DefaultLogTail:  100,
		MaxLogTail:      10000,
		ShellInitEnvVar: "GPUQUEUE_SHELL_INIT",
		GPU: GPUConfig{
			NvidiaSMIPath:   "nvidia-smi",
			EnableProcesses: false,
		},
		HTTP: HTTPConfig{
			Listen:           "127.0.0.1:8734",
			SubmitRateLimit:  10,
			SubmitRateWindow: time.Minute,
		},
		Log: LogConfig{Human: "stderr"},
	}
}

// ClampLogTail enforces 1 <= tail <= MaxLogTail, substituting
// DefaultLogTail for a non-positive request.
func (c *Config) ClampLogTail(tail int64) int64 {
	if tail <= 0 {
		tail = c.DefaultLogTail
	}
	if tail > c.MaxLogTail {
		tail = c.MaxLogTail
	}
	return tail
}

// Options returns the serpent.OptionSet that binds c's fields to flags and
// environment variables, for embedding into a serpent.Command.
func Options(c *Config) serpent.OptionSet {
	return serpent.OptionSet{
		{
			Name:        "Runtime Root",
			Description: "Directory holding the task store, lock file, and per-task work trees.",
			Flag:        "runtime-root",
			Env:         "GPUQUEUE_RUNTIME_ROOT",
			Default:     c.RuntimeRoot,
			Value:       serpent.StringOf(&c.RuntimeRoot),
		},
		{
			Name:        "Poll Interval",
			Description: "Interval between scheduling ticks.",
			Flag:        "poll-interval",
			Env:         "GPUQUEUE_POLL_INTERVAL",
			Default:     c.PollInterval.String(),
			Value:       serpent.DurationOf(&c.PollInterval),
		},
		{
			Name:        "Default Log Tail",
			Description: "Number of log lines returned when a logs request omits tail.",
			Flag:        "default-log-tail",
			Env:         "GPUQUEUE_DEFAULT_LOG_TAIL",
			Default:     "100",
			Value:       serpent.Int64Of(&c.DefaultLogTail),
		},
		{
			Name:        "Max Log Tail",
			Description: "Hard cap on the number of log lines a logs request may return.",
			Flag:        "max-log-tail",
			Env:         "GPUQUEUE_MAX_LOG_TAIL",
			Default:     "10000",
			Value:       serpent.Int64Of(&c.MaxLogTail),
		},
		{
			Name:        "Shell Init Env Var",
			Description: "Name of an environment variable naming a shell initializer to source before user commands.",
			Flag:        "shell-init-env-var",
			Env:         "GPUQUEUE_SHELL_INIT_ENV_VAR",
			Default:     c.ShellInitEnvVar,
			Value:       serpent.StringOf(&c.ShellInitEnvVar),
		},
		{
			Name:        "NVIDIA-SMI Path",
			Description: "Path to the nvidia-smi binary used by the GPU probe.",
			Flag:        "nvidia-smi-path",
			Env:         "GPUQUEUE_NVIDIA_SMI_PATH",
			Default:     c.GPU.NvidiaSMIPath,
			Value:       serpent.StringOf(&c.GPU.NvidiaSMIPath),
		},
		{
			Name:        "Enable GPU Process Listing",
			Description: "Also query per-GPU compute process PIDs (two more nvidia-smi calls per snapshot).",
			Flag:        "enable-gpu-processes",
			Env:         "GPUQUEUE_ENABLE_GPU_PROCESSES",
			Default:     "false",
			Value:       serpent.BoolOf(&c.GPU.EnableProcesses),
		},
		{
			Name:        "HTTP Listen Address",
			Description: "Address the REST façade listens on.",
			Flag:        "http-listen",
			Env:         "GPUQUEUE_HTTP_LISTEN",
			Default:     c.HTTP.Listen,
			Value:       serpent.StringOf(&c.HTTP.Listen),
		},
		{
			Name:        "CORS Allowed Origins",
			Description: "Origins permitted to call the REST façade from a browser.",
			Flag:        "cors-allowed-origin",
			Env:         "GPUQUEUE_CORS_ALLOWED_ORIGINS",
			Default:     "",
			Value:       serpent.StringArrayOf(&c.HTTP.CORSAllowedOrigins),
		},
		{
			Name:        "Submit Rate Limit",
			Description: "Maximum POST /tasks requests per client IP per rate window.",
			Flag:        "submit-rate-limit",
			Env:         "GPUQUEUE_SUBMIT_RATE_LIMIT",
			Default:     "10",
			Value:       serpent.Int64Of(&c.HTTP.SubmitRateLimit),
		},
		{
			Name:        "Submit Rate Window",
			Description: "Window over which Submit Rate Limit is enforced.",
			Flag:        "submit-rate-window",
			Env:         "GPUQUEUE_SUBMIT_RATE_WINDOW",
			Default:     c.HTTP.SubmitRateWindow.String(),
			Value:       serpent.DurationOf(&c.HTTP.SubmitRateWindow),
		},
		{
			Name:        "Log File",
			Description: "If set, structured logs are also written here, rotated with lumberjack.",
			Flag:        "log-file",
			Env:         "GPUQUEUE_LOG_FILE",
			Default:     "",
			Value:       serpent.StringOf(&c.Log.FilePath),
		},
	}
}
