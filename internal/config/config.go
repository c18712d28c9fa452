// ============================================================================
// Buildd Config - 系統設定
// ============================================================================
//
// Package: internal/config
// File: config.go
// Purpose: YAML 設定檔載入、預設值、環境變數覆寫與驗證
//
// 載入順序:
//   1. Default() 建立預設值 (沿用舊版 buildd 的預設)
//   2. YAML 檔覆寫 (gopkg.in/yaml.v3)
//   3. env 檔 (godotenv) 與 BUILDD_* 環境變數覆寫連線設定
//   4. Validate() 檢查致命錯誤：設定無效、沒有 authority 連線資訊、沒有 slot
//
// ============================================================================

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

var (
	ErrNoAuthority = errors.New("config: no authority connection information")
	ErrNoSlots     = errors.New("config: no worker slots configured")
	ErrInvalid     = errors.New("config: invalid configuration")
)

// BackoffMode enumerates retry backoff strategies.
type BackoffMode string

const (
	BackoffFixed       BackoffMode = "fixed"
	BackoffLinear      BackoffMode = "linear"
	BackoffExponential BackoffMode = "exponential"
)

// Config 完整的系統設定
type Config struct {
	Builder struct {
		Hostname                string `yaml:"hostname"`
		MaintainerEmailTemplate string `yaml:"maintainer_email_template"`
	} `yaml:"builder"`

	Authority struct {
		SSHPath    string        `yaml:"ssh_path"`
		SSHUser    string        `yaml:"ssh_user"`
		SSHSocket  string        `yaml:"ssh_socket"`
		SSHHost    string        `yaml:"ssh_host"`
		APIVersion int           `yaml:"api_version"`
		Timeout    time.Duration `yaml:"timeout"`
	} `yaml:"authority"`

	Distributions []string `yaml:"distributions"`

	Slots []SlotConfig `yaml:"slots"`

	Dispatch struct {
		IdleSleep         time.Duration  `yaml:"idle_sleep"`
		Lookahead         int            `yaml:"lookahead"`
		DrainGrace        time.Duration  `yaml:"drain_grace"`
		CancelGrace       time.Duration  `yaml:"cancel_grace"`
		MaxCandidates     int            `yaml:"max_candidates"`
		PriorityOverrides map[string]int `yaml:"priority_overrides"`
	} `yaml:"dispatch"`

	Build struct {
		Timeout            time.Duration `yaml:"timeout"`
		BuildRoot          string        `yaml:"build_root"`
		SbuildPath         string        `yaml:"sbuild_path"`
		GPGPath            string        `yaml:"gpg_path"`
		Parallel           int           `yaml:"parallel"`
		DepWaitPatterns    []string      `yaml:"depwait_patterns"`
		PermanentExitCodes []int         `yaml:"permanent_exit_codes"`
		LogTailBytes       int           `yaml:"log_tail_bytes"`
	} `yaml:"build"`

	Retry struct {
		MaxLocalRetries int           `yaml:"max_local_retries"`
		Report          BackoffConfig `yaml:"report"`
	} `yaml:"retry"`

	Upload struct {
		DuploadPath string            `yaml:"dupload_path"`
		Targets     map[string]string `yaml:"targets"`
		Attempts    int               `yaml:"attempts"`
		Wait        time.Duration     `yaml:"wait"`
	} `yaml:"upload"`

	State struct {
		Dir              string        `yaml:"dir"`
		SnapshotInterval time.Duration `yaml:"snapshot_interval"`
		ReplayInterval   time.Duration `yaml:"replay_interval"`
		KeyCheckInterval time.Duration `yaml:"key_check_interval"`
		ReplayRetention  time.Duration `yaml:"replay_retention"`
		DrainFile        string        `yaml:"drain_file"`
	} `yaml:"state"`

	Provisioner struct {
		CheckCommand  []string      `yaml:"check_command"`
		RepairCommand []string      `yaml:"repair_command"`
		ResetCommand  []string      `yaml:"reset_command"`
		RepairBackoff BackoffConfig `yaml:"repair_backoff"`
	} `yaml:"provisioner"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	Control struct {
		Address string `yaml:"address"`
	} `yaml:"control"`

	Events struct {
		NATSURL string `yaml:"nats_url"`
		Subject string `yaml:"subject"`
	} `yaml:"events"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
}

// SlotConfig 一個建置 slot：一種架構、一個 chroot/backend
type SlotConfig struct {
	ID      string `yaml:"id"`
	Arch    string `yaml:"arch"`
	Backend string `yaml:"backend"`
}

// BackoffConfig raw retry policy fields.
type BackoffConfig struct {
	Mode       BackoffMode   `yaml:"mode"`
	Initial    time.Duration `yaml:"initial"`
	Max        time.Duration `yaml:"max"`
	MaxRetries int           `yaml:"max_retries"`
}

// Default 回傳預設設定
func Default() *Config {
	cfg := &Config{}
	cfg.Builder.MaintainerEmailTemplate = "{{.Arch}} Build Daemon ({{.ShortHostname}}) <{{.KeyEmail}}>"

	cfg.Authority.SSHPath = "ssh"
	cfg.Authority.SSHUser = "wb-buildd"
	cfg.Authority.SSHSocket = "buildd.debian.org.ssh"
	cfg.Authority.SSHHost = "buildd.debian.org"
	cfg.Authority.APIVersion = 2
	cfg.Authority.Timeout = 2 * time.Minute

	cfg.Distributions = []string{"any"}

	cfg.Dispatch.IdleSleep = 60 * time.Second
	cfg.Dispatch.DrainGrace = 6 * time.Hour
	cfg.Dispatch.CancelGrace = 30 * time.Second
	cfg.Dispatch.MaxCandidates = 500

	cfg.Build.Timeout = 12 * time.Hour
	cfg.Build.BuildRoot = "~/build"
	cfg.Build.SbuildPath = "sbuild"
	cfg.Build.GPGPath = "gpg"
	cfg.Build.DepWaitPatterns = []string{
		`unsatisfied dependency: (.+)`,
		`(?m)^Unsatisfied build-dependencies?:\s*(.+)$`,
	}
	cfg.Build.PermanentExitCodes = []int{2}
	cfg.Build.LogTailBytes = 64 * 1024

	cfg.Retry.MaxLocalRetries = 2
	cfg.Retry.Report = BackoffConfig{Mode: BackoffExponential, Initial: time.Second, Max: time.Minute, MaxRetries: 5}

	cfg.Upload.DuploadPath = "dupload"
	cfg.Upload.Targets = map[string]string{
		"debian":          "rsync-ftp-master",
		"debian-security": "rsync-security",
		"debian-ports":    "rsync-ports",
	}
	cfg.Upload.Attempts = 3
	cfg.Upload.Wait = 2 * time.Minute

	cfg.State.Dir = "/var/lib/buildd"
	cfg.State.SnapshotInterval = 5 * time.Minute
	cfg.State.ReplayInterval = time.Minute
	cfg.State.KeyCheckInterval = 10 * time.Minute
	cfg.State.ReplayRetention = 7 * 24 * time.Hour
	cfg.State.DrainFile = "NO-DAEMON-PLEASE"

	cfg.Provisioner.RepairBackoff = BackoffConfig{Mode: BackoffExponential, Initial: 30 * time.Second, Max: 30 * time.Minute, MaxRetries: 10}

	cfg.Metrics.Port = 9090
	cfg.Control.Address = "127.0.0.1:7070"
	cfg.Events.Subject = "buildd.outcome"

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "text"
	return cfg
}

// Load 讀取 YAML 設定檔並套用覆寫
//
// envFile 為空字串時略過 env 檔；檔案不存在也不算錯誤。
func Load(path, envFile string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if envFile != "" {
		if _, err := os.Stat(envFile); err == nil {
			if err := godotenv.Load(envFile); err != nil {
				return nil, fmt.Errorf("failed to load env file: %w", err)
			}
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if cfg.Builder.Hostname == "" {
		if h, err := os.Hostname(); err == nil {
			cfg.Builder.Hostname = h
		}
	}
	if strings.HasPrefix(cfg.Build.BuildRoot, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.Build.BuildRoot = filepath.Join(home, cfg.Build.BuildRoot[2:])
		}
	}
	if cfg.State.DrainFile != "" && !filepath.IsAbs(cfg.State.DrainFile) {
		cfg.State.DrainFile = filepath.Join(cfg.State.Dir, cfg.State.DrainFile)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	strs := map[string]*string{
		"BUILDD_SSH_USER":     &c.Authority.SSHUser,
		"BUILDD_SSH_SOCKET":   &c.Authority.SSHSocket,
		"BUILDD_SSH_HOST":     &c.Authority.SSHHost,
		"BUILDD_STATE_DIR":    &c.State.Dir,
		"BUILDD_NATS_URL":     &c.Events.NATSURL,
		"BUILDD_CONTROL_ADDR": &c.Control.Address,
		"BUILDD_LOG_LEVEL":    &c.Logging.Level,
	}
	for key, dst := range strs {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	if v, ok := os.LookupEnv("BUILDD_LOOKAHEAD"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: BUILDD_LOOKAHEAD: %v", ErrInvalid, err)
		}
		c.Dispatch.Lookahead = n
	}
	return nil
}

// Architectures 回傳所有 slot 涵蓋的架構 (依首次出現順序)
func (c *Config) Architectures() []string {
	seen := make(map[string]bool)
	var archs []string
	for _, s := range c.Slots {
		if !seen[s.Arch] {
			seen[s.Arch] = true
			archs = append(archs, s.Arch)
		}
	}
	return archs
}

// ShortHostname is the first label of the builder hostname.
func (c *Config) ShortHostname() string {
	host, _, _ := strings.Cut(c.Builder.Hostname, ".")
	return host
}

// Validate 檢查設定，回傳的錯誤都屬於啟動時的致命錯誤
func (c *Config) Validate() error {
	if c.Authority.SSHHost == "" || c.Authority.SSHUser == "" {
		return ErrNoAuthority
	}
	if len(c.Slots) == 0 {
		return ErrNoSlots
	}

	var problems []string
	ids := make(map[string]bool)
	for i, s := range c.Slots {
		switch {
		case s.ID == "":
			problems = append(problems, fmt.Sprintf("slots[%d]: id is required", i))
		case ids[s.ID]:
			problems = append(problems, fmt.Sprintf("slots[%d]: duplicate id %q", i, s.ID))
		}
		ids[s.ID] = true
		if s.Arch == "" {
			problems = append(problems, fmt.Sprintf("slots[%d]: arch is required", i))
		}
		if s.Backend == "" {
			problems = append(problems, fmt.Sprintf("slots[%d]: backend is required", i))
		}
	}
	if len(c.Distributions) == 0 {
		problems = append(problems, "distributions must not be empty")
	}
	if c.Authority.APIVersion <= 0 {
		problems = append(problems, "authority.api_version must be > 0")
	}
	if c.Dispatch.Lookahead < 0 {
		problems = append(problems, "dispatch.lookahead must be >= 0")
	}
	if c.Dispatch.IdleSleep <= 0 {
		problems = append(problems, "dispatch.idle_sleep must be > 0")
	}
	if c.Dispatch.CancelGrace <= 0 {
		problems = append(problems, "dispatch.cancel_grace must be > 0")
	}
	if c.Build.Timeout <= 0 {
		problems = append(problems, "build.timeout must be > 0")
	}
	if c.Retry.MaxLocalRetries < 0 {
		problems = append(problems, "retry.max_local_retries must be >= 0")
	}
	if err := c.Retry.Report.validate(); err != nil {
		problems = append(problems, "retry.report: "+err.Error())
	}
	if c.State.Dir == "" {
		problems = append(problems, "state.dir is required")
	}
	if c.Upload.Attempts <= 0 {
		problems = append(problems, "upload.attempts must be > 0")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

func (b BackoffConfig) validate() error {
	switch b.Mode {
	case "", BackoffFixed, BackoffLinear, BackoffExponential:
	default:
		return fmt.Errorf("unknown mode %q", b.Mode)
	}
	if b.MaxRetries < 0 {
		return errors.New("max_retries must be >= 0")
	}
	return nil
}
