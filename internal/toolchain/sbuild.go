package toolchain

// ============================================================================
// sbuild toolchain
// 職責：
// 1. 為每個 job 準備乾淨的建置目錄
// 2. 組出 buildd 模式的 sbuild 指令並執行 (可被 context 取消)
// 3. 將輸出寫入日誌檔並保留尾端供分類器使用
// 4. 從 .changes 檔取得產物清單
// ============================================================================

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"text/template"
	"time"

	"github.com/ChuLiYu/buildd/internal/session"
	"github.com/ChuLiYu/buildd/pkg/types"
)

const outputLogName = "buildd-output.log"

// sbuild 找不到或無法進入 chroot 時的訊息
var backendBroken = regexp.MustCompile(`(?i)chroot .*not found|error creating chroot session|failed to set up chroot`)

// SbuildConfig sbuild 執行參數
type SbuildConfig struct {
	Path               string
	BuildRoot          string
	Hostname           string // FQDN
	User               string // 本機登入名稱，用於 --mailfrom
	MaintainerTemplate string
	Parallel           int // 0 表示 CPU 數量
	LogTailBytes       int
	WaitDelay          time.Duration // SIGTERM 之後等待多久才 SIGKILL
}

// MaintainerData is the data passed to the maintainer template.
type MaintainerData struct {
	Arch          string
	Package       string
	Hostname      string
	ShortHostname string
	KeyID         string
	KeyEmail      string
}

// Sbuild runs builds with sbuild.
type Sbuild struct {
	cfg        SbuildConfig
	maintainer *template.Template
	keys       KeySource
	logger     *slog.Logger
}

// NewSbuild validates cfg and returns an sbuild toolchain.
func NewSbuild(cfg SbuildConfig, keys KeySource, logger *slog.Logger) (*Sbuild, error) {
	if cfg.Path == "" {
		cfg.Path = "sbuild"
	}
	if cfg.BuildRoot == "" {
		return nil, errors.New("sbuild: build root is required")
	}
	if cfg.Parallel <= 0 {
		cfg.Parallel = runtime.NumCPU()
	}
	tmpl, err := template.New("maintainer").Option("missingkey=error").Parse(cfg.MaintainerTemplate)
	if err != nil {
		return nil, fmt.Errorf("sbuild: invalid maintainer template: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sbuild{cfg: cfg, maintainer: tmpl, keys: keys, logger: logger}, nil
}

func (s *Sbuild) shortHostname() string {
	host, _, _ := strings.Cut(s.cfg.Hostname, ".")
	return host
}

// MailFrom is the sender address sbuild uses for build logs.
func (s *Sbuild) MailFrom() string {
	return fmt.Sprintf("buildd on %s <%s@%s>", s.shortHostname(), s.cfg.User, s.cfg.Hostname)
}

// Maintainer renders the maintainer address for ref signed with key.
func (s *Sbuild) Maintainer(ref types.PackageRef, key Key) (string, error) {
	var buf bytes.Buffer
	err := s.maintainer.Execute(&buf, MaintainerData{
		Arch:          ref.Arch,
		Package:       ref.Name,
		Hostname:      s.cfg.Hostname,
		ShortHostname: s.shortHostname(),
		KeyID:         key.ID,
		KeyEmail:      key.Email,
	})
	if err != nil {
		return "", fmt.Errorf("render maintainer: %w", err)
	}
	return buf.String(), nil
}

// BuildDir is where the job's build runs. Each slot has its own subtree so
// the same source can build for two architectures at once.
func (s *Sbuild) BuildDir(slotID string, ref types.PackageRef) string {
	return filepath.Join(s.cfg.BuildRoot, slotID, ref.Name+"_"+types.EpochlessVersion(ref.Version))
}

// Args 組出 sbuild 參數 (不含執行檔本身)
func (s *Sbuild) Args(req session.Request, key Key) ([]string, error) {
	job := req.Job
	maintainer, err := s.Maintainer(job.Ref, key)
	if err != nil {
		return nil, err
	}
	args := []string{
		"--apt-update",
		"--no-apt-upgrade",
		"--no-apt-distupgrade",
		"--no-run-lintian",
		"--batch",
		"--dist=" + job.Meta.Dist,
		"--sbuild-mode=buildd",
		"--mailfrom=" + s.MailFrom(),
		"--maintainer=" + maintainer,
		"--keyid=" + key.ID,
	}
	if job.Ref.Arch != "all" {
		args = append(args, "--arch="+job.Ref.Arch, "--no-arch-all")
	} else {
		args = append(args, "--arch-all", "--no-arch-any")
	}
	m := job.Meta
	if m.BuildDepResolver != "" {
		args = append(args, "--build-dep-resolver="+m.BuildDepResolver)
	}
	if m.MailLogs != "" {
		args = append(args, "--mail-log-to="+m.MailLogs)
	}
	if m.BinNMU > 0 && m.BinNMUChangelog != "" {
		args = append(args, fmt.Sprintf("--binNMU=%d", m.BinNMU), "--make-binNMU="+m.BinNMUChangelog)
	}
	if m.ExtraDepends != "" {
		args = append(args, "--add-depends="+m.ExtraDepends)
	}
	if m.ExtraConflicts != "" {
		args = append(args, "--add-conflicts="+m.ExtraConflicts)
	}
	if req.Slot.Backend != "" {
		args = append(args, "--chroot="+req.Slot.Backend)
	}
	args = append(args, job.Ref.NameVersion())
	return args, nil
}

// Build runs sbuild for req. A cancelled ctx terminates the whole sbuild
// process group.
func (s *Sbuild) Build(ctx context.Context, req session.Request) (*session.Output, error) {
	key, err := s.keys.PickKey(ctx)
	if err != nil {
		return nil, fmt.Errorf("pick signing key: %w", err)
	}
	args, err := s.Args(req, key)
	if err != nil {
		return nil, err
	}

	dir := s.BuildDir(req.Slot.ID, req.Job.Ref)
	if err := os.RemoveAll(dir); err != nil {
		return nil, fmt.Errorf("clear build dir: %w", err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create build dir: %w", err)
	}

	logPath := filepath.Join(dir, outputLogName)
	logFile, err := os.Create(logPath)
	if err != nil {
		return nil, fmt.Errorf("create build log: %w", err)
	}
	defer logFile.Close()
	tail := newTailBuffer(s.cfg.LogTailBytes)
	out := io.MultiWriter(logFile, tail)

	cmd := exec.CommandContext(ctx, s.cfg.Path, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), fmt.Sprintf("DEB_BUILD_OPTIONS=parallel=%d", s.cfg.Parallel))
	cmd.Stdout = out
	cmd.Stderr = out
	setProcessGroup(cmd)
	cmd.WaitDelay = s.cfg.WaitDelay

	s.logger.Debug("running sbuild", "package", req.Job.Ref.String(), "dir", dir, "args", args)
	runErr := cmd.Run()

	output := &session.Output{
		BuildDir: dir,
		LogRef:   logPath,
	}
	if ctx.Err() != nil {
		output.ExitStatus = -1
		output.Log = tail.Bytes()
		return output, ctx.Err()
	}

	var exitErr *exec.ExitError
	switch {
	case runErr == nil:
	case errors.As(runErr, &exitErr):
		output.ExitStatus = exitErr.ExitCode()
	default:
		return output, fmt.Errorf("run sbuild: %w", runErr)
	}
	output.Log = tail.Bytes()

	if output.ExitStatus != 0 {
		if backendBroken.Match(output.Log) {
			return output, fmt.Errorf("%w: chroot %q", session.ErrBackendUnusable, req.Slot.Backend)
		}
		return output, nil
	}

	changes := types.ChangesFileName(req.Job.Ref, req.Job.Meta)
	files, err := ReadChangesFiles(filepath.Join(dir, changes))
	if errors.Is(err, os.ErrNotExist) {
		s.logger.Warn("sbuild succeeded without a changes file", "package", req.Job.Ref.String(), "changes", changes)
		return output, nil
	}
	if err != nil {
		return output, fmt.Errorf("read %s: %w", changes, err)
	}
	output.ChangesFile = changes
	output.Artifacts = files
	return output, nil
}

// Cleanup removes a build directory below the build root.
func (s *Sbuild) Cleanup(dir string) error {
	if dir == "" {
		return nil
	}
	rel, err := filepath.Rel(s.cfg.BuildRoot, dir)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("refusing to remove %q outside build root", dir)
	}
	return os.RemoveAll(dir)
}
