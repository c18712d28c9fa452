package upload

// ============================================================================
// Artifact upload via dupload
//
// 上傳必須在回報 built 之前完成；上傳失敗的 job 會被 give-back。
// ============================================================================

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/ChuLiYu/buildd/internal/config"
	"github.com/ChuLiYu/buildd/internal/retry"
	"github.com/ChuLiYu/buildd/pkg/types"
)

var (
	// ErrUnknownArchive 沒有對應的 dupload target
	ErrUnknownArchive = errors.New("no upload target for archive")
	// ErrNothingToUpload 結果沒有 changes 檔
	ErrNothingToUpload = errors.New("no changes file to upload")
)

// Request is one upload.
type Request struct {
	Ref         types.PackageRef
	Archive     string
	ChangesFile string
	BuildDir    string
	Artifacts   []string
}

// Uploader pushes build artifacts into the archive.
type Uploader interface {
	Upload(ctx context.Context, req Request) error
}

// Dupload runs `dupload --to <target> <changes>` in the build directory.
type Dupload struct {
	Path    string
	Targets map[string]string // archive -> dupload target
	Policy  retry.Policy
	Logger  *slog.Logger
}

// NewDupload builds an uploader with attempts spaced wait apart.
func NewDupload(path string, targets map[string]string, attempts int, wait time.Duration, logger *slog.Logger) *Dupload {
	if path == "" {
		path = "dupload"
	}
	if attempts < 1 {
		attempts = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dupload{
		Path:    path,
		Targets: targets,
		Policy:  retry.Policy{Mode: config.BackoffFixed, Initial: wait, Max: wait, MaxRetries: attempts - 1},
		Logger:  logger,
	}
}

// Target returns the dupload target for archive.
func (d *Dupload) Target(archive string) (string, error) {
	target, ok := d.Targets[archive]
	if !ok {
		return "", fmt.Errorf("%w %q", ErrUnknownArchive, archive)
	}
	return target, nil
}

func (d *Dupload) Upload(ctx context.Context, req Request) error {
	if req.ChangesFile == "" {
		return ErrNothingToUpload
	}
	target, err := d.Target(req.Archive)
	if err != nil {
		return err
	}

	d.Logger.Info("uploading", "package", req.Ref.String(), "target", target, "changes", req.ChangesFile)
	attempt := 0
	return d.Policy.Do(ctx, func(error) bool { return true }, func(ctx context.Context) error {
		attempt++
		var output bytes.Buffer
		cmd := exec.CommandContext(ctx, d.Path, "--to", target, req.ChangesFile)
		cmd.Dir = req.BuildDir
		cmd.Stdout = &output
		cmd.Stderr = &output
		if err := cmd.Run(); err != nil {
			d.Logger.Warn("dupload failed", "package", req.Ref.String(), "attempt", attempt,
				"error", err, "output", strings.TrimSpace(output.String()))
			return fmt.Errorf("dupload %s: %w", req.ChangesFile, err)
		}
		return nil
	})
}
