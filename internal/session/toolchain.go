package session

import (
	"context"
	"errors"

	"github.com/ChuLiYu/buildd/pkg/types"
)

// ErrBackendUnusable is returned by a Toolchain when the slot's chroot or VM
// is broken. The session reports it as a resource failure so the slot gets
// quarantined.
var ErrBackendUnusable = errors.New("build backend unusable")

// Slot is the execution slot a session runs on.
type Slot struct {
	ID      string
	Arch    string
	Backend string
}

// Request 交給外部 toolchain 的建置請求
type Request struct {
	Job  types.BuildJob
	Slot Slot
}

// Output 外部 toolchain 的建置輸出
type Output struct {
	ExitStatus  int
	Artifacts   []string // 建置產物 (相對於 BuildDir)
	ChangesFile string
	BuildDir    string
	LogRef      string // 完整建置日誌的路徑
	Log         []byte // 日誌尾端，供分類器使用
}

// Toolchain runs one build. Implementations must stop the external process
// when ctx is done.
type Toolchain interface {
	Build(ctx context.Context, req Request) (*Output, error)
}

// ToolchainFunc adapts a function to the Toolchain interface.
type ToolchainFunc func(ctx context.Context, req Request) (*Output, error)

func (f ToolchainFunc) Build(ctx context.Context, req Request) (*Output, error) {
	return f(ctx, req)
}
