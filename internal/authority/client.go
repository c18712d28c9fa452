// ============================================================================
// Buildd Authority Client - 與外部工作佇列 authority 的協定介面
// ============================================================================
//
// Package: internal/authority
// File: client.go
//
// 職責說明：
//   1. 列出某架構 needs-build 的工作 (lazy sequence)
//   2. claim 一個工作 (成功回傳 ClaimMeta；輸掉競爭回傳 AuthorityRejected)
//   3. 回報 built / failed / dep-wait / give-back
//
// 錯誤分類 (見 errors.go)：
//   - NetworkError      可重試
//   - ProtocolError     回應格式錯誤，不可重試
//   - AuthorityRejected 不是錯誤，換下一個工作
//
// 協定細節完全封裝在實作內 (wannabuild.go)，其他套件只依賴 Client 介面。
// ============================================================================

package authority

import (
	"context"
	"iter"

	"github.com/ChuLiYu/buildd/pkg/types"
)

// Client is the protocol-agnostic authority interface.
//
// token is the local idempotence key of a claim; implementations may use it
// to suppress duplicate requests but the legacy wire format does not carry it.
type Client interface {
	ListNeedsBuild(ctx context.Context, arch string) iter.Seq2[types.Candidate, error]
	Claim(ctx context.Context, token types.ClaimToken, c types.Candidate) (types.ClaimMeta, error)
	ReportBuilt(ctx context.Context, token types.ClaimToken, ref types.PackageRef, meta types.ClaimMeta) error
	ReportFailed(ctx context.Context, token types.ClaimToken, ref types.PackageRef, meta types.ClaimMeta, reason string) error
	ReportDepWait(ctx context.Context, token types.ClaimToken, ref types.PackageRef, meta types.ClaimMeta, deps []string) error
	ReportGiveBack(ctx context.Context, token types.ClaimToken, ref types.PackageRef, meta types.ClaimMeta) error
}

// Report dispatches r to the matching Client report operation.
func Report(ctx context.Context, c Client, r types.Report) error {
	switch r.Action {
	case types.ActionBuilt:
		return c.ReportBuilt(ctx, r.Token, r.Ref, r.Meta)
	case types.ActionFailed:
		return c.ReportFailed(ctx, r.Token, r.Ref, r.Meta, r.Reason)
	case types.ActionDepWait:
		return c.ReportDepWait(ctx, r.Token, r.Ref, r.Meta, r.Deps)
	default:
		return c.ReportGiveBack(ctx, r.Token, r.Ref, r.Meta)
	}
}
