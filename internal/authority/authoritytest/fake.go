// Package authoritytest provides an in-memory authority for tests.
package authoritytest

import (
	"context"
	"errors"
	"iter"
	"slices"
	"sync"

	"github.com/ChuLiYu/buildd/internal/authority"
	"github.com/ChuLiYu/buildd/pkg/types"
)

// Operation names recorded in Call.Op.
const (
	OpList     = "list"
	OpClaim    = "claim"
	OpBuilt    = "built"
	OpFailed   = "failed"
	OpDepWait  = "dep-wait"
	OpGiveBack = "give-back"
)

// Call is one recorded client call.
type Call struct {
	Op     string
	Token  types.ClaimToken
	Ref    types.PackageRef
	Reason string
	Deps   []string
	Err    error
}

// Fake is an in-memory authority. Claims are exclusive per package; a report
// for a package that is not claimed is rejected, so a replayed report is
// never applied twice.
type Fake struct {
	mu         sync.Mutex
	candidates map[string][]types.Candidate // arch -> needs-build
	claims     map[types.PackageRef]types.ClaimToken
	calls      []Call
	failures   []error // injected errors for the next report calls
	claimFail  map[types.PackageRef]error
	listErr    error
	meta       types.ClaimMeta
}

// New returns an empty authority whose claims carry archive "debian".
func New() *Fake {
	return &Fake{
		candidates: make(map[string][]types.Candidate),
		claims:     make(map[types.PackageRef]types.ClaimToken),
		claimFail:  make(map[types.PackageRef]error),
		meta:       types.ClaimMeta{Archive: "debian"},
	}
}

// Add makes candidates available as needs-build.
func (f *Fake) Add(cs ...types.Candidate) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range cs {
		f.candidates[c.Ref.Arch] = append(f.candidates[c.Ref.Arch], c)
	}
}

// FailReports makes the next report calls return errs in order.
func (f *Fake) FailReports(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append(f.failures, errs...)
}

// FailClaim makes claims of ref return err.
func (f *Fake) FailClaim(ref types.PackageRef, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.claimFail[ref] = err
}

// FailList makes listings return err (nil clears it).
func (f *Fake) FailList(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listErr = err
}

// Calls returns recorded calls, optionally filtered by operation.
func (f *Fake) Calls(ops ...string) []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Call
	for _, c := range f.calls {
		if len(ops) == 0 || slices.Contains(ops, c.Op) {
			out = append(out, c)
		}
	}
	return out
}

// Applied returns successful report calls.
func (f *Fake) Applied(ops ...string) []Call {
	var out []Call
	for _, c := range f.Calls(ops...) {
		if c.Err == nil && c.Op != OpList && c.Op != OpClaim {
			out = append(out, c)
		}
	}
	return out
}

// Claimed reports whether ref is currently claimed.
func (f *Fake) Claimed(ref types.PackageRef) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.claims[ref]
	return ok
}

func (f *Fake) ListNeedsBuild(ctx context.Context, arch string) iter.Seq2[types.Candidate, error] {
	return func(yield func(types.Candidate, error) bool) {
		f.mu.Lock()
		f.calls = append(f.calls, Call{Op: OpList, Ref: types.PackageRef{Arch: arch}})
		if f.listErr != nil {
			err := f.listErr
			f.mu.Unlock()
			yield(types.Candidate{}, err)
			return
		}
		list := slices.Clone(f.candidates[arch])
		f.mu.Unlock()
		for _, c := range list {
			if !yield(c, nil) {
				return
			}
		}
	}
}

func (f *Fake) Claim(ctx context.Context, token types.ClaimToken, c types.Candidate) (types.ClaimMeta, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	err := f.claimFail[c.Ref]
	if err == nil {
		if _, taken := f.claims[c.Ref]; taken {
			err = Rejected(authority.ResponseAlreadyClaimed)
		} else if !f.removeCandidate(c.Ref) {
			err = Rejected(authority.ResponseUnknownPackage)
		}
	}
	f.calls = append(f.calls, Call{Op: OpClaim, Token: token, Ref: c.Ref, Err: err})
	if err != nil {
		return types.ClaimMeta{}, err
	}
	f.claims[c.Ref] = token
	meta := f.meta
	meta.Dist = c.Dist
	return meta, nil
}

func (f *Fake) removeCandidate(ref types.PackageRef) bool {
	list := f.candidates[ref.Arch]
	for i, c := range list {
		if c.Ref == ref {
			f.candidates[ref.Arch] = append(list[:i:i], list[i+1:]...)
			return true
		}
	}
	return false
}

func (f *Fake) report(call Call, giveBack bool, dist string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	var err error
	if len(f.failures) > 0 {
		err = f.failures[0]
		f.failures = f.failures[1:]
	} else if _, ok := f.claims[call.Ref]; !ok {
		err = Rejected(authority.ResponseError)
	}
	call.Err = err
	f.calls = append(f.calls, call)
	if err != nil {
		return err
	}
	delete(f.claims, call.Ref)
	if giveBack {
		f.candidates[call.Ref.Arch] = append(f.candidates[call.Ref.Arch], types.Candidate{Ref: call.Ref, Dist: dist})
	}
	return nil
}

func (f *Fake) ReportBuilt(ctx context.Context, token types.ClaimToken, ref types.PackageRef, meta types.ClaimMeta) error {
	return f.report(Call{Op: OpBuilt, Token: token, Ref: ref}, false, meta.Dist)
}

func (f *Fake) ReportFailed(ctx context.Context, token types.ClaimToken, ref types.PackageRef, meta types.ClaimMeta, reason string) error {
	return f.report(Call{Op: OpFailed, Token: token, Ref: ref, Reason: reason}, false, meta.Dist)
}

func (f *Fake) ReportDepWait(ctx context.Context, token types.ClaimToken, ref types.PackageRef, meta types.ClaimMeta, deps []string) error {
	return f.report(Call{Op: OpDepWait, Token: token, Ref: ref, Deps: deps}, false, meta.Dist)
}

func (f *Fake) ReportGiveBack(ctx context.Context, token types.ClaimToken, ref types.PackageRef, meta types.ClaimMeta) error {
	return f.report(Call{Op: OpGiveBack, Token: token, Ref: ref}, true, meta.Dist)
}

// NetworkError returns a retryable authority error.
func NetworkError() error {
	return &authority.Error{Kind: authority.KindNetwork, Op: "fake", Err: errors.New("connection refused")}
}

// ProtocolError returns a malformed-response error.
func ProtocolError() error {
	return &authority.Error{Kind: authority.KindProtocol, Op: "fake", Response: authority.ResponseError, Reason: "unparsable response"}
}

// Rejected returns an authority rejection.
func Rejected(resp authority.Response) error {
	return &authority.Error{Kind: authority.KindRejected, Op: "fake", Response: resp}
}

var _ authority.Client = (*Fake)(nil)
