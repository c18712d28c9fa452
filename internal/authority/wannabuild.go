package authority

// ============================================================================
// wanna-build (API 2) over ssh
//
// 指令格式:
//   ssh -l <user> -S <socket> <host> wanna-build --api=2 --arch=<A> --dist=<D> <cmd>
//
// list 輸出每行一個套件:
//   amd64/sid/chasquid_0.04-1 [optional:out-of-date:calprio{45}:days{0}]
//
// take 回應為巢狀 YAML:
//   - chasquid:
//       - status: ok
//       - pkg-ver: chasquid_0.04-1
//       - suite: sid
//       ...
//
// 回報使用 name_binaryversion：--built/--uploaded、--attempted、
// --dep-wait -m <deps>、--give-back。
// ============================================================================

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/buildd/pkg/types"
)

// ssh uses 255 for connection-level failures.
const sshConnectionFailure = 255

// Options configure the legacy wanna-build transport.
type Options struct {
	SSHPath       string
	User          string // builder identity on the authority side
	Socket        string
	Host          string
	APIVersion    int
	Timeout       time.Duration
	Distributions []string
}

// WannaBuild is a Client speaking the wanna-build command protocol.
type WannaBuild struct {
	opts   Options
	runner Runner
	logger *slog.Logger
}

// NewWannaBuild creates a client. A nil runner uses ExecRunner.
func NewWannaBuild(opts Options, runner Runner, logger *slog.Logger) *WannaBuild {
	if runner == nil {
		runner = ExecRunner{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if opts.SSHPath == "" {
		opts.SSHPath = "ssh"
	}
	if opts.APIVersion == 0 {
		opts.APIVersion = 2
	}
	if len(opts.Distributions) == 0 {
		opts.Distributions = []string{"any"}
	}
	return &WannaBuild{opts: opts, runner: runner, logger: logger.With("component", "wanna-build")}
}

// ListNeedsBuild queries each configured distribution lazily, one ssh call per
// distribution, as the consumer iterates.
func (w *WannaBuild) ListNeedsBuild(ctx context.Context, arch string) iter.Seq2[types.Candidate, error] {
	return func(yield func(types.Candidate, error) bool) {
		for _, dist := range w.opts.Distributions {
			out, err := w.query(ctx, "list", arch, dist, "--list=needs-build")
			if err != nil {
				if !yield(types.Candidate{}, err) {
					return
				}
				continue
			}
			for _, line := range strings.Split(out, "\n") {
				line = strings.TrimSpace(line)
				if line == "" {
					continue
				}
				c, err := ParseNeedsBuildLine(line)
				if err != nil {
					if !yield(types.Candidate{}, err) {
						return
					}
					continue
				}
				if !yield(c, nil) {
					return
				}
			}
		}
	}
}

// Claim issues --take for the candidate.
func (w *WannaBuild) Claim(ctx context.Context, token types.ClaimToken, c types.Candidate) (types.ClaimMeta, error) {
	target := fmt.Sprintf("%s/%s/%s", c.Ref.Arch, c.Dist, c.Ref.NameVersion())
	out, err := w.query(ctx, "claim", c.Ref.Arch, c.Dist, "--take", target)
	if err != nil {
		return types.ClaimMeta{}, err
	}

	_, fields, err := parseTakeResponse(out)
	if err != nil {
		return types.ClaimMeta{}, protocolError("claim", err.Error())
	}
	if status := fields["status"]; status != "ok" {
		reason := fields["reason"]
		return types.ClaimMeta{}, rejected("claim", classifyReason(reason), reason)
	}

	name, version, ok := strings.Cut(fields["pkg-ver"], "_")
	if !ok || name != c.Ref.Name || version != c.Ref.Version {
		return types.ClaimMeta{}, protocolError("claim",
			fmt.Sprintf("pkg-ver %q does not match %s", fields["pkg-ver"], c.Ref.NameVersion()))
	}
	if arch := fields["arch"]; arch != "" && arch != c.Ref.Arch {
		return types.ClaimMeta{}, protocolError("claim", fmt.Sprintf("arch %q does not match %s", arch, c.Ref.Arch))
	}

	meta := types.ClaimMeta{
		Dist:             fields["suite"],
		Archive:          fields["archive"],
		BuildDepResolver: fields["build_dep_resolver"],
		MailLogs:         fields["mail_logs"],
		BinNMUChangelog:  fields["extra-changelog"],
		ExtraDepends:     fields["extra-depends"],
		ExtraConflicts:   fields["extra-conflicts"],
	}
	if meta.Dist == "" {
		meta.Dist = c.Dist
	}
	if v := fields["binNMU"]; v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return types.ClaimMeta{}, protocolError("claim", fmt.Sprintf("invalid binNMU %q", v))
		}
		meta.BinNMU = n
	}

	w.logger.Info("claimed package", "package", c.Ref.String(), "token", token, "archive", meta.Archive)
	return meta, nil
}

// ReportBuilt sends --built followed by --uploaded; artifacts have already
// been accepted by the archive. A rejected --built means a previous delivery
// already got through, so the --uploaded step still runs.
func (w *WannaBuild) ReportBuilt(ctx context.Context, token types.ClaimToken, ref types.PackageRef, meta types.ClaimMeta) error {
	if err := w.report(ctx, "built", ref, meta, "--built"); err != nil {
		if !IsRejected(err) {
			return err
		}
		w.logger.Debug("built already recorded", "package", ref.String(), "token", token)
	}
	return w.report(ctx, "uploaded", ref, meta, "--uploaded")
}

func (w *WannaBuild) ReportFailed(ctx context.Context, token types.ClaimToken, ref types.PackageRef, meta types.ClaimMeta, reason string) error {
	w.logger.Debug("reporting failure", "package", ref.String(), "token", token, "reason", reason)
	return w.report(ctx, "attempted", ref, meta, "--attempted")
}

func (w *WannaBuild) ReportDepWait(ctx context.Context, token types.ClaimToken, ref types.PackageRef, meta types.ClaimMeta, deps []string) error {
	return w.report(ctx, "dep-wait", ref, meta, "--dep-wait", "-m", strings.Join(deps, ", "))
}

func (w *WannaBuild) ReportGiveBack(ctx context.Context, token types.ClaimToken, ref types.PackageRef, meta types.ClaimMeta) error {
	return w.report(ctx, "give-back", ref, meta, "--give-back")
}

func (w *WannaBuild) report(ctx context.Context, op string, ref types.PackageRef, meta types.ClaimMeta, args ...string) error {
	dist := meta.Dist
	if dist == "" {
		dist = w.opts.Distributions[0]
	}
	args = append(args, types.NameBinaryVersion(ref, meta))
	out, err := w.query(ctx, op, ref.Arch, dist, args...)
	if err != nil {
		return err
	}
	// API 2 may answer a refused report with the same status document as --take.
	if _, fields, perr := parseTakeResponse(out); perr == nil {
		if status, ok := fields["status"]; ok && status != "ok" {
			return rejected(op, classifyReason(fields["reason"]), fields["reason"])
		}
	}
	return nil
}

func (w *WannaBuild) baseArgs(arch, dist string) []string {
	return []string{
		"-l", w.opts.User, "-S", w.opts.Socket, w.opts.Host,
		"wanna-build", fmt.Sprintf("--api=%d", w.opts.APIVersion),
		"--arch=" + arch, "--dist=" + dist,
	}
}

func (w *WannaBuild) query(ctx context.Context, op, arch, dist string, command ...string) (string, error) {
	if w.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.opts.Timeout)
		defer cancel()
	}

	args := append(w.baseArgs(arch, dist), command...)
	w.logger.Debug("querying wanna-build", "op", op, "arch", arch, "dist", dist, "command", command)

	out, err := w.runner.Run(ctx, w.opts.SSHPath, args...)
	if err != nil {
		return "", networkError(op, err)
	}
	switch out.ExitCode {
	case 0:
		return string(out.Stdout), nil
	case sshConnectionFailure:
		return "", networkError(op, fmt.Errorf("ssh exited with status %d: %s",
			out.ExitCode, strings.TrimSpace(string(out.Stderr))))
	}

	msg := strings.TrimSpace(strings.TrimSpace(string(out.Stderr)) + " " + strings.TrimSpace(string(out.Stdout)))
	if resp, ok := rejectionFromText(msg); ok {
		return "", rejected(op, resp, msg)
	}
	return "", &Error{Kind: KindProtocol, Op: op, Response: ResponseError,
		Reason: fmt.Sprintf("wanna-build exited with status %d: %s", out.ExitCode, msg)}
}

// ============================================================================
// 解析
// ============================================================================

// ParseNeedsBuildLine parses one line of --list=needs-build output.
func ParseNeedsBuildLine(line string) (types.Candidate, error) {
	head, attrs, _ := strings.Cut(strings.TrimSpace(line), " ")
	parts := strings.SplitN(head, "/", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
		return types.Candidate{}, protocolError("list", fmt.Sprintf("malformed needs-build line %q", line))
	}
	name, version, ok := strings.Cut(parts[2], "_")
	if !ok || name == "" || version == "" {
		return types.Candidate{}, protocolError("list", fmt.Sprintf("malformed package %q", parts[2]))
	}

	c := types.Candidate{
		Ref:  types.PackageRef{Name: name, Version: version, Arch: parts[0]},
		Dist: parts[1],
	}
	attrs = strings.Trim(strings.TrimSpace(attrs), "[]")
	for _, attr := range strings.Split(attrs, ":") {
		if v, ok := bracedValue(attr, "calprio"); ok {
			c.Priority = v
		}
		if v, ok := bracedValue(attr, "days"); ok {
			c.BacklogDays = v
		}
	}
	return c, nil
}

// bracedValue parses "key{N}".
func bracedValue(attr, key string) (int, bool) {
	rest, ok := strings.CutPrefix(attr, key+"{")
	if !ok {
		return 0, false
	}
	rest, ok = strings.CutSuffix(rest, "}")
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(rest)
	if err != nil {
		return 0, false
	}
	return n, true
}

// parseTakeResponse flattens the take document into a field map.
func parseTakeResponse(out string) (string, map[string]string, error) {
	var doc []map[string][]map[string]any
	if err := yaml.Unmarshal([]byte(out), &doc); err != nil {
		return "", nil, fmt.Errorf("malformed take response: %w", err)
	}
	if len(doc) == 0 || len(doc[0]) == 0 {
		return "", nil, fmt.Errorf("empty take response")
	}
	for name, descriptor := range doc[0] {
		fields := make(map[string]string)
		for _, elem := range descriptor {
			for k, v := range elem {
				if v == nil {
					fields[k] = ""
					continue
				}
				fields[k] = fmt.Sprint(v)
			}
		}
		if _, ok := fields["status"]; !ok {
			return "", nil, fmt.Errorf("take response for %s has no status", name)
		}
		return name, fields, nil
	}
	return "", nil, fmt.Errorf("empty take response")
}

func classifyReason(reason string) Response {
	lower := strings.ToLower(reason)
	switch {
	case strings.Contains(lower, "not registered"), strings.Contains(lower, "unknown package"),
		strings.Contains(lower, "no such package"):
		return ResponseUnknownPackage
	case strings.Contains(lower, "dep-wait"), strings.Contains(lower, "dep_wait"):
		return ResponseDepWait
	}
	return ResponseAlreadyClaimed
}

func rejectionFromText(msg string) (Response, bool) {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "not registered"), strings.Contains(lower, "unknown package"):
		return ResponseUnknownPackage, true
	case strings.Contains(lower, "not taken by you"), strings.Contains(lower, "already"),
		strings.Contains(lower, "not in building state"), strings.Contains(lower, "up-to-date"):
		return ResponseAlreadyClaimed, true
	}
	return "", false
}
