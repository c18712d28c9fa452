package toolchain

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/mail"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// ErrKeyNotFound 沒有可用的簽章金鑰
var ErrKeyNotFound = errors.New("no usable GPG signing key found")

// 即將在這段時間內到期的金鑰不予採用
const keyExpiryMargin = 24 * time.Hour

// Key is a secret signing key.
type Key struct {
	ID     string
	Expiry time.Time
	Email  string
}

// KeySource returns the key to sign the next build with.
type KeySource interface {
	PickKey(ctx context.Context) (Key, error)
}

// GPGKeys picks keys from the local gpg keyring.
type GPGKeys struct {
	Path string // gpg binary
	Now  func() time.Time
}

func (g GPGKeys) PickKey(ctx context.Context) (Key, error) {
	path := g.Path
	if path == "" {
		path = "gpg"
	}
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, path, "--with-colons", "--list-secret-keys")
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return Key{}, fmt.Errorf("list secret keys: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	now := time.Now
	if g.Now != nil {
		now = g.Now
	}
	return PickKey(stdout.String(), now())
}

// PickKey 從 `gpg --with-colons --list-secret-keys` 輸出挑選金鑰
//
// 可能同時有多把金鑰：已過期的、尚未在 archive 端生效的新金鑰。
// 選擇仍然有效且最接近到期的那一把；沒有設定到期日的金鑰不予採用。
func PickKey(keylist string, now time.Time) (Key, error) {
	var (
		best    *Key
		current *Key
	)
	for _, line := range strings.Split(keylist, "\n") {
		switch {
		case strings.HasPrefix(line, "sec:"):
			current = nil
			parts := strings.Split(line, ":")
			if len(parts) < 7 || parts[6] == "" {
				continue
			}
			expires, err := strconv.ParseInt(parts[6], 10, 64)
			if err != nil {
				continue
			}
			expiry := time.Unix(expires, 0)
			if now.Add(keyExpiryMargin).After(expiry) {
				continue
			}
			current = &Key{ID: parts[4], Expiry: expiry}
			if best == nil || current.Expiry.Before(best.Expiry) {
				best = current
			}
		case strings.HasPrefix(line, "uid:") && current != nil && current.Email == "":
			parts := strings.Split(line, ":")
			if len(parts) < 10 {
				continue
			}
			if addr, err := mail.ParseAddress(parts[9]); err == nil {
				current.Email = addr.Address
			}
		}
	}
	if best == nil {
		return Key{}, ErrKeyNotFound
	}
	return *best, nil
}
