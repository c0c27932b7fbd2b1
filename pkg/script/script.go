// Package script runs the binauth hook on authentication events.
package script

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"opennds-go/pkg/config"
	"opennds-go/pkg/core"
)

// DefaultTimeout bounds a single hook run.
const DefaultTimeout = 30 * time.Second

var safeCharPattern = regexp.MustCompile(`^[a-zA-Z0-9@._:-]+$`)

// sanitize base64-encodes values containing anything but a small safe set,
// so client supplied data cannot smuggle shell syntax into naive scripts.
func sanitize(value string) string {
	if value == "" || safeCharPattern.MatchString(value) {
		return value
	}
	return "b64:" + base64.StdEncoding.EncodeToString([]byte(value))
}

// Runner executes the configured binauth script. It implements core.Hook.
// The script is called as
//
//	<script> <event> <mac> <upload_bytes> <download_bytes> <session_start> <session_end> <token> <custom>
//
// with session times in unix seconds (0 when unset).
type Runner struct {
	mu      sync.RWMutex
	path    string
	timeout time.Duration
	logger  zerolog.Logger
}

// NewRunner creates a runner for cfg.BinAuth. An empty path disables the hook.
func NewRunner(cfg *config.Config, logger zerolog.Logger) *Runner {
	return &Runner{
		path:    cfg.BinAuth,
		timeout: DefaultTimeout,
		logger:  logger.With().Str("component", "script").Logger(),
	}
}

// Reconfigure picks up a changed script path.
func (r *Runner) Reconfigure(newConfig *config.Config) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.path = newConfig.BinAuth
	return nil
}

func args(event string, c core.Client) []string {
	unix := func(t time.Time) string {
		if t.IsZero() {
			return "0"
		}
		return strconv.FormatInt(t.Unix(), 10)
	}
	return []string{
		event,
		c.MAC,
		strconv.FormatUint(c.Counters.Outgoing, 10),
		strconv.FormatUint(c.Counters.Incoming, 10),
		unix(c.SessionStart),
		unix(c.SessionEnd),
		c.Token,
		sanitize(c.CustomData),
	}
}

func env(c core.Client) []string {
	e := []string{"PATH=/usr/sbin:/usr/bin:/sbin:/bin"}
	add := func(k, v string) {
		if v != "" {
			e = append(e, k+"="+sanitize(v))
		}
	}
	add("CLIENT_IP", c.IP)
	add("CLIENT_MAC", c.MAC)
	add("CLIENT_HID", c.HID)
	add("CLIENT_CID", c.CID)
	add("CLIENT_TYPE", c.ClientType)
	return e
}

func checkScript(path string) error {
	if !filepath.IsAbs(path) {
		return fmt.Errorf("binauth script %q is not an absolute path", path)
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("cannot stat binauth script: %w", err)
	}
	if info.Mode().Perm()&0o002 != 0 {
		return fmt.Errorf("binauth script %s is world-writable", path)
	}
	return nil
}

// Run executes the script for event and waits for it to finish. A missing
// script configuration is not an error.
func (r *Runner) Run(ctx context.Context, event string, c core.Client) error {
	r.mu.RLock()
	path, timeout := r.path, r.timeout
	r.mu.RUnlock()
	if path == "" {
		return nil
	}
	if err := checkScript(path); err != nil {
		r.logger.Error().Err(err).Msg("Refusing to run binauth script")
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, path, args(event, c)...)
	cmd.Env = env(c)
	cmd.WaitDelay = time.Second
	output, err := cmd.CombinedOutput()
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			r.logger.Error().Str("script", path).Str("event", event).Dur("timeout", timeout).Msg("binauth script timed out")
			return fmt.Errorf("binauth %s: %w", event, ctx.Err())
		}
		r.logger.Error().Err(err).Str("script", path).Str("event", event).Bytes("output", output).Msg("binauth script failed")
		return fmt.Errorf("binauth %s: %w", event, err)
	}
	r.logger.Debug().Str("script", path).Str("event", event).Str("mac", c.MAC).Bytes("output", output).Msg("binauth script executed")
	return nil
}
