// Package parity drives SnapRAID background operations through the
// vendor helper binary, and NonRAID kernel-array parity operations through
// /proc/nmdcmd and /proc/nmdstat.
package parity

import (
	"bufio"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/blockpool/poolmgr/internal/poolerr"
)

// SnapRAIDOp is one of the operations executeSnapRAIDOperation accepts.
type SnapRAIDOp string

const (
	OpSync      SnapRAIDOp = "sync"
	OpCheck     SnapRAIDOp = "check"
	OpScrub     SnapRAIDOp = "scrub"
	OpFix       SnapRAIDOp = "fix"
	OpForceStop SnapRAIDOp = "force_stop"
)

// snapraidHelper is the vendor helper binary invoked for all SnapRAID
// operations: `mos-snapraid <pool> <op> [disks]`.
const snapraidHelper = "/usr/local/bin/mos-snapraid"

// SnapRAIDRunner drives SnapRAID operations for one pool.
type SnapRAIDRunner struct {
	SocketDir string // /run/snapraid
	ConfigDir string // /boot/config/snapraid
}

// NewSnapRAIDRunner constructs a runner using the given default paths.
func NewSnapRAIDRunner(socketDir, configDir string) *SnapRAIDRunner {
	return &SnapRAIDRunner{SocketDir: socketDir, ConfigDir: configDir}
}

func (r *SnapRAIDRunner) socketPath(pool string) string {
	return filepath.Join(r.SocketDir, pool+".socket")
}

// IsRunning reports whether a SnapRAID operation is live for pool, detected
// by the existence of its socket file.
func (r *SnapRAIDRunner) IsRunning(pool string) bool {
	_, err := os.Stat(r.socketPath(pool))
	return err == nil
}

// dataLineRe matches a SnapRAID config "data dN <path>" line.
var dataLineRe = regexp.MustCompile(`^data\s+(d\d+)\s+(\S+)`)

// diskIDForMountPoint parses the pool's SnapRAID config for the data line
// whose branch path is mountPoint, returning its dN identifier. Fails hard
// if mountPoint is not found: a fix's disk mapping has no partial success.
func (r *SnapRAIDRunner) diskIDForMountPoint(pool, mountPoint string) (string, error) {
	configPath := filepath.Join(r.ConfigDir, pool+".conf")

	f, err := os.Open(configPath)
	if err != nil {
		return "", poolerr.Integrity("missing snapraid config for pool %s: %s", pool, err)
	}
	defer f.Close()

	mountPoint = filepath.Clean(mountPoint)

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		m := dataLineRe.FindStringSubmatch(scanner.Text())
		if m == nil {
			continue
		}

		if filepath.Clean(m[2]) == mountPoint {
			return m[1], nil
		}
	}

	return "", poolerr.Validation("mount point %s not found in snapraid config for pool %s", mountPoint, pool)
}

// ResolveFixDisks maps each branch mount point in fixDisks to its dN
// identifier. Any unresolved mount point fails the whole call.
func (r *SnapRAIDRunner) ResolveFixDisks(pool string, fixDisks []string) ([]string, error) {
	ids := make([]string, 0, len(fixDisks))
	for _, mp := range fixDisks {
		id, err := r.diskIDForMountPoint(pool, mp)
		if err != nil {
			return nil, err
		}

		ids = append(ids, id)
	}

	return ids, nil
}

// Launch spawns the vendor helper detached and returns immediately; the
// caller polls Progress/IsRunning for status. fixDisks is only meaningful
// for OpFix and is passed as the helper's comma-joined third argument.
func (r *SnapRAIDRunner) Launch(ctx context.Context, pool string, op SnapRAIDOp, fixDisks []string) error {
	if r.IsRunning(pool) {
		return poolerr.Precondition("a snapraid operation is already running for pool %s", pool)
	}

	args := []string{pool, string(op)}

	if op == OpFix {
		ids, err := r.ResolveFixDisks(pool, fixDisks)
		if err != nil {
			return err
		}

		args = append(args, strings.Join(ids, ","))
	}

	cmd := exec.CommandContext(context.WithoutCancel(ctx), snapraidHelper, args...)
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		return poolerr.Subsystem("mos-snapraid", err)
	}

	// Detach: the helper outlives this call; we do not Wait() on it.
	go func() { _ = cmd.Wait() }()

	return nil
}

// ForceStop invokes the helper's force_stop action directly, bypassing the
// IsRunning guard Launch applies: force_stop exists precisely to interrupt
// an operation Launch would otherwise refuse to step on.
func (r *SnapRAIDRunner) ForceStop(ctx context.Context, pool string) error {
	cmd := exec.CommandContext(context.WithoutCancel(ctx), snapraidHelper, pool, string(OpForceStop))
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil

	if err := cmd.Run(); err != nil {
		return poolerr.Subsystem("mos-snapraid", err)
	}

	return nil
}

// Progress is the parsed state of a running SnapRAID operation.
type Progress struct {
	State   string // "preparing" or "running"
	Percent int
	Amount  string
	Speed   string
	ETA     string
}

// progressLineRe matches a SnapRAID progress line, e.g.:
// "52%, 27524348 MB, 519 MB/s, 495 stripe/s, CPU 18%, 11:04 ETA"
var progressLineRe = regexp.MustCompile(`(\d+)%,\s*([\d.]+\s*[KMGT]?B),\s*([\d.]+\s*[KMGT]?B/s),[^,]*,(?:[^,]*,)?\s*(\d{1,2}:\d{2}(?::\d{2})?)\s*ETA`)

// Status reads the last ~1KB of pool's socket file and parses a progress
// line. If the socket exists but no progress line has been written yet, the
// state is "preparing".
func (r *SnapRAIDRunner) Status(pool string) (Progress, error) {
	path := r.socketPath(pool)

	f, err := os.Open(path)
	if err != nil {
		return Progress{}, poolerr.Precondition("no snapraid operation running for pool %s", pool)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return Progress{}, poolerr.Subsystem("snapraid socket stat", err)
	}

	const tailSize = 1024

	start := int64(0)
	if info.Size() > tailSize {
		start = info.Size() - tailSize
	}

	buf := make([]byte, info.Size()-start)
	if _, err := f.ReadAt(buf, start); err != nil {
		return Progress{}, poolerr.Subsystem("snapraid socket read", err)
	}

	lines := strings.Split(string(buf), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		m := progressLineRe.FindStringSubmatch(lines[i])
		if m == nil {
			continue
		}

		pct, _ := strconv.Atoi(m[1])

		return Progress{State: "running", Percent: pct, Amount: m[2], Speed: m[3], ETA: m[4]}, nil
	}

	return Progress{State: "preparing"}, nil
}
