// Package cmdutil is a typed command builder and executor: every
// external-tool invocation (parted, blkid, mkfs, mount, cryptsetup, btrfs,
// mergerfs, the SnapRAID helper, modprobe, writes to /proc/nmdcmd) goes
// through one Command type instead of ad-hoc exec.Command calls, so retry
// loops, stdin payloads, and timeouts are first-class.
package cmdutil

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// Result is the outcome of running a Command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Command describes one external-tool invocation.
type Command struct {
	Path    string
	Args    []string
	Stdin   string        // payload piped to stdin, e.g. a cryptsetup passphrase
	Timeout time.Duration // zero means no timeout
	// OKExitCodes lists additional exit codes treated as success, beyond 0.
	OKExitCodes []int
}

// New builds a Command for path with args.
func New(path string, args ...string) *Command {
	return &Command{Path: path, Args: args}
}

// WithStdin attaches a stdin payload (used for cryptsetup passphrases, which
// must never be passed via argv so that spaces/specials survive and so the
// passphrase does not appear in `ps`).
func (c *Command) WithStdin(payload string) *Command {
	c.Stdin = payload
	return c
}

// WithTimeout bounds the invocation.
func (c *Command) WithTimeout(d time.Duration) *Command {
	c.Timeout = d
	return c
}

// WithOKExitCodes marks additional exit codes as success.
func (c *Command) WithOKExitCodes(codes ...int) *Command {
	c.OKExitCodes = codes
	return c
}

func (c *Command) String() string {
	return fmt.Sprintf("%s %s", c.Path, strings.Join(c.Args, " "))
}

// Runner executes Commands; the default is Exec, tests substitute a fake.
type Runner interface {
	Run(ctx context.Context, cmd *Command) (*Result, error)
}

// Exec runs commands as real child processes.
type Exec struct{}

// Run implements Runner using os/exec, applying Timeout via context and
// feeding Stdin when present.
func (Exec) Run(ctx context.Context, cmd *Command) (*Result, error) {
	runCtx := ctx
	if cmd.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, cmd.Timeout)
		defer cancel()
	}

	execCmd := exec.CommandContext(runCtx, cmd.Path, cmd.Args...)

	var stdout, stderr bytes.Buffer
	execCmd.Stdout = &stdout
	execCmd.Stderr = &stderr

	if cmd.Stdin != "" {
		execCmd.Stdin = strings.NewReader(cmd.Stdin)
	}

	err := execCmd.Run()

	res := &Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if execCmd.ProcessState != nil {
		res.ExitCode = execCmd.ProcessState.ExitCode()
	}

	if err == nil {
		return res, nil
	}

	if runCtx.Err() == context.DeadlineExceeded {
		return res, fmt.Errorf("%s: timed out after %s", cmd, cmd.Timeout)
	}

	for _, ok := range cmd.OKExitCodes {
		if res.ExitCode == ok {
			return res, nil
		}
	}

	return res, fmt.Errorf("%s: %w: %s", cmd, err, strings.TrimSpace(res.Stderr))
}

// Run is a package-level convenience using the default Exec runner.
func Run(ctx context.Context, path string, args ...string) (*Result, error) {
	return Exec{}.Run(ctx, New(path, args...))
}
