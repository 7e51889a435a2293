package parity

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Rican7/retry"
	"github.com/Rican7/retry/backoff"
	"github.com/Rican7/retry/strategy"

	"github.com/blockpool/poolmgr/internal/poolerr"
)

// NonRaidOp is one of the operations executeNonRaidParityOperation accepts.
type NonRaidOp string

const (
	NonRaidCheck        NonRaidOp = "check"
	NonRaidCheckCorrect NonRaidOp = "check CORRECT"
	NonRaidPause        NonRaidOp = "pause"
	NonRaidResume       NonRaidOp = "resume"
	NonRaidCancel       NonRaidOp = "cancel"
	NonRaidAuto         NonRaidOp = "auto"
)

// NonRaidDriver drives NonRAID array operations through /proc/nmdcmd and
// reads status from /proc/nmdstat.
type NonRaidDriver struct {
	CmdPath  string // /proc/nmdcmd
	StatPath string // /proc/nmdstat
}

// NewNonRaidDriver constructs a driver using the standard kernel proc
// paths.
func NewNonRaidDriver() *NonRaidDriver {
	return &NonRaidDriver{CmdPath: "/proc/nmdcmd", StatPath: "/proc/nmdstat"}
}

// ModuleLoaded reports whether /proc/nmdcmd is present, i.e. md-nonraid is
// loaded.
func (d *NonRaidDriver) ModuleLoaded() bool {
	_, err := os.Stat(d.CmdPath)
	return err == nil
}

// WriteCmd writes cmd to /proc/nmdcmd.
func (d *NonRaidDriver) WriteCmd(cmd string) error {
	if !d.ModuleLoaded() {
		return poolerr.Precondition("md-nonraid is not loaded")
	}

	f, err := os.OpenFile(d.CmdPath, os.O_WRONLY, 0)
	if err != nil {
		return poolerr.Subsystem("nmdcmd open", err)
	}
	defer f.Close()

	if _, err := f.WriteString(cmd); err != nil {
		return poolerr.Subsystem("nmdcmd write", fmt.Errorf("%q: %w", cmd, err))
	}

	return nil
}

// Import writes an "import <slot> <name> <p1> <sizeKB> <p2> <id>" command.
// For a degraded-mount missing slot, name/sizeKB/id are all empty.
func (d *NonRaidDriver) Import(slot int, name string, sizeKB int64, id string) error {
	return d.WriteCmd(fmt.Sprintf("import %d %s 0 %d 0 %s", slot, name, sizeKB, id))
}

// Status is the subset of /proc/nmdstat fields this package parses.
type Status struct {
	ResyncAction string
	ResyncPos    int64
	ResyncDt     int64
	ResyncDb     int64
	ResyncSize   int64
	SyncExit     int
	DiskStatus   map[int]string // rdevStatus.N -> value
}

// ReadStatus parses /proc/nmdstat's "key=value" lines into Status.
func (d *NonRaidDriver) ReadStatus() (Status, error) {
	f, err := os.Open(d.StatPath)
	if err != nil {
		return Status{}, poolerr.Subsystem("nmdstat open", err)
	}
	defer f.Close()

	st := Status{DiskStatus: map[int]string{}}

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		k, v, ok := strings.Cut(strings.TrimSpace(scanner.Text()), "=")
		if !ok {
			continue
		}

		switch {
		case k == "mdResyncAction":
			st.ResyncAction = strings.Trim(v, "\"")
		case k == "mdResyncPos":
			st.ResyncPos, _ = strconv.ParseInt(v, 10, 64)
		case k == "mdResyncDt":
			st.ResyncDt, _ = strconv.ParseInt(v, 10, 64)
		case k == "mdResyncDb":
			st.ResyncDb, _ = strconv.ParseInt(v, 10, 64)
		case k == "mdResyncSize":
			st.ResyncSize, _ = strconv.ParseInt(v, 10, 64)
		case k == "sbSyncExit":
			st.SyncExit, _ = strconv.Atoi(v)
		case strings.HasPrefix(k, "rdevStatus."):
			idx, err := strconv.Atoi(strings.TrimPrefix(k, "rdevStatus."))
			if err == nil {
				st.DiskStatus[idx] = strings.Trim(v, "\"")
			}
		}
	}

	return st, nil
}

// IsRunning reports whether a resync/check is actively progressing:
// mdResyncAction non-empty and at least one of
// {mdResyncPos,mdResyncDt,mdResyncDb} > 0.
func (s Status) IsRunning() bool {
	return s.ResyncAction != "" && (s.ResyncPos > 0 || s.ResyncDt > 0 || s.ResyncDb > 0)
}

// IsPaused reports sbSyncExit == -4 && mdResyncPos > 0.
func (s Status) IsPaused() bool {
	return s.SyncExit == -4 && s.ResyncPos > 0
}

// IsCancelled reports sbSyncExit == -4 && mdResyncPos == 0.
func (s Status) IsCancelled() bool {
	return s.SyncExit == -4 && s.ResyncPos == 0
}

// ParityValid reports whether every disk status is DISK_OK or DISK_NP;
// any other value invalidates parity.
func (s Status) ParityValid() bool {
	for _, v := range s.DiskStatus {
		if v != "DISK_OK" && v != "DISK_NP" {
			return false
		}
	}

	return true
}

// NonRaidProgress is the derived progress view from Status.
type NonRaidProgress struct {
	Percent     int
	SpeedBytes  float64 // bytes/sec
	ETA         string  // "M:SS" or "H:MM:SS"
	Description string
}

// Progress derives NonRaidProgress from Status.
func (s Status) Progress() NonRaidProgress {
	var p NonRaidProgress

	if s.ResyncSize > 0 {
		p.Percent = int(s.ResyncPos * 100 / s.ResyncSize)
	}

	if s.ResyncDt > 0 {
		p.SpeedBytes = float64(s.ResyncDb) / float64(s.ResyncDt) * 1024
	}

	if p.SpeedBytes > 0 && s.ResyncSize > s.ResyncPos {
		remainingBlocks := float64(s.ResyncSize - s.ResyncPos)
		blocksPerSec := float64(s.ResyncDb) / float64(s.ResyncDt)
		if blocksPerSec > 0 {
			seconds := remainingBlocks / blocksPerSec
			p.ETA = formatETA(seconds)
		}
	}

	p.Description = describeAction(s.ResyncAction)

	return p
}

func formatETA(seconds float64) string {
	total := int64(seconds)
	h := total / 3600
	m := (total % 3600) / 60
	sec := total % 60

	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, sec)
	}

	return fmt.Sprintf("%d:%02d", m, sec)
}

// describeAction decodes the action string into a human description.
func describeAction(action string) string {
	switch action {
	case "":
		return ""
	case "recon P":
		return "recon P"
	case "recon Q":
		return "recon Q"
	case "recon P Q":
		return "recon P Q"
	case "check P":
		return "check P"
	case "check Q":
		return "check Q"
	case "check P Q":
		return "check P Q"
	case "clear":
		return "clear"
	case "check":
		return "check"
	}

	if strings.HasPrefix(action, "recon D") {
		return action
	}

	return action
}

// Auto toggles between "check NOCORRECT" when idle and "cancel" when
// running.
func (d *NonRaidDriver) Auto(ctx context.Context) error {
	st, err := d.ReadStatus()
	if err != nil {
		return err
	}

	if st.IsRunning() {
		return d.WriteCmd("cancel")
	}

	return d.WriteCmd("check NOCORRECT")
}

// RetryWriteMode retries "set md_write_method {0|1}" up to 10 times at 2s
// intervals until the array accepts it.
func (d *NonRaidDriver) RetryWriteMode(ctx context.Context, turbo bool) error {
	value := 0
	if turbo {
		value = 1
	}

	return retry.Retry(func(attempt uint) error {
		return d.WriteCmd(fmt.Sprintf("set md_write_method %d", value))
	}, strategy.Limit(10), strategy.Backoff(backoff.Fixed(2*time.Second)))
}

// RetryStartCheck retries "check" up to 10 times at 2s intervals to start
// the initial parity sync.
func (d *NonRaidDriver) RetryStartCheck(ctx context.Context) error {
	return retry.Retry(func(attempt uint) error {
		return d.WriteCmd("check")
	}, strategy.Limit(10), strategy.Backoff(backoff.Fixed(2*time.Second)))
}
