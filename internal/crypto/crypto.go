// Package crypto implements LUKS2 format/open/close with keyfile or
// passphrase-on-stdin, and deterministic
// mapper naming by (pool, slot, role).
package crypto

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/Rican7/retry"
	"github.com/Rican7/retry/backoff"
	"github.com/Rican7/retry/strategy"

	"github.com/blockpool/poolmgr/internal/cmdutil"
	"github.com/blockpool/poolmgr/internal/poolerr"
)

// Role distinguishes data and parity mappers for naming purposes.
type Role int

const (
	RoleData Role = iota
	RoleParity
)

// MapperName returns the deterministic mapper name for (pool, slot, role):
// "<pool>_<slot>" for data, "parity_<pool>_<slot>" for parity.
func MapperName(pool, slot string, role Role) string {
	if role == RoleParity {
		return fmt.Sprintf("parity_%s_%s", pool, slot)
	}

	return fmt.Sprintf("%s_%s", pool, slot)
}

// MapperPath returns /dev/mapper/<name>.
func MapperPath(name string) string {
	return filepath.Join("/dev/mapper", name)
}

// MapperPartitionPath returns the formatted-partition device inside an
// opened mapper, "<mapper>p1".
func MapperPartitionPath(name string) string {
	return MapperPath(name) + "p1"
}

// Backend runs cryptsetup commands through a cmdutil.Runner.
type Backend struct {
	Run cmdutil.Runner
}

// New constructs a Backend using the real process executor.
func New() *Backend {
	return &Backend{Run: cmdutil.Exec{}}
}

// normalizePassphrase trims trailing \r\n, the single normalization point
// for passphrases arriving from the API, a file, or a keyfile.
func normalizePassphrase(p string) string {
	return strings.TrimRight(p, "\r\n")
}

// generatePassphrase returns a 32-character base64 random passphrase.
func generatePassphrase() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}

	enc := base64.StdEncoding.EncodeToString(buf)
	if len(enc) > 32 {
		enc = enc[:32]
	}

	return enc, nil
}

// EnsureKeyfile returns the passphrase to use for pool, generating and
// persisting one at keyfilePath (mode 0600) when createKeyfile is set and no
// passphrase was supplied, and reading an existing keyfile when present (a
// keyfile, once it exists, is authoritative over any supplied passphrase).
func EnsureKeyfile(keyfilePath, passphrase string, createKeyfile bool) (string, error) {
	if data, err := os.ReadFile(keyfilePath); err == nil {
		return normalizePassphrase(string(data)), nil
	}

	passphrase = normalizePassphrase(passphrase)

	if createKeyfile && passphrase == "" {
		generated, err := generatePassphrase()
		if err != nil {
			return "", fmt.Errorf("generate keyfile passphrase: %w", err)
		}

		passphrase = generated
	}

	if passphrase == "" {
		return "", poolerr.Validation("a passphrase is required when no keyfile exists")
	}

	if createKeyfile {
		if err := os.MkdirAll(filepath.Dir(keyfilePath), 0o700); err != nil {
			return "", fmt.Errorf("create keyfile directory: %w", err)
		}

		if err := os.WriteFile(keyfilePath, []byte(passphrase), 0o600); err != nil {
			return "", fmt.Errorf("write keyfile: %w", err)
		}
	}

	return passphrase, nil
}

// Format LUKS2-formats devices with passphrase fed via stdin (never argv).
func (b *Backend) Format(ctx context.Context, devices []string, passphrase string) error {
	for _, dev := range devices {
		cmd := cmdutil.New("cryptsetup", "luksFormat", "--type", "luks2", "--batch-mode", dev).
			WithStdin(passphrase + "\n").
			WithTimeout(60 * time.Second)

		if _, err := b.Run.Run(ctx, cmd); err != nil {
			return poolerr.Subsystem("cryptsetup luksFormat", err)
		}
	}

	return nil
}

// MapperInfo describes an opened LUKS mapper.
type MapperInfo struct {
	Name           string
	Path           string
	PartitionPath  string
	PhysicalDevice string
}

func (b *Backend) mapperExists(ctx context.Context, name string) bool {
	_, err := b.Run.Run(ctx, cmdutil.New("dmsetup", "info", name).WithTimeout(5*time.Second))
	return err == nil
}

// OpenWithSlots opens devices (one per slot, in order) as LUKS mappers named
// by (pool, slot, role). Idempotent: if a mapper already exists it is
// returned as-is rather than re-opened.
func (b *Backend) OpenWithSlots(ctx context.Context, pool string, devicesBySlot map[string]string, passphrase string, role Role) (map[string]MapperInfo, error) {
	result := make(map[string]MapperInfo, len(devicesBySlot))

	for slot, dev := range devicesBySlot {
		name := MapperName(pool, slot, role)

		if b.mapperExists(ctx, name) {
			result[slot] = MapperInfo{Name: name, Path: MapperPath(name), PartitionPath: MapperPartitionPath(name), PhysicalDevice: dev}
			continue
		}

		cmd := cmdutil.New("cryptsetup", "luksOpen", dev, name).
			WithStdin(passphrase + "\n").
			WithTimeout(30 * time.Second)

		if _, err := b.Run.Run(ctx, cmd); err != nil {
			return result, poolerr.Subsystem("cryptsetup luksOpen", err)
		}

		result[slot] = MapperInfo{Name: name, Path: MapperPath(name), PartitionPath: MapperPartitionPath(name), PhysicalDevice: dev}
	}

	return result, nil
}

// CloseWithSlots closes the mappers for pool/slots/role: the formatted
// partition mapper ("<name>p1") first if present, then the base mapper,
// falling back to "dmsetup remove" on failure. Close failures are warnings,
// never fatal.
func (b *Backend) CloseWithSlots(ctx context.Context, pool string, slots []string, role Role) []error {
	var warnings []error

	for _, slot := range slots {
		name := MapperName(pool, slot, role)

		if b.mapperExists(ctx, name+"p1") {
			if _, err := b.Run.Run(ctx, cmdutil.New("cryptsetup", "close", name+"p1").WithTimeout(15*time.Second)); err != nil {
				if _, derr := b.Run.Run(ctx, cmdutil.New("dmsetup", "remove", name+"p1").WithTimeout(15*time.Second)); derr != nil {
					warnings = append(warnings, poolerr.Transient("close %sp1: %s (dmsetup remove also failed: %s)", name, err, derr))
				}
			}
		}

		if _, err := b.Run.Run(ctx, cmdutil.New("cryptsetup", "close", name).WithTimeout(15*time.Second)); err != nil {
			if _, derr := b.Run.Run(ctx, cmdutil.New("dmsetup", "remove", name).WithTimeout(15*time.Second)); derr != nil {
				warnings = append(warnings, poolerr.Transient("close %s: %s (dmsetup remove also failed: %s)", name, err, derr))
			}
		}
	}

	return warnings
}

// mapperNamePattern returns the regex matching mapper names belonging to
// pool, covering data and parity, base and formatted-partition forms.
func mapperNamePattern(pool string) *regexp.Regexp {
	quoted := regexp.QuoteMeta(pool)
	return regexp.MustCompile(fmt.Sprintf(`^(parity_)?%s_\d+(p\d+)?$`, quoted))
}

// CleanupExistingMappers scans /dev/mapper/ for names matching pool's
// mapper-name pattern and closes them, recovering from a crashed prior run
// before a new create. Idempotent: a second call after the first is a
// no-op.
func (b *Backend) CleanupExistingMappers(ctx context.Context, pool string) error {
	entries, err := os.ReadDir("/dev/mapper")
	if err != nil {
		return poolerr.Subsystem("dev mapper scan", err)
	}

	pattern := mapperNamePattern(pool)

	// Close "p1" formatted-partition mappers before their base mapper so
	// device-mapper will actually let go of the underlying device.
	var partitionNames, baseNames []string
	for _, entry := range entries {
		name := entry.Name()
		if !pattern.MatchString(name) {
			continue
		}

		if strings.HasSuffix(name, "p1") {
			partitionNames = append(partitionNames, name)
		} else {
			baseNames = append(baseNames, name)
		}
	}

	for _, name := range partitionNames {
		_, _ = b.Run.Run(ctx, cmdutil.New("cryptsetup", "close", name).WithTimeout(15*time.Second))
	}

	for _, name := range baseNames {
		_, _ = b.Run.Run(ctx, cmdutil.New("cryptsetup", "close", name).WithTimeout(15*time.Second))
	}

	return nil
}

// WaitForMapper polls for a mapper's existence, used after luksOpen on
// slower controllers where the device-mapper node can lag the command's
// return.
func (b *Backend) WaitForMapper(ctx context.Context, name string) error {
	return retry.Retry(func(attempt uint) error {
		if b.mapperExists(ctx, name) {
			return nil
		}

		return fmt.Errorf("mapper %s not yet present", name)
	}, strategy.Limit(10), strategy.Backoff(backoff.Fixed(200*time.Millisecond)))
}
