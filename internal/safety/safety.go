// Package safety runs pre-destructive checks for busy sub-mounts under a
// pool's path and for collaborator
// service dependencies, both bypassable with force.
package safety

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/blockpool/poolmgr/internal/cmdutil"
	"github.com/blockpool/poolmgr/internal/collab"
	"github.com/blockpool/poolmgr/internal/poolerr"
)

// Guard runs pre-destructive checks before a pool is unmounted or removed.
type Guard struct {
	Run   cmdutil.Runner
	Probe collab.ServiceDependencyProbe // may be nil: dependency check is skipped
}

// New constructs a Guard using the real process executor.
func New(probe collab.ServiceDependencyProbe) *Guard {
	return &Guard{Run: cmdutil.Exec{}, Probe: probe}
}

// CheckBusyMounts runs `findmnt -R` under poolMount and reports any
// sub-mount other than the pool root itself.
func (g *Guard) CheckBusyMounts(ctx context.Context, poolMount string) ([]string, error) {
	res, err := g.Run.Run(ctx, cmdutil.New("findmnt", "-R", "-n", "-o", "TARGET", poolMount).WithOKExitCodes(1).WithTimeout(10*time.Second))
	if err != nil {
		return nil, poolerr.Subsystem("findmnt", err)
	}

	var subMounts []string
	for _, line := range strings.Split(strings.TrimSpace(res.Stdout), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || line == poolMount {
			continue
		}

		subMounts = append(subMounts, line)
	}

	return subMounts, nil
}

// pathUnder reports whether candidate is poolPath itself or nested under it.
func pathUnder(candidate, poolPath string) bool {
	candidate = filepath.Clean(candidate)
	poolPath = filepath.Clean(poolPath)

	if candidate == poolPath {
		return true
	}

	return strings.HasPrefix(candidate, poolPath+string(filepath.Separator))
}

// CheckServiceDependencies queries the service-dependency probe for
// Docker/VM/LXC paths resolving under any of watchPaths (the pool's mount
// root plus its currently-mounted branch mounts), and returns the
// conflicting paths.
func (g *Guard) CheckServiceDependencies(ctx context.Context, watchPaths []string) ([]string, error) {
	if g.Probe == nil {
		return nil, nil
	}

	var all []string

	docker, err := g.Probe.DockerPaths(ctx)
	if err != nil {
		return nil, poolerr.Transient("docker dependency probe: %s", err)
	}

	vm, err := g.Probe.VMPaths(ctx)
	if err != nil {
		return nil, poolerr.Transient("vm dependency probe: %s", err)
	}

	lxc, err := g.Probe.LXCPaths(ctx)
	if err != nil {
		return nil, poolerr.Transient("lxc dependency probe: %s", err)
	}

	all = append(all, docker...)
	all = append(all, vm...)
	all = append(all, lxc...)

	var conflicts []string
	for _, p := range all {
		for _, watch := range watchPaths {
			if pathUnder(p, watch) {
				conflicts = append(conflicts, p)
				break
			}
		}
	}

	return conflicts, nil
}

// CheckDestructive runs both checks and returns a single Precondition error
// describing whatever is found, or nil if the operation may proceed. Both
// checks are skipped when force is true.
func (g *Guard) CheckDestructive(ctx context.Context, poolMount string, branchPaths []string, force bool) error {
	if force {
		return nil
	}

	subMounts, err := g.CheckBusyMounts(ctx, poolMount)
	if err != nil {
		return err
	}

	if len(subMounts) > 0 {
		return poolerr.Precondition("sub-mounts present under %s: %s", poolMount, strings.Join(subMounts, ", "))
	}

	watch := append([]string{poolMount}, branchPaths...)

	conflicts, err := g.CheckServiceDependencies(ctx, watch)
	if err != nil {
		return err
	}

	if len(conflicts) > 0 {
		return poolerr.Precondition("service dependencies hold paths under the pool: %s", strings.Join(conflicts, ", "))
	}

	return nil
}
