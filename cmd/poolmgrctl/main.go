package main

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/blockpool/poolmgr/internal/blockdev"
	"github.com/blockpool/poolmgr/internal/collab"
	"github.com/blockpool/poolmgr/internal/config"
	"github.com/blockpool/poolmgr/internal/crypto"
	"github.com/blockpool/poolmgr/internal/engine"
	"github.com/blockpool/poolmgr/internal/fsmount"
	"github.com/blockpool/poolmgr/internal/logging"
	"github.com/blockpool/poolmgr/internal/manifest"
	"github.com/blockpool/poolmgr/internal/parity"
	"github.com/blockpool/poolmgr/internal/poolmgr"
	"github.com/blockpool/poolmgr/internal/reconcile"
	"github.com/blockpool/poolmgr/internal/safety"
	"github.com/blockpool/poolmgr/internal/schedule"
)

// cmdGlobal holds flags and the fully wired Manager shared by every
// subcommand.
type cmdGlobal struct {
	flagDebug   bool
	flagConfig  string
	flagNoWatch bool

	mgr      *poolmgr.Manager
	sched    *schedule.Runner
	log      *logrus.Logger
	disksRef *collab.LocalDiskInventory
}

func main() {
	global := &cmdGlobal{}

	app := &cobra.Command{
		Use:   "poolmgrctl",
		Short: "Operator CLI for the block-storage pool manager",
		Long: `Description:
  poolmgrctl drives the pool manager's engine directly: create, mount,
  unmount, and reconfigure ext4/xfs, BTRFS, MergerFS+SnapRAID, and NonRAID
  pools, and inspect live disk status, all against the same JSON manifest
  the manager process itself reads and writes.`,
		SilenceUsage:      true,
		PersistentPreRunE: global.setup,
	}
	app.CompletionOptions = cobra.CompletionOptions{DisableDefaultCmd: true}

	app.PersistentFlags().BoolVar(&global.flagDebug, "debug", false, "Enable debug logging")
	app.PersistentFlags().StringVar(&global.flagConfig, "manifest", "", "Path to the pools.json manifest (overrides the default layout)")

	app.AddCommand(global.newListCommand())
	app.AddCommand(global.newStatusCommand())
	app.AddCommand(global.newCreateCommand())
	app.AddCommand(global.newMountCommand())
	app.AddCommand(global.newUnmountCommand())
	app.AddCommand(global.newRemoveCommand())
	app.AddCommand(global.newParityCommand())
	app.AddCommand(global.newDisksCommand())

	if err := app.Execute(); err != nil {
		os.Exit(1)
	}
}

// setup wires every component exactly once, before any subcommand runs.
func (g *cmdGlobal) setup(cmd *cobra.Command, args []string) error {
	cfg := config.Default()
	if g.flagConfig != "" {
		cfg.ManifestPath = g.flagConfig
	}

	logrusLog := logging.New(g.flagDebug)
	g.log = logrusLog

	primitives := blockdev.New()
	cryptoBackend := crypto.New()
	fsLayer := fsmount.New(primitives)
	disks := collab.NewLocalDiskInventory()
	probe := collab.NoServiceProbe{}
	snapraid := parity.NewSnapRAIDRunner("/run/snapraid", cfg.SnapRAIDConfigDir)
	nonraid := parity.NewNonRaidDriver()
	guard := safety.New(probe)

	store := manifest.New(cfg.ManifestPath, collab.NoopEmitter{})

	eng := engine.New(engine.Deps{
		Config:     &cfg,
		Primitives: primitives,
		FS:         fsLayer,
		Crypto:     cryptoBackend,
		Manifest:   store,
		Guard:      guard,
		SnapRAID:   snapraid,
		NonRaid:    nonraid,
		Log:        logrusLog,
	})

	reconciler := reconcile.New(primitives, fsLayer, snapraid, nonraid, disks)

	mgr := poolmgr.New(poolmgr.Deps{
		Config:     &cfg,
		Engine:     eng,
		Reconciler: reconciler,
		Manifest:   store,
		Disks:      disks,
		Log:        logrusLog,
	})

	g.mgr = mgr
	g.disksRef = disks

	if !g.flagNoWatch {
		g.sched = schedule.New(store, mgr, logrusLog)
	}

	return nil
}
