package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/blockpool/poolmgr/internal/engine"
)

type cmdCreate struct {
	global *cmdGlobal
}

func (g *cmdGlobal) newCreateCommand() *cobra.Command {
	c := &cmdCreate{global: g}

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new pool",
	}

	cmd.AddCommand(c.newCreateSingleCommand())
	cmd.AddCommand(c.newCreateBtrfsCommand())
	cmd.AddCommand(c.newCreateMergerFSCommand())
	cmd.AddCommand(c.newCreateNonRaidCommand())

	return cmd
}

// createFlags are the options shared by every create subcommand.
type createFlags struct {
	format     bool
	automount  bool
	comment    string
	passphrase string
}

func (f *createFlags) register(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&f.format, "format", false, "Format the device(s), destroying any existing data")
	cmd.Flags().BoolVar(&f.automount, "automount", true, "Mount this pool automatically at startup")
	cmd.Flags().StringVar(&f.comment, "comment", "", "Free-form note stored with the pool")
	cmd.Flags().StringVar(&f.passphrase, "passphrase", "", "LUKS2 passphrase; omit for an unencrypted pool")
}

func (f *createFlags) options() engine.CreateOptions {
	return engine.CreateOptions{
		Format:     f.format,
		Automount:  f.automount,
		Comment:    f.comment,
		Passphrase: f.passphrase,
	}
}

func (c *cmdCreate) newCreateSingleCommand() *cobra.Command {
	var flags createFlags

	var fsType string

	cmd := &cobra.Command{
		Use:   "single <name> <device>",
		Short: "Create a single-device ext4/xfs pool",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := c.global.mgr.CreateSingleDevicePool(cmd.Context(), args[0], args[1], fsType, flags.options())
			if err != nil {
				return err
			}

			fmt.Println(res.Message)

			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&fsType, "fs", "ext4", "Filesystem to format with (ext4, xfs)")

	return cmd
}

func (c *cmdCreate) newCreateBtrfsCommand() *cobra.Command {
	var flags createFlags

	var raidLevel string

	cmd := &cobra.Command{
		Use:   "btrfs <name> <device>...",
		Short: "Create a multi-device BTRFS pool",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := c.global.mgr.CreateMultiDevicePool(cmd.Context(), args[0], args[1:], raidLevel, flags.options())
			if err != nil {
				return err
			}

			fmt.Println(res.Message)

			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&raidLevel, "raid", "single", "BTRFS data/metadata profile (single, raid0, raid1, raid10)")

	return cmd
}

func (c *cmdCreate) newCreateMergerFSCommand() *cobra.Command {
	var flags createFlags

	var parityDevices []string

	cmd := &cobra.Command{
		Use:   "mergerfs <name> <device>...",
		Short: "Create a MergerFS union pool with optional SnapRAID parity",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := c.global.mgr.CreateMergerFSPool(cmd.Context(), args[0], args[1:], parityDevices, flags.options())
			if err != nil {
				return err
			}

			fmt.Println(res.Message)

			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().StringSliceVar(&parityDevices, "parity", nil, "SnapRAID parity device(s) (repeatable)")

	return cmd
}

func (c *cmdCreate) newCreateNonRaidCommand() *cobra.Command {
	var flags createFlags

	var parityDevices []string

	cmd := &cobra.Command{
		Use:   "nonraid <name> <device>...",
		Short: "Create a NonRAID array with optional parity devices",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := c.global.mgr.CreateNonRaidPool(cmd.Context(), args[0], args[1:], parityDevices, flags.options())
			if err != nil {
				return err
			}

			fmt.Println(res.Message)

			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().StringSliceVar(&parityDevices, "parity", nil, "Parity device(s) (repeatable, up to 2)")

	return cmd
}
