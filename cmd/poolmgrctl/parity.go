package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/blockpool/poolmgr/internal/parity"
)

type cmdParity struct {
	global *cmdGlobal
}

func (g *cmdGlobal) newParityCommand() *cobra.Command {
	c := &cmdParity{global: g}

	cmd := &cobra.Command{
		Use:   "parity",
		Short: "Drive SnapRAID and NonRAID parity operations",
	}

	cmd.AddCommand(c.newSnapraidCommand())
	cmd.AddCommand(c.newNonraidCommand())

	return cmd
}

func (c *cmdParity) newSnapraidCommand() *cobra.Command {
	var fixDisks []string

	cmd := &cobra.Command{
		Use:   "snapraid <pool> <sync|check|scrub|fix|force_stop>",
		Short: "Run a SnapRAID operation against a MergerFS pool",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := c.global.mgr.ExecuteSnapRAIDOperation(cmd.Context(), args[0], parity.SnapRAIDOp(args[1]), fixDisks)
			if err != nil {
				return err
			}

			fmt.Println(res.Message)

			return nil
		},
	}
	cmd.Flags().StringSliceVar(&fixDisks, "disk", nil, "Limit a fix operation to these data disks (repeatable)")

	return cmd
}

func (c *cmdParity) newNonraidCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "nonraid <pool> <check|check-correct|pause|resume|cancel|auto>",
		Short: "Run a NonRAID parity control operation",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			op, err := parseNonRaidOp(args[1])
			if err != nil {
				return err
			}

			res, err := c.global.mgr.ExecuteNonRaidParityOperation(cmd.Context(), args[0], op)
			if err != nil {
				return err
			}

			fmt.Println(res.Message)

			return nil
		},
	}

	return cmd
}

func parseNonRaidOp(s string) (parity.NonRaidOp, error) {
	switch s {
	case "check":
		return parity.NonRaidCheck, nil
	case "check-correct":
		return parity.NonRaidCheckCorrect, nil
	case "pause":
		return parity.NonRaidPause, nil
	case "resume":
		return parity.NonRaidResume, nil
	case "cancel":
		return parity.NonRaidCancel, nil
	case "auto":
		return parity.NonRaidAuto, nil
	default:
		return "", fmt.Errorf("unknown nonraid operation %q", s)
	}
}
