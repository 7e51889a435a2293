package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

type cmdMount struct {
	global *cmdGlobal
}

func (g *cmdGlobal) newMountCommand() *cobra.Command {
	c := &cmdMount{global: g}

	cmd := &cobra.Command{
		Use:   "mount <pool>",
		Short: "Mount a pool by id",
		Args:  cobra.ExactArgs(1),
	}
	cmd.RunE = c.run

	return cmd
}

func (c *cmdMount) run(cmd *cobra.Command, args []string) error {
	res, err := c.global.mgr.MountPoolByID(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	fmt.Println(res.Message)

	return nil
}

type cmdUnmount struct {
	global *cmdGlobal

	flagForce bool
}

func (g *cmdGlobal) newUnmountCommand() *cobra.Command {
	c := &cmdUnmount{global: g}

	cmd := &cobra.Command{
		Use:   "unmount <pool>",
		Short: "Unmount a pool by id",
		Args:  cobra.ExactArgs(1),
	}
	cmd.RunE = c.run
	cmd.Flags().BoolVar(&c.flagForce, "force", false, "Unmount even if busy")

	return cmd
}

func (c *cmdUnmount) run(cmd *cobra.Command, args []string) error {
	res, err := c.global.mgr.UnmountPoolByID(cmd.Context(), args[0], c.flagForce)
	if err != nil {
		return err
	}

	fmt.Println(res.Message)

	return nil
}
