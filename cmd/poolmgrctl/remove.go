package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

type cmdRemove struct {
	global *cmdGlobal

	flagForce bool
}

func (g *cmdGlobal) newRemoveCommand() *cobra.Command {
	c := &cmdRemove{global: g}

	cmd := &cobra.Command{
		Use:   "remove <pool>",
		Short: "Unmount and remove a pool from the manifest",
		Args:  cobra.ExactArgs(1),
	}
	cmd.RunE = c.run
	cmd.Flags().BoolVar(&c.flagForce, "force", false, "Remove even if mounted paths are busy")

	return cmd
}

func (c *cmdRemove) run(cmd *cobra.Command, args []string) error {
	res, err := c.global.mgr.RemovePoolByID(cmd.Context(), args[0], c.flagForce)
	if err != nil {
		return err
	}

	fmt.Println(res.Message)

	return nil
}
