package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

type cmdStatus struct {
	global *cmdGlobal
}

func (g *cmdGlobal) newStatusCommand() *cobra.Command {
	c := &cmdStatus{global: g}

	cmd := &cobra.Command{
		Use:   "status <pool>",
		Short: "Show the live detail view for one pool",
		Args:  cobra.ExactArgs(1),
	}
	cmd.RunE = c.run

	return cmd
}

func (c *cmdStatus) run(cmd *cobra.Command, args []string) error {
	pool, err := c.global.mgr.GetPoolByID(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	fmt.Printf("Name:         %s\n", pool.Name)
	fmt.Printf("Type:         %s\n", pool.Type)
	fmt.Printf("Status:       %s\n", pool.Status)
	fmt.Printf("Mount point:  %s\n", pool.MountPoint)
	fmt.Printf("Automount:    %t\n", pool.Automount)
	fmt.Printf("Comment:      %s\n", pool.Comment)
	fmt.Printf("Data devices: %d\n", len(pool.DataDevices))

	for _, d := range pool.DataDevices {
		fmt.Printf("  - slot %s: %s\n", d.Slot, d.Device)
	}

	if len(pool.ParityDevices) > 0 {
		fmt.Printf("Parity devices: %d\n", len(pool.ParityDevices))

		for _, d := range pool.ParityDevices {
			fmt.Printf("  - slot %s: %s\n", d.Slot, d.Device)
		}
	}

	if pool.ParityOperation != "" {
		fmt.Printf("Parity op:    %s (%d%%, ETA %s, valid=%t)\n", pool.ParityOperation, pool.ParityProgress, pool.ParityETA, pool.ParityValid)
	}

	fmt.Printf("Storage:      %d/%d bytes used\n", pool.Storage.UsedBytes, pool.Storage.SizeBytes)

	return nil
}
