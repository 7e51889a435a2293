package main

import (
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/blockpool/poolmgr/internal/poolmgr"
)

type cmdDisks struct {
	global *cmdGlobal
}

func (g *cmdGlobal) newDisksCommand() *cobra.Command {
	c := &cmdDisks{global: g}

	cmd := &cobra.Command{
		Use:   "disks",
		Short: "Inspect and control physical disks",
	}

	cmd.AddCommand(c.newDisksListCommand())
	cmd.AddCommand(c.newDisksControlCommand())

	return cmd
}

func (c *cmdDisks) newDisksListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List disks and their live power/type status",
		RunE: func(cmd *cobra.Command, args []string) error {
			statuses, err := c.global.mgr.GetDiskStatus(cmd.Context())
			if err != nil {
				return err
			}

			renderDiskTable(statuses)

			return nil
		},
	}

	return cmd
}

func (c *cmdDisks) newDisksControlCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "control <device> <wake|standby|sleep>",
		Short: "Issue a power-state transition against a disk",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.global.mgr.ControlDisk(cmd.Context(), args[0], poolmgr.DiskAction(args[1]))
		},
	}

	return cmd
}

func renderDiskTable(statuses []poolmgr.DiskStatus) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetAutoWrapText(false)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetRowLine(true)
	table.SetHeader([]string{"Device", "Model", "Serial", "Type", "Power"})

	for _, d := range statuses {
		rotational := "ssd"
		if d.Rotational {
			rotational = "hdd"
		}

		if d.USBInfo != "" {
			rotational = fmt.Sprintf("%s/%s", rotational, d.USBInfo)
		}

		table.Append([]string{d.Device, d.Model, d.Serial, rotational, string(d.Power)})
	}

	table.Render()
}
