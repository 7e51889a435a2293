package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/blockpool/poolmgr/internal/poolmgr"
	"github.com/blockpool/poolmgr/internal/reconcile"
)

type cmdList struct {
	global *cmdGlobal

	flagType   string
	flagSearch string
}

func (g *cmdGlobal) newListCommand() *cobra.Command {
	c := &cmdList{global: g}

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List pools and their live status",
	}
	cmd.RunE = c.run
	cmd.Flags().StringVar(&c.flagType, "type", "", "Filter by pool type (ext4, xfs, btrfs, mergerfs, nonraid)")
	cmd.Flags().StringVar(&c.flagSearch, "search", "", "Filter by name substring")

	return cmd
}

func (c *cmdList) run(cmd *cobra.Command, args []string) error {
	pools, err := c.global.mgr.ListPools(cmd.Context(), poolmgr.ListFilters{
		Type:      c.flagType,
		NameMatch: c.flagSearch,
	})
	if err != nil {
		return err
	}

	renderPoolTable(pools)

	return nil
}

func renderPoolTable(pools []reconcile.RuntimePool) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetAutoWrapText(false)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetRowLine(true)
	table.SetHeader([]string{"Name", "Type", "Status", "Devices", "Parity", "Mount Point", "Automount"})

	for _, p := range pools {
		table.Append([]string{
			p.Name,
			p.Type,
			p.Status,
			strconv.Itoa(len(p.DataDevices)),
			strconv.Itoa(len(p.ParityDevices)),
			p.MountPoint,
			fmt.Sprintf("%t", p.Automount),
		})
	}

	table.Render()
}
