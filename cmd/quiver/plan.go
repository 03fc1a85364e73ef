package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v3"

	"github.com/23skdu/longbow-quiver/internal/placement"
)

func planCmd() *cli.Command {
	return &cli.Command{
		Name:  "plan",
		Usage: "Print the layer to device placement without opening any device",
		Flags: concat(commonModelFlags(), loggingFlags()),
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			plan, err := placement.NewPlan(cfg.Devices, cfg.Layers)
			if err != nil {
				return err
			}
			printPlan(os.Stdout, plan)
			return nil
		},
	}
}

func printPlan(w io.Writer, plan *placement.Plan) {
	var data [][]string
	for _, g := range plan.Groups() {
		layers := "-"
		if g.Count > 0 {
			layers = fmt.Sprintf("%d..%d", g.First, g.First+g.Count-1)
		}
		post := ""
		if g.Count > 0 && g.Device == plan.Last() {
			post = "yes"
		}
		data = append(data, []string{strconv.Itoa(g.Device), layers, strconv.Itoa(g.Count), post})
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"DEVICE", "LAYERS", "COUNT", "POST HEAD"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()
}
