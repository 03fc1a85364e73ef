package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v3"

	"github.com/23skdu/longbow-quiver/internal/config"
	"github.com/23skdu/longbow-quiver/internal/device"
	"github.com/23skdu/longbow-quiver/internal/logger"
)

func devicesCmd() *cli.Command {
	return &cli.Command{
		Name:  "devices",
		Usage: "Open the configured devices and print their free memory",
		Flags: concat(commonModelFlags(), loggingFlags()),
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			logger.Setup(cfg.LogLevel, cfg.LogFormat)

			driver, err := openDriver(cfg)
			if err != nil {
				return err
			}
			reg, err := device.OpenRegistry(ctx, driver, cfg.Devices, cfg.InitTimeout)
			if err != nil {
				return err
			}
			defer reg.Close()

			report, err := reg.MemoryReport(ctx)
			if err != nil {
				return err
			}
			printMemory(os.Stdout, report)
			return nil
		},
	}
}

// openDriver returns the accelerator driver named by the backend setting.
func openDriver(cfg config.Config) (device.Driver, error) {
	switch cfg.Backend {
	case "host":
		return device.NewHostDriver(cfg.Host.DeviceMemory), nil
	}
	return nil, fmt.Errorf("%w: backend %q is not built into this binary (want host)", config.ErrInvalid, cfg.Backend)
}

func printMemory(w io.Writer, report []device.MemoryInfo) {
	var data [][]string
	for _, m := range report {
		used := 0.0
		if m.Total > 0 {
			used = 100 * float64(m.Used()) / float64(m.Total)
		}
		data = append(data, []string{
			strconv.Itoa(m.Device),
			fmt.Sprintf("%d MiB", m.Free>>20),
			fmt.Sprintf("%d MiB", m.Total>>20),
			fmt.Sprintf("%.1f%%", used),
		})
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"DEVICE", "FREE", "TOTAL", "USED"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()
}
