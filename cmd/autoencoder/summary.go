package main

import (
	"fmt"
	"strconv"

	"github.com/born-ml/born/backend/cpu"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/born-ml/autoencoders/internal/checkpoint"
	"github.com/born-ml/autoencoders/internal/config"
	"github.com/born-ml/autoencoders/internal/layers"
	"github.com/born-ml/autoencoders/internal/noise"
)

// SummaryHandler prints the layers of the configured model, or of the model
// stored in a checkpoint, with their parameter counts.
func SummaryHandler(cmd *cobra.Command, args []string) error {
	var (
		cfg *config.File
		err error
	)
	if len(args) == 1 {
		cfg, err = checkpoint.ReadConfig(args[0])
	} else {
		cfg, err = loadConfig(cmd)
	}
	if err != nil {
		return err
	}

	backend := cpu.New()
	model, err := buildModel(cfg, backend, noise.NewSource(1))
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	if len(args) == 1 {
		info, err := checkpoint.Load[*cpu.Backend](args[0], backend, model, cfg.Model)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "checkpoint %s (run %s, %s)\n", args[0], info.RunID, info.CreatedAt.Format("2006-01-02 15:04:05"))
	}

	c, h, wd := cfg.Shape()
	fmt.Fprintf(w, "%s input [%d, %d, %d]\n\n", cfg.Model, c, h, wd)

	registry := model.Layers()
	var data [][]string
	total := 0
	for _, name := range registry.Names() {
		n := registry.NumParameters(name)
		total += n
		data = append(data, []string{name, layers.Describe(registry.Layer(name)), strconv.Itoa(n)})
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"NAME", "LAYER", "PARAMS"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.SetAutoWrapText(false)
	table.AppendBulk(data)
	table.Render()

	fmt.Fprintf(w, "\ntotal parameters: %d\n", total)
	return nil
}
