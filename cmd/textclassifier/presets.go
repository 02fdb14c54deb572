package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	textclassifier "github.com/nlpkit/textclassifier"
)

var presetsCmd = &cobra.Command{
	Use:   "presets",
	Short: "List the built-in model presets",
	RunE:  runPresets,
}

func runPresets(cmd *cobra.Command, args []string) error {
	registry := textclassifier.DefaultRegistry()

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tLAYERS\tHIDDEN\tCLASSES\tDESCRIPTION")

	for _, name := range registry.Names() {
		p, err := registry.Get(name)
		if err != nil {
			return err
		}

		classes := "-"
		if p.NumClasses > 0 {
			classes = fmt.Sprintf("%d", p.NumClasses)
		}

		fmt.Fprintf(w, "%s\t%d\t%d\t%s\t%s\n",
			name, p.Backbone.NumLayers, p.Backbone.HiddenDim, classes, p.Description)
	}

	return w.Flush()
}
