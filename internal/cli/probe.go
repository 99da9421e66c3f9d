package cli

import (
	"maps"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"salesetl/internal/probe"
)

func (a *app) probeCommand() *cobra.Command {
	var sampleBytes int
	cmd := &cobra.Command{
		Use:   "probe <csv-file>",
		Short: "Inspect the head of a file and suggest input settings",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.setup(cmd)
			if err != nil {
				return err
			}
			res, err := probe.Probe(args[0], probe.Options{
				SampleBytes: sampleBytes,
				DateLayouts: cfg.Clean.DateLayouts,
			})
			if err != nil {
				return err
			}

			a.printf("delimiter: %s\n", probe.DelimiterName(res.Delimiter))
			a.printf("encoding:  %s", res.Encoding)
			if res.BOM != "" {
				a.printf(" (byte order mark present)")
			}
			a.printf("\nsampled rows: %d\n", res.SampleRows)
			if len(res.Missing) > 0 {
				a.printf("missing columns: %s\n", strings.Join(res.Missing, ", "))
			}
			for _, c := range res.Columns {
				a.printf("  %-14s %-8s %d values\n", c.Name, c.Type, c.NonEmpty)
			}
			if res.DateLayouts != nil {
				for _, layout := range slices.Sorted(maps.Keys(res.DateLayouts)) {
					a.printf("date layout %-12s %d\n", layout, res.DateLayouts[layout])
				}
				a.printf("unparsable dates: %d, ambiguous dates: %d\n", res.UnparsableDates, res.AmbiguousDates)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&sampleBytes, "sample-bytes", 64<<10, "bytes read from the start of the file")
	return cmd
}
