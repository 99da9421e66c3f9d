package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"salesetl/internal/datagen"
)

func (a *app) sampleCommand() *cobra.Command {
	var (
		rows       int
		seed       uint64
		out        string
		defectRate float64
	)
	cmd := &cobra.Command{
		Use:   "sample",
		Short: "Write a synthetic dirty sales CSV",
		Long: `sample writes a reproducible sales export with realistic noise: mixed casing
and spacing, currency decorations, several date formats, and a share of rows
(--defect-rate) carrying exactly one defect the cleaner rejects.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if rows <= 0 {
				return errors.New("--rows must be positive")
			}
			if out == "" {
				return errors.New("--out is required")
			}
			delim := ','
			if cmd.Flags().Changed("delimiter") {
				r := []rune(a.flags.delimiter)
				if len(r) != 1 {
					return fmt.Errorf("delimiter must be a single character, got %q", a.flags.delimiter)
				}
				delim = r[0]
			}

			s := datagen.New(datagen.Options{Seed: seed, DefectRate: defectRate}).Generate(rows)
			if err := datagen.WriteFile(out, s.Rows, delim); err != nil {
				return err
			}

			planted := 0
			for _, n := range s.Defects {
				planted += n
			}
			a.printf("wrote %d rows to %s (%d with defects)\n", len(s.Rows), out, planted)
			return nil
		},
	}
	f := cmd.Flags()
	f.IntVar(&rows, "rows", 100, "number of data rows")
	f.Uint64Var(&seed, "seed", 1, "random seed; the same seed writes the same file")
	f.StringVar(&out, "out", "", "output file path")
	f.Float64Var(&defectRate, "defect-rate", 0.15, "share of rows with one rejectable defect (negative for none)")
	return cmd
}
