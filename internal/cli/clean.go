package cli

import (
	"github.com/spf13/cobra"
)

func (a *app) cleanCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "clean <csv-file>",
		Short: "Validate a file and report rejections without touching the store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.setup(cmd)
			if err != nil {
				return err
			}
			prep, err := a.newRunner(cfg).Prepare(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			b := prep.Batch
			a.printSummary(b.Summary(), b.Conflicts)
			a.printf("distinct: %d products, %d retailers, %d dates\n", len(b.Products), len(b.Retailers), len(b.Dates))
			for _, r := range b.Rejected {
				a.printf("%s\n", r.Error())
			}
			return nil
		},
	}
}
