package cmd

import (
	"log"

	"github.com/spf13/cobra"
	"github.com/wraithward/wraithward/wraithward"
)

var (
	runCmd = &cobra.Command{
		Use:   "run [flags]",
		Short: "Starts the WraithWard bot",
		Run: func(cmd *cobra.Command, _ []string) {
			ctx := cmd.Context()
			ww, err := wraithward.New(cfg)
			if err != nil {
				log.Fatalf("error creating wraithward: %s", err.Error())
			}

			if err = ww.Run(ctx); err != nil {
				log.Fatalf("error running wraithward: %s", err.Error())
			}
		},
	}
)

//goland:noinspection GoLinter
func init() {
	rootCmd.AddCommand(runCmd)
}
