package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/relay-server/internal/recording"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect <file>...",
	Short: "Print frame count, geometry and rate of recordings",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		failed := 0
		for _, path := range args {
			info, err := recording.Inspect(path)
			if err != nil {
				cmd.PrintErrf("%s: %v\n", path, err)
				failed++
				continue
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s %s, %d frames, %d bytes\n",
				path, info.Container, info.Format, info.Frames, info.Bytes)
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d files could not be read", failed, len(args))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(inspectCmd)
}
