package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "relay-server",
	Short: "Relay camera frames to displays and record each camera stream",
	Long: `relay-server accepts camera and display clients over TCP. Frames streamed by a
camera are pushed to every connected display and, when the camera leaves,
written to a recording in the output directory.`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
