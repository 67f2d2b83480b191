package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// version is stamped by the release build via -ldflags.
var version = "dev"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the fc version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("fc " + version)
	},
}
