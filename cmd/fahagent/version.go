package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/foldlattice/agent/internal/version"
)

var versionJSON bool

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show fahagent version information",
	Run: func(cmd *cobra.Command, args []string) {
		info := version.Get()
		if versionJSON {
			out, _ := json.MarshalIndent(info, "", "  ")
			fmt.Println(string(out))
			return
		}
		fmt.Println(info.String())
		fmt.Printf("Platform: %s\n", info.Platform)
		fmt.Printf("Go: %s\n", info.GoVersion)
	},
}

func init() {
	versionCmd.Flags().BoolVarP(&versionJSON, "json", "j", false, "output as JSON")
}
