package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the safety-hub version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("safety-hub", version)
		},
	}
}
