package main

import (
	"github.com/spf13/cobra"
)

// BuildVersion is set at build time with -ldflags "-X main.BuildVersion=..."
var BuildVersion = "dev"

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "authgate",
		Short:         "OIDC bearer token gate",
		Long:          "Validates OIDC bearer tokens against a configured issuer and audience and protects HTTP endpoints with them.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	root.AddCommand(newServeCmd())
	root.AddCommand(newVerifyCmd())
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version number of authgate",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("%s\n", BuildVersion)
		},
	})

	return root
}
