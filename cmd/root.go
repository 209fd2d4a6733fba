package cmd

import "github.com/spf13/cobra"

func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "turnguard",
		Short:         "turnguard: keep agent conversations valid across failures",
		Long:          "turnguard caches reasoning signatures, rotates OAuth credentials across rate limits, repairs tool_use/tool_result pairing and recovers sessions the upstream rejected as corrupt.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	app, err := wireApp()
	if err != nil {
		rootCmd.RunE = func(_ *cobra.Command, _ []string) error {
			return err
		}
		rootCmd.AddCommand(newVersionCmd())
		return rootCmd
	}

	rootCmd.AddCommand(
		newVersionCmd(),
		newConfigCmd(app),
		newCredentialCmd(app),
		newCacheCmd(app),
		newRepairCmd(app),
		newServeCmd(app),
	)

	return rootCmd
}
