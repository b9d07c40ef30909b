package commands

import (
	"github.com/you-humble/alchemy/cmd/alchemy/ui"

	"github.com/spf13/cobra"
)

var (
	cfgFile   string
	serverURL string
	noColor   bool
)

var rootCmd = &cobra.Command{
	Use:   "alchemy",
	Short: "Alchemy turns documents, images, audio, video and web pages into markdown",
	Long: `Alchemy runs parse jobs on a bounded worker pool behind an HTTP API.
Use "serve" to run the service and the other commands to talk to it.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		ui.Init(noColor)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", "http://localhost:8080", "alchemy server URL")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
