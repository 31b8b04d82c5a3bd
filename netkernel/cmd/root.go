// Package cmd provides the command-line interface for netkernel.
package cmd

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sarchlab/netkernel/config"
)

var (
	configPath string
	envFile    string
	logLevel   string

	cfg *config.Config
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "netkernel",
	Short: "netkernel runs discrete event network simulations.",
	Long: `netkernel runs discrete event network simulations, either in one ` +
		`process or split into ranks that synchronize over a granted time ` +
		`window.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		var envFiles []string
		if envFile != "" {
			envFiles = append(envFiles, envFile)
		}

		c, err := config.Resolve(configPath, envFiles...)
		if err != nil {
			return err
		}

		if cmd.Flags().Changed("log-level") {
			c.LogLevel = logLevel
			if err := c.Validate(); err != nil {
				return err
			}
		}

		logrus.SetLevel(c.Level())
		cfg = c

		return nil
	},
}

// Execute adds all child commands to the root command and sets flags
// appropriately.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"YAML configuration file (default $"+config.EnvConfig+")")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "",
		"file with environment overrides (default .env)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info",
		"log level (trace, debug, info, warn, error)")
}
