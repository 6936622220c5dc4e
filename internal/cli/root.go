// Package cli implements the steroids command-line interface.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile     string
	projectFlag string
	verbose     bool
	quiet       bool
	jsonOut     bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "steroids",
	Short: "Autonomous LLM task runner",
	Long: `steroids drives an automated coding loop across local repositories.

Tasks are grouped into sections and worked by runner processes that
alternate a coder and a reviewer, with an orchestrator deciding every
state transition and a coordinator breaking rejection loops.

Quick start:
  steroids init                     Initialize steroids in current project
  steroids tasks add "Fix login"    Queue a task
  steroids runners start            Work the queue in the foreground
  steroids wakeup                   Start runners for all registered projects
  steroids status                   Show project state`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		PrintError(err)
		return exitCode(err)
	}
	return 0
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ~/.steroids/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&projectFlag, "project", "P", "", "project directory (default is current directory)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress non-essential output")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "output as JSON")

	// Add subcommands
	rootCmd.AddCommand(newInitCmd())
	rootCmd.AddCommand(newTasksCmd())
	rootCmd.AddCommand(newSectionsCmd())
	rootCmd.AddCommand(newRunnersCmd())
	rootCmd.AddCommand(newWakeupCmd())
	rootCmd.AddCommand(newIncidentsCmd())
	rootCmd.AddCommand(newProjectsCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newVersionCmd())
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		// Search for config in .steroids directories
		viper.AddConfigPath(".steroids")
		viper.AddConfigPath("$HOME/.steroids")
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	viper.SetEnvPrefix("STEROIDS")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		if verbose {
			fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
		}
	}
}
