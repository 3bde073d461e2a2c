package main

import (
	logging "github.com/ipfs/go-log/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var log = logging.Logger("rtracker")

const shortDescription = `
RTracker - Retrieval round coordination for checker networks
`

const longDescription = `
RTracker follows the round start events of the measurement contract, materializes
the retrieval tasks of every round and assigns participants to subnet groups.
`

var (
	cfgFile string

	logLevel string

	rootCmd = &cobra.Command{
		Use:   "rtracker",
		Short: shortDescription,
		Long:  longDescription,
	}
)

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "logging level")

	// register all commands and their subcommands
	rootCmd.AddCommand(startCmd)
}

func initConfig() {
	viper.AutomaticEnv()
	viper.SetEnvPrefix("RTRACKER")

	if logLevel != "" {
		ll, err := logging.LevelFromString(logLevel)
		cobra.CheckErr(err)
		logging.SetAllLoggers(ll)
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		cobra.CheckErr(viper.ReadInConfig())
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
