package main

import (
	logging "github.com/ipfs/go-log/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var log = logging.Logger("client")

const shortDescription = `
RTracker Client - Query rounds and subnet groups from a round tracker service
`

const longDescription = `
The rtracker client reads round details from a round tracker service and requests
subnet group assignments.

By default, it will use a round tracker service running on localhost.
`

var (
	logLevel string

	rootCmd = &cobra.Command{
		Use:   "rtclient",
		Short: shortDescription,
		Long:  longDescription,
	}
)

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "logging level")

	rootCmd.PersistentFlags().String(
		"url",
		"http://localhost:8080",
		"Base URL of the round tracker service",
	)
	cobra.CheckErr(viper.BindPFlag("url", rootCmd.PersistentFlags().Lookup("url")))

	// register all commands and their subcommands
	rootCmd.AddCommand(roundCmd)
	rootCmd.AddCommand(groupCmd)
}

func initConfig() {
	viper.AutomaticEnv()
	viper.SetEnvPrefix("RTCLIENT")

	if logLevel != "" {
		ll, err := logging.LevelFromString(logLevel)
		cobra.CheckErr(err)
		logging.SetAllLoggers(ll)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
