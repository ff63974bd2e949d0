package main

import (
	"errors"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/MarcoPoloResearchLab/trambar/internal/config"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "trambar-client",
		Short:        "Query and edit Trambar data from the command line",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(
		newFindCommand(),
		newSaveCommand(),
		newRemoveCommand(),
		newWatchCommand(),
		newSessionCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyClientDefaults(viper.GetViper())
	defaults := config.NewClientViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("server", defaults.GetString("server.address"), "Server address")
	cmd.PersistentFlags().String("schema", defaults.GetString("server.schema"), "Schema to work against; local uses the on-device store")
	cmd.PersistentFlags().String("token", "", "Session token (overrides env)")
	cmd.PersistentFlags().String("local-path", defaults.GetString("local.path"), "SQLite file backing the local schema")
	cmd.PersistentFlags().Duration("save-delay", defaults.GetDuration("save.delay"), "Delay before saves are sent, coalescing rapid edits")
	cmd.PersistentFlags().Duration("refresh-interval", defaults.GetDuration("search.refresh_interval"), "Age after which cached searches refresh")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")

	bindFlag(cmd, "server.address", "server")
	bindFlag(cmd, "server.schema", "schema")
	bindFlag(cmd, "session.token", "token")
	bindFlag(cmd, "local.path", "local-path")
	bindFlag(cmd, "save.delay", "save-delay")
	bindFlag(cmd, "search.refresh_interval", "refresh-interval")
	bindFlag(cmd, "log.level", "log-level")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}
