package main

import (
	"errors"
	"os"

	"github.com/MarcoPoloResearchLab/wikicollab/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "wikicollab-api",
		Short:         "Collaborative wiki editing service",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newTokenCommand(), newPageCommand(), newMemberCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	flags := cmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Path to configuration file")
	flags.String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	flags.String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	flags.String("database-path", defaults.GetString("database.path"), "SQLite database path")
	flags.String("database-dsn", "", "Postgres DSN")
	flags.String("redis-address", "", "Redis address; empty keeps presence and locks in memory")
	flags.String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	flags.String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	flags.String("signing-secret", "", "Session signing secret (overrides env)")
	flags.Int("recent-limit", defaults.GetInt("history.recent_limit"), "Versions kept inline per page")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "redis.address", "redis-address")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "history.recent_limit", "recent-limit")
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
