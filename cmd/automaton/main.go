package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

type config struct {
	Addr            string
	DBPath          string
	Workers         int
	TickSeconds     int
	VaultPassphrase string
	VaultSalt       string
	LogLevel        string
	LogFormat       string
}

type cli struct {
	cfg config
}

func setupFlags(cmd *cobra.Command) error {
	cmd.Flags().String("config-file", "", "Path to config file.")
	cmd.Flags().String("addr", ":8080", "http listen address")
	cmd.Flags().String("db", "file:automaton.db", "libsql database path")
	cmd.Flags().Int("workers", 8, "max concurrent workflow executions")
	cmd.Flags().Int("tick-seconds", 60, "scheduler tick interval in seconds")
	cmd.Flags().String("vault-passphrase", "", "passphrase for the webhook secret vault")
	cmd.Flags().String("vault-salt", "automaton-vault", "salt for vault key derivation")
	cmd.Flags().String("log-level", "info", "log level: debug, info, warn, error")
	cmd.Flags().String("log-format", "json", "log format: json or text")
	return viper.BindPFlags(cmd.Flags())
}

func (c *cli) setupConfig(cmd *cobra.Command, args []string) error {
	configFile, err := cmd.Flags().GetString("config-file")
	if err != nil {
		return err
	}
	if configFile != "" {
		viper.SetConfigFile(configFile)
		if err := viper.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return err
			}
		}
	}
	viper.SetEnvPrefix("AUTOMATON")
	viper.AutomaticEnv()

	c.cfg.Addr = viper.GetString("addr")
	c.cfg.DBPath = viper.GetString("db")
	c.cfg.Workers = viper.GetInt("workers")
	c.cfg.TickSeconds = viper.GetInt("tick-seconds")
	c.cfg.VaultPassphrase = viper.GetString("vault-passphrase")
	c.cfg.VaultSalt = viper.GetString("vault-salt")
	c.cfg.LogLevel = viper.GetString("log-level")
	c.cfg.LogFormat = viper.GetString("log-format")
	return nil
}

func main() {
	cli := &cli{}
	cmd := &cobra.Command{
		Use:     "automaton",
		Short:   "Workflow automation engine for the accounting platform",
		PreRunE: cli.setupConfig,
		RunE:    cli.run,
	}
	if err := setupFlags(cmd); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
