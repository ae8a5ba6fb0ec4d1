package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/imgate/internal/auth"
	"github.com/MarcoPoloResearchLab/imgate/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "imgate",
		Short: "Clustered instant messaging gateway",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newTokenCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("node-id", "", "Routable node identity (defaults to host:port of the listen address)")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-encoding", defaults.GetString("log.encoding"), "Log encoding (json, console)")
	cmd.PersistentFlags().String("signing-secret", "", "Auth token signing secret (overrides env)")
	cmd.PersistentFlags().String("admin-token", "", "Bearer token guarding admin routes")
	cmd.PersistentFlags().String("directory-backend", defaults.GetString("directory.backend"), "Cluster directory backend (etcd, memberlist, static)")
	cmd.PersistentFlags().StringSlice("etcd-endpoints", defaults.GetStringSlice("directory.etcd.endpoints"), "etcd endpoints")
	cmd.PersistentFlags().String("memberlist-bind", defaults.GetString("directory.memberlist.bind"), "memberlist gossip bind address")
	cmd.PersistentFlags().StringSlice("memberlist-seeds", nil, "memberlist seed addresses")
	cmd.PersistentFlags().String("nats-url", "", "NATS URL used for cross-node delivery")
	cmd.PersistentFlags().String("nats-embedded-listen", "", "Run an embedded NATS server on host:port")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "node.id", "node-id")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.encoding", "log-encoding")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "admin.token", "admin-token")
	bindFlag(cmd, "directory.backend", "directory-backend")
	bindFlag(cmd, "directory.etcd.endpoints", "etcd-endpoints")
	bindFlag(cmd, "directory.memberlist.bind", "memberlist-bind")
	bindFlag(cmd, "directory.memberlist.seeds", "memberlist-seeds")
	bindFlag(cmd, "relay.nats_url", "nats-url")
	bindFlag(cmd, "relay.embedded_listen", "nats-embedded-listen")
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

func newTokenCommand() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an auth-frame token for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			issuer, err := auth.NewTokenIssuer(auth.IssuerConfig{
				SigningSecret: []byte(appConfig.AuthSigningSecret),
				Issuer:        appConfig.AuthIssuer,
				TokenTTL:      appConfig.TokenTTL,
			})
			if err != nil {
				return err
			}
			token, expiresAt, err := issuer.Issue(strings.TrimSpace(userID))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", expiresAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "User id the token is issued for")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
