// Package cmd contains the CLI commands for chatsync.
package cmd

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/zhouzirui/z-tavern/chatsync/internal/api"
	"github.com/zhouzirui/z-tavern/chatsync/internal/config"
	"github.com/zhouzirui/z-tavern/chatsync/internal/eventbus"
	"github.com/zhouzirui/z-tavern/chatsync/internal/logging"
	"github.com/zhouzirui/z-tavern/chatsync/internal/session"
	"github.com/zhouzirui/z-tavern/chatsync/internal/transport"
)

var (
	// Version info (set from main)
	version   = "dev"
	buildTime = "unknown"

	// Global flags
	envFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "chatsync",
	Short: "Terminal client for the real-time chat backend",
	Long: `chatsync keeps a conversation in sync with the chat backend over
WebSocket: live messages, AI answers streamed token by token, unread
notifications and project file selections.

Credentials come from CHAT_TOKEN and CHAT_USER_ID (or a .env file).`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersionInfo sets version information from the main package.
func SetVersionInfo(v, bt string) {
	version = v
	buildTime = bt
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env", ".env", "dotenv file to load before reading the environment")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(conversationsCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "chatsync %s\n", version)
		fmt.Fprintf(cmd.OutOrStdout(), "  Build time: %s\n", buildTime)
	},
}

// client bundles everything a command needs to talk to the backend.
type client struct {
	cfg    *config.Config
	logger zerolog.Logger
	api    *api.Client
	links  *session.Links
	bus    *eventbus.Bus
}

func newClient() (*client, error) {
	// 缺少 .env 时直接使用系统环境变量
	envErr := godotenv.Load(envFile)

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	logger := logging.Setup(cfg.Logging, verbose)
	if envErr != nil {
		logger.Debug().Err(envErr).Str("file", envFile).Msg("dotenv not loaded")
	}
	if !cfg.Client.HasCredentials() {
		logger.Warn().Msg("CHAT_TOKEN or CHAT_USER_ID not set, sockets stay offline")
	}

	creds := transport.Credentials{UserID: cfg.Client.UserID, Token: cfg.Client.Token}
	factory := transport.NewFactory(cfg.Client.WSBaseURL, cfg.Client.HandshakeTimeout)

	return &client{
		cfg:    cfg,
		logger: logger,
		api:    api.New(cfg.Client.APIBaseURL, cfg.Client.Token, api.WithLogger(logger)),
		links:  session.NewLinks(factory, creds, cfg.Client.ReconnectBase, cfg.Client.ReconnectMax, logger),
		bus:    eventbus.New(logger),
	}, nil
}
