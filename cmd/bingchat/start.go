package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/mellowbot/bingchat/internal/backend"
	"github.com/mellowbot/bingchat/internal/bot"
	"github.com/mellowbot/bingchat/internal/core"
	"github.com/mellowbot/bingchat/internal/credential"
	"github.com/mellowbot/bingchat/internal/logger"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	configFile string

	startCmd = &cobra.Command{
		Use:   "start",
		Short: "Start the bingchat main process",
		Long:  "Start the bingchat main process, listen to bot messages and relay them to Bing Chat",
		Run: func(cmd *cobra.Command, args []string) {
			config, err := core.LoadConfig(configFile)
			if err != nil {
				log.Fatalf("Failed to load config: %v", err)
			}

			fmt.Printf("Starting bingchat with config: %s\n", configFile)
			fmt.Printf("Command prefix: %s\n", config.Commands.Prefix)
			fmt.Printf("Credentials directory: %s\n", config.Credentials.Directory)

			logConfig := logger.Config{
				Level:        config.Logging.Level,
				File:         config.Logging.File,
				MaxSize:      config.Logging.MaxSize,
				MaxBackups:   config.Logging.MaxBackups,
				MaxAge:       config.Logging.MaxAge,
				Compress:     config.Logging.Compress,
				EnableStdout: config.Logging.EnableStdout,
			}
			if err := logger.Init(logConfig); err != nil {
				log.Fatalf("Failed to initialize logger: %v", err)
			}

			logger.WithFields(logrus.Fields{
				"config_file": configFile,
				"log_level":   config.Logging.Level,
				"log_file":    config.Logging.File,
			}).Info("logger-initialized")

			dialer := backend.NewGatewayDialer(backend.GatewayConfig{
				URL:     config.Backend.GatewayURL,
				Proxy:   config.Backend.Proxy,
				Timeout: config.BackendTimeout(),
			})

			style, err := backend.ParseStyle(config.Backend.ConversationStyle)
			if err != nil {
				log.Fatalf("Invalid conversation style: %v", err)
			}

			pool, err := credential.LoadPool(filepath.Join(config.Credentials.Directory, "cookies"), core.NewProber(dialer, style))
			if err != nil {
				log.Fatalf("Failed to load credential pool: %v", err)
			}
			log.Printf("Loaded %d credential file(s), active: %s", pool.Len(), pool.Active().Path)

			engine, err := core.NewEngine(config, pool, dialer)
			if err != nil {
				log.Fatalf("Failed to create engine: %v", err)
			}

			for botType, botConfig := range config.Bots {
				if !botConfig.Enabled {
					log.Printf("Bot %s is disabled, skipping", botType)
					continue
				}

				switch botType {
				case "telegram":
					engine.RegisterBot(botType, bot.NewTelegramBot(botConfig.Token))
					log.Printf("Registered %s bot adapter", botType)

				case "discord":
					engine.RegisterBot(botType, bot.NewDiscordBot(botConfig.Token, botConfig.ChannelID))
					log.Printf("Registered %s bot adapter", botType)

				case "onebot":
					engine.RegisterBot(botType, bot.NewOneBotBot(botConfig.WSURL, botConfig.AccessToken))
					log.Printf("Registered %s bot adapter (WebSocket)", botType)
				}
			}

			// Setup signal handling for graceful shutdown
			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			engineErrChan := make(chan error, 1)
			go func() {
				fmt.Println("\nbingchat engine starting...")
				fmt.Println("Press Ctrl+C to stop")
				engineErrChan <- engine.Run(ctx)
			}()

			select {
			case sig := <-sigChan:
				log.Printf("Received signal: %v, shutting down gracefully...", sig)
				cancel()
				if err := engine.Stop(); err != nil {
					log.Printf("Error during shutdown: %v", err)
				}
			case err := <-engineErrChan:
				if err != nil {
					log.Fatalf("Engine error: %v", err)
				}
			}

			log.Println("bingchat stopped")
		},
	}
)

func init() {
	startCmd.Flags().StringVarP(&configFile, "config", "c", "config.yaml", "Configuration file path")
}
