package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "bingchat",
	Short: "bingchat is a chat-bot bridge to Bing Chat",
	Long: `bingchat is a chat-bot bridge that connects IM platforms (OneBot/QQ,
Telegram, Discord) to Bing Chat. Users talk to Bing through chat commands;
the bridge manages per-user conversations, classifies the raw Bing replies
and rotates cookie credentials when an account is exhausted.`,
}

// Execute executes the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(versionCmd)
}
