package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/hiboss/internal/daemon"
	"github.com/nextlevelbuilder/hiboss/internal/providers"
)

func newServeCommand() *cobra.Command {
	var (
		telegramToken string
		discordToken  string
		openAIBaseURL string
		openAIAPIKey  string
		openAIModel   string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Hi-Boss daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := daemon.Config{
				Root:          homeFlag,
				TelegramToken: firstNonEmpty(telegramToken, os.Getenv("HIBOSS_TELEGRAM_TOKEN")),
				DiscordToken:  firstNonEmpty(discordToken, os.Getenv("HIBOSS_DISCORD_TOKEN")),
				Provider: providers.Config{
					BaseURL: firstNonEmpty(openAIBaseURL, os.Getenv("HIBOSS_PROVIDER_BASE_URL"), "https://api.openai.com/v1"),
					APIKey:  firstNonEmpty(openAIAPIKey, os.Getenv("HIBOSS_PROVIDER_API_KEY")),
					Model:   firstNonEmpty(openAIModel, os.Getenv("HIBOSS_PROVIDER_MODEL"), "gpt-4o-mini"),
				},
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return daemon.Run(ctx, cfg)
		},
	}

	cmd.Flags().StringVar(&telegramToken, "telegram-token", "", "Telegram bot token (enables the Telegram adapter)")
	cmd.Flags().StringVar(&discordToken, "discord-token", "", "Discord bot token (enables the Discord adapter)")
	cmd.Flags().StringVar(&openAIBaseURL, "provider-base-url", "", "OpenAI-compatible chat completions base URL")
	cmd.Flags().StringVar(&openAIAPIKey, "provider-api-key", "", "provider API key")
	cmd.Flags().StringVar(&openAIModel, "provider-model", "", "provider model name")

	return cmd
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
