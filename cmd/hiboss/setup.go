package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/hiboss/pkg/protocol"
)

func newSetupCommand() *cobra.Command {
	var (
		bossName     string
		bossToken    string
		bossTimezone string
	)

	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Run one-time bootstrap against a running daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			if bossName == "" || bossToken == "" {
				return fmt.Errorf("hiboss: --boss-name and --boss-token are required")
			}
			params := map[string]string{
				"bossName":     bossName,
				"bossToken":    bossToken,
				"bossTimezone": bossTimezone,
			}
			if _, err := callDaemon(homeFlag, "", protocol.MethodSetupExecute, params); err != nil {
				return err
			}
			fmt.Println("setup complete")
			return nil
		},
	}

	cmd.Flags().StringVar(&bossName, "boss-name", "", "boss display name")
	cmd.Flags().StringVar(&bossToken, "boss-token", "", "boss principal token")
	cmd.Flags().StringVar(&bossTimezone, "boss-timezone", "UTC", "boss IANA timezone")

	return cmd
}
