package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/hiboss/pkg/protocol"
)

func newStatusCommand() *cobra.Command {
	var token string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Report daemon status",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := callDaemon(homeFlag, token, protocol.MethodDaemonStatus, nil)
			if err != nil {
				return err
			}
			var result map[string]any
			if err := json.Unmarshal(raw, &result); err != nil {
				return fmt.Errorf("hiboss: decode status: %w", err)
			}
			for _, key := range []string{"uptimeSeconds", "agentCount", "bossTime"} {
				if v, ok := result[key]; ok {
					fmt.Printf("%s: %v\n", key, v)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&token, "token", "", "principal token (boss or agent); empty by default, which sends no token")
	return cmd
}
