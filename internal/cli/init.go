package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/symphainy/gateway/internal/config"
)

func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Generate a starter config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			output, _ := cmd.Flags().GetString("output")
			if output == "" {
				output = "gateway-config.json"
			}
			if err := config.WriteDefault(output); err != nil {
				return err
			}
			fmt.Printf("wrote %s — set auth.jwt_secret and registry.url before running\n", output)
			return nil
		},
	}
	cmd.Flags().StringP("output", "o", "", "output config file path (default: ./gateway-config.json)")
	return cmd
}
