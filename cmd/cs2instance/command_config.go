package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/reedfamily/cs2instance/internal/config"
)

const redacted = "********"

// newConfigCmd prints the effective configuration after file and environment are applied.
func newConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			for _, secret := range []*string{&cfg.SteamPassword, &cfg.LoginToken, &cfg.DefaultPass} {
				if *secret != "" {
					*secret = redacted
				}
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
}
