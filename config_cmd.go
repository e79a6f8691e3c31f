package main

import (
	"github.com/spf13/cobra"

	"github.com/tonimelisma/m365-go/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}

	cmd.AddCommand(newConfigShowCmd())

	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Display effective configuration after all overrides",
		Long: "Display effective configuration after all overrides. Values that are\n" +
			"still missing are shown empty rather than reported as errors.",
		RunE: runConfigShow,
	}
}

func runConfigShow(cmd *cobra.Command, _ []string) error {
	logger := buildLogger(nil, flags)

	cfg, err := config.Merge(config.ReadEnvOverrides(logger), cliOverrides(cmd), logger)
	if err != nil {
		return err
	}

	if flags.JSON {
		shown := *cfg
		if shown.Auth.ClientSecret != "" {
			shown.Auth.ClientSecret = "********"
		}

		return writeJSON(cmd.OutOrStdout(), shown)
	}

	return config.RenderEffective(cfg, cmd.OutOrStdout())
}
