package cmd

import (
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/grovetools/paramhub/cli"
	"github.com/grovetools/paramhub/config"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// NewConfigCmd prints the effective configuration or its JSON schema.
func NewConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Display the effective configuration",
		Long: `Shows the configuration the hub would start with: the nearest paramhub.yml
(or --config) with defaults and environment overrides applied. This is useful
for debugging configuration issues.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if schema, _ := cmd.Flags().GetBool("schema"); schema {
				data, err := config.GenerateSchema()
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(data))
				return nil
			}

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			if cli.GetOptions(cmd).JSONOutput {
				data, err := sonic.ConfigStd.MarshalIndent(cfg, "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(data))
				return nil
			}

			if cfg.Path != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "# Source: %s\n", cfg.Path)
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), "# Source: defaults")
			}
			redacted := *cfg
			if redacted.LLM.APIKey != "" {
				redacted.LLM.APIKey = "****"
			}
			if redacted.Transcribe.APIKey != "" {
				redacted.Transcribe.APIKey = "****"
			}
			data, err := yaml.Marshal(&redacted)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), string(data))
			return nil
		},
	}
	cmd.Flags().Bool("schema", false, "Print the JSON schema of paramhub.yml instead")
	return cmd
}
