package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/agentengine/internal/config"
	"github.com/nextlevelbuilder/agentengine/internal/engine"
)

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and generate configuration",
	}
	cmd.AddCommand(configShowCmd())
	cmd.AddCommand(configPathCmd())
	cmd.AddCommand(configValidateCmd())
	cmd.AddCommand(configGenerateCmd())
	return cmd
}

func configShowCmd() *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Display the effective configuration (secrets redacted)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadReadOnly(resolveConfigPath())
			if err != nil {
				return err
			}
			masked := cfg.MaskedCopy()
			if jsonOutput {
				return printJSON(masked)
			}
			data, err := config.MarshalYAML(masked)
			if err != nil {
				return err
			}
			fmt.Print(string(data))
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

func configPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print the config file path",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(resolveConfigPath())
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file and agent list",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			if err := engine.ValidateDescriptors(cfg.AgentDescriptors()); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			fmt.Printf("Config at %s is valid.\n", cfgPath)
			return nil
		},
	}
}

func configGenerateCmd() *cobra.Command {
	var (
		out   string
		force bool
	)
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Write a config file from LETTA_* and AGENT_<n>_* environment variables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, warnings := config.FromEnv(os.Getenv)
			for _, w := range warnings {
				fmt.Fprintln(os.Stderr, styleYellow.Render("warning: "+w))
			}
			if len(cfg.Agents) == 0 {
				return fmt.Errorf("no agents found in the environment")
			}

			data, err := config.MarshalYAML(cfg)
			if err != nil {
				return err
			}
			if out == "-" {
				fmt.Print(string(data))
				return nil
			}
			if !force && config.Exists(out) {
				return fmt.Errorf("%s already exists (use --force to overwrite)", out)
			}
			// The file holds the API key.
			if err := os.WriteFile(out, data, 0o600); err != nil {
				return err
			}
			fmt.Printf("Wrote %s with %d agent(s).\n", out, len(cfg.Agents))
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", defaultConfigPath, `output path, or "-" for stdout`)
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}
