package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/agentengine/internal/config"
	"github.com/nextlevelbuilder/agentengine/internal/engine"
)

func agentsCmd() *cobra.Command {
	var jsonOutput, stored bool
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "List configured agents (or agents seen in the activity store)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if stored {
				return listStoredAgents(cmd, jsonOutput)
			}
			cfg, err := config.LoadReadOnly(resolveConfigPath())
			if err != nil {
				return err
			}
			return printDescriptors(cfg.AgentDescriptors(), jsonOutput)
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	cmd.Flags().BoolVar(&stored, "stored", false, "list agents from the activity store instead of the config")
	return cmd
}

func printDescriptors(descs []engine.AgentDescriptor, jsonOutput bool) error {
	if jsonOutput {
		return printJSON(descs)
	}
	if len(descs) == 0 {
		fmt.Println("No agents configured.")
		return nil
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "AGENT ID\tNAME\tINTERVAL\tINSTRUCTION\tENABLED")
	for _, d := range descs {
		instruction := d.ActivationInstruction
		if instruction == "" {
			instruction = engine.DefaultActivationInstruction
		}
		enabled := styleGreen.Render("yes")
		if !d.Enabled {
			enabled = styleGray.Render("no")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", d.AgentID, truncateStr(d.Name, 30), d.CycleInterval, truncateStr(instruction, 40), enabled)
	}
	return tw.Flush()
}

func listStoredAgents(cmd *cobra.Command, jsonOutput bool) error {
	_, st, err := loadStore(cmd.Context())
	if err != nil {
		return err
	}
	defer st.Close()

	agents, err := st.ListAgents(cmd.Context())
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(agents)
	}
	if len(agents) == 0 {
		fmt.Println("No recorded activity.")
		return nil
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "AGENT ID\tNAME\tCYCLES\tLAST ACTIVITY")
	for _, a := range agents {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", a.AgentID, truncateStr(a.AgentName, 30), a.TotalCycles, a.LastActivity.Local().Format(time.DateTime))
	}
	return tw.Flush()
}
