package cmd

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/agentengine/internal/config"
	"github.com/nextlevelbuilder/agentengine/internal/engine"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration, storage and event forwarding",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor(cmd.Context())
		},
	}
}

func runDoctor(ctx context.Context) {
	fmt.Println(styleBold.Render("agentengine doctor"))
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if config.Exists(cfgPath) {
		fmt.Println(" (OK)")
	} else {
		fmt.Println(" (NOT FOUND, using defaults and environment)")
	}

	cfg, err := config.LoadReadOnly(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	fmt.Println()
	fmt.Println("  Letta:")
	check("API key", cfg.Letta.APIKey != "", maskKey(cfg.Letta.APIKey), "not configured")
	fmt.Printf("    %-14s %s\n", "Base URL:", cfg.Letta.BaseURL)
	fmt.Printf("    %-14s %s\n", "Timeout:", cfg.LettaTimeout())

	fmt.Println()
	descs := cfg.AgentDescriptors()
	fmt.Printf("  Agents:   %d configured\n", len(descs))
	if err := engine.ValidateDescriptors(descs); err != nil {
		fmt.Printf("    %s\n", styleRed.Render(err.Error()))
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	fmt.Println()
	fmt.Println("  Storage:")
	backend := "sqlite " + cfg.Database.SQLitePath
	if cfg.Database.URL != "" {
		backend = "postgres " + cfg.MaskedCopy().Database.URL
	}
	fmt.Printf("    %-14s %s\n", "Backend:", backend)
	st, err := openStore(ctx, cfg)
	if err == nil {
		err = st.Ping(ctx)
		st.Close()
	}
	check("Reachable", err == nil, "OK", errString(err))

	if cfg.Redis.URL != "" {
		fmt.Println()
		fmt.Println("  Redis:")
		_, client, err := newRedisForwarder(ctx, cfg)
		if client != nil {
			client.Close()
		}
		check("Reachable", err == nil, "OK", errString(err))
	}

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func check(name string, ok bool, okText, failText string) {
	if ok {
		fmt.Printf("    %-14s %s\n", name+":", styleGreen.Render(okText))
	} else {
		fmt.Printf("    %-14s %s\n", name+":", styleRed.Render(failText))
	}
}

func maskKey(k string) string {
	if len(k) <= 8 {
		return "****"
	}
	return k[:4] + "****" + k[len(k)-4:]
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
