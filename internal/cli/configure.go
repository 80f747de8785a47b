package cli

import (
	"fmt"
	"os"

	"github.com/harun/toolbridge/internal/config"
	"github.com/spf13/cobra"
)

var configureForce bool

var configureCmd = &cobra.Command{
	Use:   "configure",
	Short: "Write a starter configuration file",
	Long: `Write a configuration file with the default settings.
Edit the file afterwards to set the shared secret, register tools
and grant principal scopes.`,
	RunE: runConfigure,
}

func init() {
	configureCmd.Flags().BoolVar(&configureForce, "force", false, "overwrite an existing config file")
	rootCmd.AddCommand(configureCmd)
}

func runConfigure(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader(cfgFile)
	configPath := loader.GetConfigPath()

	if _, err := os.Stat(configPath); err == nil && !configureForce {
		return fmt.Errorf("config file already exists at %s (use --force to overwrite)", configPath)
	}

	cfg := config.DefaultConfig()

	// A starter registry entry of each executor class, disabled until a
	// target and allowlist flag are filled in.
	cfg.Registry.Tools = []config.ToolConfig{
		{Name: "example.echo", Target: "127.0.0.1:9000", SideEffectClass: "pure"},
		{Name: "example.page", Target: "local", SideEffectClass: "browser"},
		{Name: "example.query", Target: "local", SideEffectClass: "database"},
	}
	cfg.Principals = []config.PrincipalConfig{
		{Name: "example-agent", Scopes: []string{"tool:example.*"}},
	}

	if err := loader.Save(cfg); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	fmt.Printf("Configuration written to: %s\n", configPath)
	fmt.Println("\nSet gateway.shared_secret before starting: toolbridge start")

	return nil
}
