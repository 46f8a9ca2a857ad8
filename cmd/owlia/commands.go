// commands.go contains all cobra command definitions and their flag
// configurations. Each builder creates a command and wires it to its handler.
package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/owliabot/owlia/internal/config"
)

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the OwliaBot agent",
		Long: `Start the agent with all configured channels and providers.

The process will:
1. Load configuration from the specified file (or owlia.yaml)
2. Start enabled channel adapters (Telegram, Discord)
3. Connect configured MCP servers and register their tools
4. Start the device gateway HTTP server when enabled

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with default config
  owlia serve

  # Start with custom config and debug logging
  owlia serve --config /etc/owlia/production.yaml --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), resolveConfigPath(configPath), debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigName,
		"Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false,
		"Enable debug logging (verbose output)")

	return cmd
}

// devicesFlags carry the connection settings shared by every devices
// subcommand.
type devicesFlags struct {
	configPath string
	baseURL    string
	token      string
}

func buildDevicesCmd() *cobra.Command {
	flags := &devicesFlags{}

	cmd := &cobra.Command{
		Use:   "devices",
		Short: "Manage paired gateway devices",
	}
	cmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", defaultConfigName,
		"Path to YAML configuration file (provides gateway address and token)")
	cmd.PersistentFlags().StringVar(&flags.baseURL, "url", "",
		"Gateway base URL (overrides the config file)")
	cmd.PersistentFlags().StringVar(&flags.token, "token", "",
		"Gateway admin token (overrides the config file)")

	cmd.AddCommand(
		buildDevicesListCmd(flags),
		buildDevicesApproveCmd(flags),
		buildDevicesRevokeCmd(flags),
		buildDevicesRotateCmd(flags),
	)
	return cmd
}

func buildDevicesListCmd(flags *devicesFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List paired devices and pending pairing requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDevicesList(cmd, flags)
		},
	}
}

func buildDevicesApproveCmd(flags *devicesFlags) *cobra.Command {
	var (
		tools  string
		system bool
		mcp    bool
	)
	cmd := &cobra.Command{
		Use:   "approve <device-id>",
		Short: "Approve a pairing request and print the device token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDevicesApprove(cmd, flags, args[0], tools, system, mcp)
		},
	}
	cmd.Flags().StringVar(&tools, "tools", "read", "Tool scope level (read, write, sign)")
	cmd.Flags().BoolVar(&system, "system", false, "Allow system commands")
	cmd.Flags().BoolVar(&mcp, "mcp", false, "Allow MCP passthrough")
	return cmd
}

func buildDevicesRevokeCmd(flags *devicesFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <device-id>",
		Short: "Revoke a device's access",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDevicesRevoke(cmd, flags, args[0])
		},
	}
}

func buildDevicesRotateCmd(flags *devicesFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "rotate <device-id>",
		Short: "Rotate a device's token and print the new one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDevicesRotate(cmd, flags, args[0])
		},
	}
}

func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and validate configuration",
	}
	cmd.AddCommand(buildConfigSchemaCmd(), buildConfigValidateCmd())
	return cmd
}

func buildConfigSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the configuration JSON Schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, err := config.JSONSchema()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(schema))
			return nil
		},
	}
}

func buildConfigValidateCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Load a configuration file and report problems",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := resolveConfigPath(configPath)
			if _, err := config.Load(path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is valid\n", path)
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigName,
		"Path to YAML configuration file")
	return cmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "owlia %s\n", version)
			fmt.Fprintf(out, "  commit: %s\n", commit)
			fmt.Fprintf(out, "  built:  %s\n", date)
		},
	}
}
