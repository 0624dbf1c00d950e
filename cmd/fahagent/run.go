package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/foldlattice/agent/internal/app"
	"github.com/foldlattice/agent/internal/config"
	"github.com/foldlattice/agent/internal/version"
)

var (
	runAccountToken      string
	runMachineName       string
	runAPIServer         string
	runAssignmentServers []string
	runOpenWebControl    bool
)

var runCmd = &cobra.Command{
	Use:   "run [config file]",
	Short: "Start the agent",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runAgent,
}

func init() {
	runCmd.Flags().StringVar(&runAccountToken, "account-token", "", "web-control account link token")
	runCmd.Flags().StringVar(&runMachineName, "machine-name", "", "name shown in the linked account")
	runCmd.Flags().StringVar(&runAPIServer, "api-server", "", "override the account API server")
	runCmd.Flags().StringSliceVar(&runAssignmentServers, "assignment-servers", nil, "override the assignment server list")
	runCmd.Flags().BoolVar(&runOpenWebControl, "open-web-control", false, "allow the web control console to reach this agent")
}

func runAgent(cmd *cobra.Command, args []string) error {
	var configPath string
	if len(args) == 1 {
		configPath = args[0]
	}

	overrides := map[string]interface{}{}
	if runAccountToken != "" {
		overrides["account_token"] = runAccountToken
	}
	if runMachineName != "" {
		overrides["machine_name"] = runMachineName
	}
	if runAPIServer != "" {
		overrides["api_server"] = runAPIServer
	}
	if len(runAssignmentServers) > 0 {
		overrides["assignment_servers"] = runAssignmentServers
	}
	if runOpenWebControl {
		overrides["open_web_control"] = true
	}

	cfg, loader, err := config.Load(configPath, overrides)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	a, err := app.New(cfg, loader, version.Get().Version)
	if err != nil {
		return fmt.Errorf("failed to compose agent: %w", err)
	}

	pterm.Info.Printf("fahagent starting, control surface on %s\n", "127.0.0.1:7396")

	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() { errChan <- a.Run(ctx) }()

	select {
	case err := <-errChan:
		cancel()
		return err
	case <-sigChan:
		pterm.Info.Println("shutting down")
		cancel()
		return <-errChan
	}
}
