package cli

import (
	"testing"

	"github.com/spf13/cobra"

	"github.com/cloudarb/cloudarb/internal/domain"
	"github.com/cloudarb/cloudarb/internal/provider"

	_ "github.com/cloudarb/cloudarb/internal/provider/aws"
	_ "github.com/cloudarb/cloudarb/internal/provider/azure"
	_ "github.com/cloudarb/cloudarb/internal/provider/gcp"
	_ "github.com/cloudarb/cloudarb/internal/provider/lambdalabs"
	_ "github.com/cloudarb/cloudarb/internal/provider/runpod"
)

func TestCLINew(t *testing.T) {
	cli := New()
	if cli == nil {
		t.Fatal("New() should return a non-nil CLI")
	}
	if cli.rootCmd == nil {
		t.Error("CLI rootCmd should not be nil")
	}
}

func TestCLIRootCommand(t *testing.T) {
	cli := New()

	expectedCommands := []string{"prices", "optimize", "arbitrage", "serve"}
	for _, expected := range expectedCommands {
		found := false
		for _, cmd := range cli.rootCmd.Commands() {
			if cmd.Name() == expected {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("expected subcommand %q not found", expected)
		}
	}
}

func TestOptimizeCommandFlags(t *testing.T) {
	cli := New()
	optimizeCmd := findCommand(cli, "optimize")
	if optimizeCmd == nil {
		t.Fatal("optimize command not found")
	}

	for _, flag := range []string{"gpu-kind", "count", "objective", "budget", "risk-tolerance", "output"} {
		if optimizeCmd.Flags().Lookup(flag) == nil {
			t.Errorf("optimize command missing --%s flag", flag)
		}
	}
}

func TestPricesCommandFlags(t *testing.T) {
	cli := New()
	pricesCmd := findCommand(cli, "prices")
	if pricesCmd == nil {
		t.Fatal("prices command not found")
	}
	for _, flag := range []string{"gpu-kind", "region", "output"} {
		if pricesCmd.Flags().Lookup(flag) == nil {
			t.Errorf("prices command missing --%s flag", flag)
		}
	}
}

func TestServeCommandDefaultPort(t *testing.T) {
	cli := New()
	serveCmd := findCommand(cli, "serve")
	if serveCmd == nil {
		t.Fatal("serve command not found")
	}
	portFlag := serveCmd.Flags().Lookup("port")
	if portFlag == nil {
		t.Fatal("serve command missing --port flag")
	}
	if portFlag.DefValue != "8000" {
		t.Errorf("serve --port default = %s, want 8000", portFlag.DefValue)
	}
}

func TestFactorySupportedProviders(t *testing.T) {
	factory := provider.GetFactory()

	providers := factory.GetSupportedProviders()
	if len(providers) < 2 {
		t.Errorf("expected at least 2 supported providers, got %d", len(providers))
	}
	if !factory.IsProviderSupported(domain.AWS) {
		t.Error("AWS should be supported")
	}
}

func findCommand(c *CLI, name string) *cobra.Command {
	for _, cmd := range c.rootCmd.Commands() {
		if cmd.Name() == name {
			return cmd
		}
	}
	return nil
}
