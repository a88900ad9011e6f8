// Package cli implements the sorobanreg command line client.
package cli

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/pendergraft/sorobanregistry/pkg/client"
)

const (
	defaultServer  = "http://localhost:8080"
	defaultNetwork = "testnet"

	envServer  = "SOROBAN_REGISTRY_SERVER"
	envAPIKey  = "SOROBAN_REGISTRY_API_KEY"
	envNetwork = "SOROBAN_REGISTRY_NETWORK"
)

var (
	cfgFile string
	server  string
	apiKey  string
	network string
)

// Execute runs the CLI
func Execute(version string) error {
	return newRootCmd(version).Execute()
}

func newRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "sorobanreg",
		Short: "Soroban contract registry CLI",
		Long: `sorobanreg browses indexed Soroban contracts, submits source for
verification, and tracks incidents on a registry server.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: registry.toml or .registry.toml)")
	rootCmd.PersistentFlags().StringVar(&server, "server", "", "server URL (default from config)")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", "", "API key for authentication")
	rootCmd.PersistentFlags().StringVarP(&network, "network", "n", "", "network (default from config, then testnet)")

	rootCmd.AddCommand(createListCmd())
	rootCmd.AddCommand(createInfoCmd())
	rootCmd.AddCommand(createVerifyCmd())
	rootCmd.AddCommand(createHistoryCmd())
	rootCmd.AddCommand(createStatusCmd())
	rootCmd.AddCommand(createIncidentCmd())
	rootCmd.AddCommand(createAuthCmd())
	rootCmd.AddCommand(createConfigCmd())

	return rootCmd
}

func newClient() *client.Client {
	return client.New(getServer(), getAPIKey())
}

// getServer returns the server URL from flag, env, project config, global config
func getServer() string {
	if server != "" {
		return server
	}
	if env := os.Getenv(envServer); env != "" {
		return env
	}
	if config := loadProjectConfigSilent(); config != nil && config.Server != "" {
		return config.Server
	}
	if global := loadGlobalConfig(); global != nil && global.Server != "" {
		return global.Server
	}
	return defaultServer
}

// getAPIKey returns the API key from flag, env, or credentials file
func getAPIKey() string {
	if apiKey != "" {
		return apiKey
	}
	if env := os.Getenv(envAPIKey); env != "" {
		return env
	}
	return getCredential(getServer())
}

// getNetwork returns the network from flag, env, or project config
func getNetwork() string {
	if network != "" {
		return network
	}
	if env := os.Getenv(envNetwork); env != "" {
		return env
	}
	if config := loadProjectConfigSilent(); config != nil && config.Network != "" {
		return config.Network
	}
	return defaultNetwork
}
