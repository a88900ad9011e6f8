package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// projectConfigFiles is the search order for project config files
var projectConfigFiles = []string{"registry.toml", ".registry.toml"}

// ProjectConfig is the project-level TOML configuration
type ProjectConfig struct {
	Server    string       `toml:"server"`
	Network   string       `toml:"network,omitempty"`
	Toolchain string       `toml:"toolchain,omitempty"`
	Source    SourceConfig `toml:"source,omitempty"`
}

// SourceConfig controls which files go into a verification archive
type SourceConfig struct {
	Dir     string   `toml:"dir,omitempty"`
	Exclude []string `toml:"exclude,omitempty"`
}

// GlobalConfig is the per-user configuration (~/.soroban-registry/config.yaml)
type GlobalConfig struct {
	Server string `yaml:"server"`
}

func createConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration commands",
	}

	cmd.AddCommand(createConfigInitCmd())
	cmd.AddCommand(createConfigShowCmd())

	return cmd
}

func createConfigInitCmd() *cobra.Command {
	var serverURL string
	var netName string
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create config file",
		Long: `Create a registry.toml configuration file in the current directory.

EXAMPLES:
  sorobanreg config init
  sorobanreg config init --server https://registry.example.com --network mainnet
  sorobanreg config init --force
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigInit(cmd.OutOrStdout(), ".", serverURL, netName, force)
		},
	}

	cmd.Flags().StringVar(&serverURL, "server", defaultServer, "server URL")
	cmd.Flags().StringVar(&netName, "network", defaultNetwork, "default network")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing config")

	return cmd
}

func createConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Display current config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigShow(cmd.OutOrStdout())
		},
	}
}

func runConfigInit(out io.Writer, dir, serverURL, netName string, force bool) error {
	for _, name := range projectConfigFiles {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil && !force {
			return fmt.Errorf("config file already exists at %s (use --force to overwrite)", path)
		}
	}

	content := fmt.Sprintf(`# Soroban registry project configuration

server = %q
network = %q

# Toolchain pin for verification builds (empty = server's latest)
# toolchain = "1.81.0"

[source]
# Crate or workspace root to archive
dir = "."
# Paths left out of the archive, matched against each path segment
exclude = ["target", ".git", "node_modules"]
`, serverURL, netName)

	path := filepath.Join(dir, projectConfigFiles[0])
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	fmt.Fprintf(out, "Created %s\n", path)
	fmt.Fprintf(out, "  Server:  %s\n", serverURL)
	fmt.Fprintf(out, "  Network: %s\n", netName)
	return nil
}

func runConfigShow(out io.Writer) error {
	fmt.Fprintln(out, "Configuration sources (in order of precedence):")
	fmt.Fprintln(out)

	fmt.Fprintln(out, "1. Command line flags: --server, --api-key, --network, --config")
	fmt.Fprintln(out)

	fmt.Fprintln(out, "2. Environment variables")
	for _, name := range []string{envServer, envAPIKey, envNetwork} {
		val := os.Getenv(name)
		switch {
		case val == "":
			val = "(not set)"
		case name == envAPIKey:
			val = maskAPIKey(val)
		}
		fmt.Fprintf(out, "   %s=%s\n", name, val)
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "3. Project config (registry.toml or .registry.toml)")
	projectConfig, configPath, err := loadProjectConfig()
	switch {
	case errors.Is(err, os.ErrNotExist):
		fmt.Fprintln(out, "   (not found)")
	case err != nil:
		fmt.Fprintf(out, "   Error: %v\n", err)
	default:
		fmt.Fprintf(out, "   Loaded from: %s\n", configPath)
		fmt.Fprintf(out, "   server: %s\n", projectConfig.Server)
		if projectConfig.Network != "" {
			fmt.Fprintf(out, "   network: %s\n", projectConfig.Network)
		}
		if projectConfig.Toolchain != "" {
			fmt.Fprintf(out, "   toolchain: %s\n", projectConfig.Toolchain)
		}
		if len(projectConfig.Source.Exclude) > 0 {
			fmt.Fprintf(out, "   source.exclude: %v\n", projectConfig.Source.Exclude)
		}
	}
	fmt.Fprintln(out)

	fmt.Fprintf(out, "4. Global config (%s)\n", globalConfigPath())
	if global := loadGlobalConfig(); global != nil && global.Server != "" {
		fmt.Fprintf(out, "   server: %s\n", global.Server)
	} else {
		fmt.Fprintln(out, "   (not found)")
	}
	fmt.Fprintln(out)

	fmt.Fprintf(out, "5. Credentials (%s)\n", credentialsFilePath())
	creds, err := loadCredentials()
	switch {
	case errors.Is(err, os.ErrNotExist) || (err == nil && len(creds.Servers) == 0):
		fmt.Fprintln(out, "   (no credentials stored)")
	case err != nil:
		fmt.Fprintf(out, "   Error: %v\n", err)
	default:
		for srv, cred := range creds.Servers {
			fmt.Fprintf(out, "   %s: %s\n", srv, maskAPIKey(cred.APIKey))
		}
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Effective configuration:")
	fmt.Fprintf(out, "   Server:  %s\n", getServer())
	fmt.Fprintf(out, "   Network: %s\n", getNetwork())
	if key := getAPIKey(); key != "" {
		fmt.Fprintf(out, "   API Key: %s\n", maskAPIKey(key))
	} else {
		fmt.Fprintln(out, "   API Key: (not set)")
	}
	return nil
}

// loadProjectConfig loads the project config from --config or the first
// matching file in the working directory.
func loadProjectConfig() (*ProjectConfig, string, error) {
	if cfgFile != "" {
		config, err := loadProjectConfigFromPath(cfgFile)
		return config, cfgFile, err
	}

	for _, name := range projectConfigFiles {
		if _, err := os.Stat(name); err == nil {
			config, err := loadProjectConfigFromPath(name)
			return config, name, err
		}
	}
	return nil, "", os.ErrNotExist
}

func loadProjectConfigFromPath(path string) (*ProjectConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var config ProjectConfig
	if _, err := toml.Decode(string(data), &config); err != nil {
		return nil, fmt.Errorf("parsing TOML: %w", err)
	}
	return &config, nil
}

// loadProjectConfigSilent returns nil for a missing file and warns on parse
// failures.
func loadProjectConfigSilent() *ProjectConfig {
	config, _, err := loadProjectConfig()
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "Warning: failed to load project config: %v\n", err)
		}
		return nil
	}
	return config
}

func globalConfigPath() string {
	return filepath.Join(credentialsDir(), "config.yaml")
}

func loadGlobalConfig() *GlobalConfig {
	data, err := os.ReadFile(globalConfigPath())
	if err != nil {
		return nil
	}
	var config GlobalConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil
	}
	return &config
}
