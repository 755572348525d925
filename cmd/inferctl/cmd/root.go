// Package cmd implements inferctl, the gateway's operator CLI, adapted
// from the teacher's cmd/ffrtmp/cmd package: a cobra root command with
// persistent --gateway/--output flags, viper-backed config file and env
// var resolution in initConfig, and one subcommand file per resource.
package cmd

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	gatewayURL   string
	outputFormat string
	cfgFile      string
)

var rootCmd = &cobra.Command{
	Use:   "inferctl",
	Short: "CLI for the inference gateway",
	Long:  "inferctl is a command line interface for inspecting nodes and status on an inference gateway's Node Router.",
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.inferctl/config)")
	rootCmd.PersistentFlags().StringVar(&gatewayURL, "gateway", "", "gateway API URL (default from config or http://localhost:8080)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "output", "table", "output format: table or json")
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "error finding home directory: %v\n", err)
			os.Exit(1)
		}
		configDir := filepath.Join(home, ".inferctl")
		viper.AddConfigPath(configDir)
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.AutomaticEnv()
	viper.BindEnv("gateway_url", "GATEWAY_URL")

	if err := viper.ReadInConfig(); err == nil {
		if viper.GetString("gateway_url") != "" && gatewayURL == "" {
			gatewayURL = viper.GetString("gateway_url")
		}
	}
	if gatewayURL == "" && viper.GetString("gateway_url") != "" {
		gatewayURL = viper.GetString("gateway_url")
	}
	if gatewayURL == "" {
		gatewayURL = "http://localhost:8080"
	}
}

// GetGatewayURL returns the configured gateway URL with trailing slashes
// trimmed.
func GetGatewayURL() string {
	return strings.TrimRight(gatewayURL, "/")
}

// IsJSONOutput reports whether --output json was requested.
func IsJSONOutput() bool {
	return outputFormat == "json"
}

// doGet issues an authenticated-free GET (the gateway has no operator
// auth surface yet; see DESIGN.md) and returns the raw response body.
func doGet(url string) ([]byte, error) {
	resp, err := http.Get(url)
	if err != nil {
		return nil, fmt.Errorf("connect to gateway: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gateway error (status %d): %s", resp.StatusCode, string(body))
	}
	return body, nil
}
