// Package main provides a CLI for interacting with the crewrunner server.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	serverURL  string
	token      string
	configPath string
)

// Config represents the CLI configuration
type Config struct {
	ServerURL string `json:"server_url"`
	Token     string `json:"token"`
}

var httpClient = &http.Client{Timeout: 30 * time.Second}

func main() {
	rootCmd := &cobra.Command{
		Use:   "crewrunner-cli",
		Short: "CrewRunner CLI",
		Long:  "Command-line interface for submitting and following crew executions",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if serverURL == "" || token == "" {
				loadConfig()
			}
			if serverURL == "" {
				serverURL = "http://localhost:8000"
			}
			serverURL = strings.TrimRight(serverURL, "/")
		},
	}

	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "Server URL")
	rootCmd.PersistentFlags().StringVar(&token, "token", "", "Operator bearer token")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file")

	rootCmd.AddCommand(executeCmd(), statusCmd(), listCmd(), cancelCmd(), watchCmd(), streamCmd())
	rootCmd.AddCommand(keysCmd(), uploadCmd(), tokenCmd(), hashPasswordCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func defaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(home, ".crewrunner", "cli-config.json"), nil
}

// loadConfig fills unset flags from the config file
func loadConfig() {
	if configPath == "" {
		path, err := defaultConfigPath()
		if err != nil {
			return
		}
		configPath = path
	}

	data, err := os.ReadFile(configPath)
	if os.IsNotExist(err) {
		return
	}
	if err != nil {
		fmt.Printf("Warning: Failed to read config file: %v\n", err)
		return
	}

	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		fmt.Printf("Warning: Failed to parse config file: %v\n", err)
		return
	}
	if serverURL == "" {
		serverURL = config.ServerURL
	}
	if token == "" {
		token = config.Token
	}
}

// saveConfig saves the CLI configuration
func saveConfig(config Config) error {
	if configPath == "" {
		path, err := defaultConfigPath()
		if err != nil {
			return err
		}
		configPath = path
	}
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(configPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func exitOnError(err error) {
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
}

// apiError extracts the detail message from an error response
func apiError(status int, body []byte) error {
	var payload struct {
		Detail string `json:"detail"`
	}
	if json.Unmarshal(body, &payload) == nil && payload.Detail != "" {
		return fmt.Errorf("%s (HTTP %d)", payload.Detail, status)
	}
	return fmt.Errorf("HTTP %d: %s", status, strings.TrimSpace(string(body)))
}

// call sends a JSON request and decodes a 2xx response into out
func call(method, path string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, serverURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return send(req, out)
}

func send(req *http.Request, out interface{}) error {
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return apiError(resp.StatusCode, data)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

func printJSON(v interface{}) {
	data, err := json.MarshalIndent(v, "", "  ")
	exitOnError(err)
	fmt.Println(string(data))
}
