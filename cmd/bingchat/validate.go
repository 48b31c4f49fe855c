package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mellowbot/bingchat/internal/core"
	"github.com/spf13/cobra"
)

var (
	validateConfigFile string
	validateShow       bool
	validateJSON       bool
)

// ValidationResult represents the validation result
type ValidationResult struct {
	Valid       bool     `json:"valid"`
	Config      string   `json:"config"`
	Bots        int      `json:"bots"`
	Credentials int      `json:"credentials"`
	Displays    int      `json:"displays"`
	Errors      []string `json:"errors,omitempty"`
	Warnings    []string `json:"warnings,omitempty"`
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the bingchat configuration file",
	Long: `Validate the bingchat configuration file without starting the service.

This command checks:
  - YAML syntax
  - Required fields
  - Bot credentials
  - The display content-type grammar
  - The cookies directory

Exit codes:
  0 - Configuration is valid
  1 - Configuration has errors`,
	Run: func(cmd *cobra.Command, args []string) {
		configFile := validateConfigFile
		if configFile == "" {
			for _, loc := range []string{
				"config.yaml",
				filepath.Join(os.Getenv("HOME"), ".config/bingchat/config.yaml"),
				"/etc/bingchat/config.yaml",
			} {
				if _, err := os.Stat(loc); err == nil {
					configFile = loc
					break
				}
			}
		}

		if configFile == "" {
			fmt.Println("❌ No configuration file found")
			fmt.Println("\nSpecify a config file with --config or ensure one exists at:")
			fmt.Println("  - ./config.yaml")
			fmt.Println("  - ~/.config/bingchat/config.yaml")
			fmt.Println("  - /etc/bingchat/config.yaml")
			os.Exit(1)
		}

		cfg, err := core.LoadConfig(configFile)
		if err != nil {
			result := ValidationResult{
				Valid:  false,
				Config: configFile,
				Errors: []string{err.Error()},
			}
			outputValidationResult(result, validateJSON)
			os.Exit(1)
		}

		credentials := countCredentialFiles(filepath.Join(cfg.Credentials.Directory, "cookies"))

		result := ValidationResult{
			Valid:       true,
			Config:      configFile,
			Bots:        len(cfg.Bots),
			Credentials: credentials,
			Displays:    len(cfg.Display.ContentTypes),
			Warnings:    validateConfigDetails(cfg, credentials),
		}
		if len(result.Warnings) > 0 {
			result.Valid = false
		}

		if validateShow {
			fmt.Printf("✓ Configuration loaded: %s\n\n", configFile)
			fmt.Printf("Bots (%d):\n", len(cfg.Bots))
			for name, b := range cfg.Bots {
				status := "disabled"
				if b.Enabled {
					status = "enabled"
				}
				fmt.Printf("  - %s: %s\n", name, status)
			}
			fmt.Printf("\nDisplay entries (%d):\n", len(cfg.Display.ContentTypes))
			for _, entry := range cfg.Display.ContentTypes {
				fmt.Printf("  - %s\n", entry)
			}
			fmt.Printf("\nCredential files in %s: %d\n\n", filepath.Join(cfg.Credentials.Directory, "cookies"), credentials)
		}

		outputValidationResult(result, validateJSON)

		if !result.Valid {
			os.Exit(1)
		}
	},
}

func countCredentialFiles(dir string) int {
	matches, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return 0
	}
	return len(matches)
}

func outputValidationResult(result ValidationResult, jsonFormat bool) {
	if jsonFormat {
		output, err := json.Marshal(result)
		if err != nil {
			fmt.Printf("{\"error\": \"failed to marshal json: %v\"}\n", err)
			return
		}
		fmt.Println(string(output))
		return
	}

	if result.Valid {
		fmt.Println("✓ Configuration is valid")
		fmt.Printf("  - Config: %s\n", result.Config)
		fmt.Printf("  - Bots configured: %d\n", result.Bots)
		fmt.Printf("  - Credential files: %d\n", result.Credentials)
		fmt.Printf("  - Display entries: %d\n", result.Displays)
	} else {
		fmt.Println("❌ Configuration validation failed:")
		if len(result.Errors) > 0 {
			fmt.Println("\nErrors:")
			for _, errMsg := range result.Errors {
				fmt.Printf("  - %s\n", errMsg)
			}
		}
		if len(result.Warnings) > 0 {
			fmt.Println("\nWarnings:")
			for _, warning := range result.Warnings {
				fmt.Printf("  - %s\n", warning)
			}
		}
	}
}

func validateConfigDetails(cfg *core.Config, credentials int) []string {
	var warnings []string

	if credentials == 0 {
		warnings = append(warnings, fmt.Sprintf(
			"No credential files found in %s - the service will fail to start",
			filepath.Join(cfg.Credentials.Directory, "cookies")))
	}

	if len(cfg.Security.Superusers) == 0 && cfg.Credentials.AutoSwitch {
		warnings = append(warnings,
			"auto_switch is enabled but no superusers are configured to be notified of exhausted pools")
	}

	if cfg.Security.GroupFilterMode == "whitelist" && len(cfg.Security.GroupWhitelist) == 0 {
		warnings = append(warnings, "Whitelist mode is enabled but no groups are whitelisted")
	}

	return warnings
}

func init() {
	validateCmd.Flags().StringVarP(&validateConfigFile, "config", "c", "", "Configuration file path")
	validateCmd.Flags().BoolVar(&validateShow, "show", false, "Show full configuration details")
	validateCmd.Flags().BoolVar(&validateJSON, "json", false, "Output in JSON format")
}
