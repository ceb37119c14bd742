package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/psantana5/reqcorr/pkg/auth"
	rtls "github.com/psantana5/reqcorr/pkg/tls"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration helpers",
	Long:  `Commands for inspecting the effective configuration and provisioning API keys.`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long: `Resolves defaults, the config file and REQCORR_* environment overrides
and prints the result as YAML. Plain API keys are masked.`,
	RunE: runConfigShow,
}

var configGenKeyCmd = &cobra.Command{
	Use:   "genkey",
	Short: "Generate an API key and its bcrypt hash",
	Long: `Generates a random API key. Give the key to clients and put the hash under
auth.api_key_hashes so the plain key never has to be stored on the server.`,
	RunE: runConfigGenKey,
}

var (
	certOut   string
	keyOut    string
	certHosts []string
	certValid time.Duration
)

var configGenCertCmd = &cobra.Command{
	Use:   "gencert",
	Short: "Generate a self-signed certificate for the API listener",
	Long: `Writes a self-signed certificate and key usable as server.tls_cert and
server.tls_key. Clients verify it with --ca pointing at the same certificate.

Example:
  reqcorr config gencert --host reqcorr.lan --host 192.168.1.20`,
	RunE: runConfigGenCert,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configGenKeyCmd)
	configCmd.AddCommand(configGenCertCmd)

	configGenCertCmd.Flags().StringVar(&certOut, "cert", "reqcorr.crt", "certificate output path")
	configGenCertCmd.Flags().StringVar(&keyOut, "key", "reqcorr.key", "private key output path")
	configGenCertCmd.Flags().StringSliceVar(&certHosts, "host", nil, "extra DNS name or IP (repeatable)")
	configGenCertCmd.Flags().DurationVar(&certValid, "valid-for", rtls.DefaultValidity, "certificate lifetime")
}

func runConfigGenCert(cmd *cobra.Command, args []string) error {
	if err := rtls.GenerateSelfSigned(certOut, keyOut, certValid, certHosts...); err != nil {
		return err
	}
	fmt.Printf("Certificate: %s\n", certOut)
	fmt.Printf("Key:         %s\n", keyOut)
	return nil
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	for i := range cfg.Auth.APIKeys {
		cfg.Auth.APIKeys[i] = "********"
	}

	if IsJSONOutput() {
		return printJSON(cfg)
	}

	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	defer enc.Close()
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

func runConfigGenKey(cmd *cobra.Command, args []string) error {
	key, hash, err := auth.GenerateAPIKey()
	if err != nil {
		return fmt.Errorf("failed to generate key: %w", err)
	}

	if IsJSONOutput() {
		return printJSON(map[string]string{"key": key, "hash": hash})
	}

	fmt.Printf("API key:  %s\n", key)
	fmt.Printf("Hash:     %s\n", hash)
	fmt.Println("\nAdd the hash to auth.api_key_hashes and pass the key as REQCORR_API_KEY.")
	return nil
}
