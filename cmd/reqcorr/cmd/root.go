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

	"github.com/psantana5/reqcorr/pkg/config"
	"github.com/psantana5/reqcorr/pkg/logging"
	rtls "github.com/psantana5/reqcorr/pkg/tls"
)

// Set at build time with -ldflags "-X github.com/psantana5/reqcorr/cmd/reqcorr/cmd.Version=..."
var Version = "dev"

var (
	serverURL    string
	outputFormat string
	cfgFile      string
	apiKey       string
	caFile       string
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "reqcorr",
	Short: "Request lifecycle correlation engine",
	Long: `reqcorr correlates the header, body and response phases of browser requests
into one record per request, and forwards qualifying requests to a notary.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.reqcorr/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "reqcorr API URL (default from config or http://localhost:8787)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "output", "table", "output format: table or json")
	rootCmd.PersistentFlags().StringVar(&caFile, "ca", "", "CA certificate used to verify an HTTPS server")
}

// initConfig resolves the client settings used by the query commands
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(filepath.Join(home, ".reqcorr"))
		}
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.BindEnv("server_url", config.EnvPrefix+"_SERVER_URL")
	viper.BindEnv("api_key", config.EnvPrefix+"_API_KEY")
	_ = viper.ReadInConfig()

	if serverURL == "" {
		serverURL = viper.GetString("server_url")
	}
	if apiKey == "" {
		apiKey = viper.GetString("api_key")
	}
	if serverURL == "" {
		serverURL = "http://localhost:8787"
	}
}

// loadConfig reads the full server configuration
func loadConfig() (*config.Config, error) {
	return config.Load(viper.New(), cfgFile)
}

// newLogger builds the process logger described by cfg
func newLogger(cfg *config.Config, sub string) (*logging.Logger, error) {
	level := logging.ParseLevel(cfg.Log.Level)
	if cfg.Log.File {
		return logging.NewFileLogger("reqcorr", sub, level, cfg.Log.JSON)
	}
	return logging.NewLogger(level, cfg.Log.JSON).WithField("component", "reqcorr/"+sub), nil
}

// GetServerURL returns the configured API URL with trailing slashes removed
func GetServerURL() string {
	return strings.TrimRight(serverURL, "/")
}

// IsJSONOutput returns true if JSON output is requested
func IsJSONOutput() bool {
	return outputFormat == "json"
}

// CreateAuthenticatedRequest creates an HTTP request with authentication header if an API key is configured
func CreateAuthenticatedRequest(method, url string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		return nil, err
	}

	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	return req, nil
}

func apiClient() (*http.Client, error) {
	if caFile == "" {
		return http.DefaultClient, nil
	}
	tlsCfg, err := rtls.ClientConfig(caFile, "", "")
	if err != nil {
		return nil, err
	}
	return &http.Client{Transport: &http.Transport{TLSClientConfig: tlsCfg}}, nil
}

// getJSON performs an authenticated GET against the API and returns the body
func getJSON(path string) ([]byte, error) {
	httpReq, err := CreateAuthenticatedRequest(http.MethodGet, GetServerURL()+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	client, err := apiClient()
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to reqcorr API: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}
