package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile     string
	serverAddr  string
	workspaceID string
	timeout     time.Duration
	output      string
	jwtToken    string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "pagehookctl",
	Short: "pagehook CLI - manage workspace webhooks",
	Long: `pagehookctl talks to the pagehook dispatcher admin API.

Use it to register webhook subscribers, send test events, trigger or publish
workspace events, and inspect the delivery log and retry queue.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.pagehookctl.yaml)")
	pf.StringVar(&serverAddr, "server", "http://localhost:8080", "dispatcher admin API base URL")
	pf.StringVarP(&workspaceID, "workspace", "w", "", "workspace id")
	pf.DurationVar(&timeout, "timeout", 30*time.Second, "request timeout")
	pf.StringVarP(&output, "output", "o", "text", "output format: text, json or yaml")
	pf.StringVar(&jwtToken, "token", "", "JWT for the admin API (overrides PAGEHOOK_TOKEN)")

	for _, name := range []string{"server", "workspace", "timeout", "output", "token"} {
		_ = viper.BindPFlag(name, pf.Lookup(name))
	}
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)
		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".pagehookctl")
	}

	viper.SetEnvPrefix("PAGEHOOK")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}

	// Flags win over config and env
	pf := rootCmd.PersistentFlags()
	if !pf.Changed("server") {
		if s := viper.GetString("server"); s != "" {
			serverAddr = s
		}
	}
	if !pf.Changed("workspace") {
		workspaceID = viper.GetString("workspace")
	}
	if !pf.Changed("timeout") {
		if d := viper.GetDuration("timeout"); d > 0 {
			timeout = d
		}
	}
	if !pf.Changed("output") {
		if o := viper.GetString("output"); o != "" {
			output = o
		}
	}
	if !pf.Changed("token") {
		jwtToken = viper.GetString("token")
	}
}

func requireWorkspace() error {
	if workspaceID == "" {
		return errors.New("workspace is required (--workspace, PAGEHOOK_WORKSPACE or config)")
	}
	return nil
}

func workspacePath(suffix string) string {
	return "/v1/workspaces/" + workspaceID + suffix
}

// apiError is the error half of the admin API envelope
type apiError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("%s (HTTP %d): %s", e.Code, e.Status, e.Message)
}

var httpClient = &http.Client{}

// apiRequest calls the admin API and decodes the data half of the envelope into out
func apiRequest(ctx context.Context, method, path string, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal body: %w", err)
		}
		rdr = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(serverAddr, "/")+path, rdr)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if jwtToken != "" {
		req.Header.Set("Authorization", "Bearer "+jwtToken)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var env struct {
		Data  json.RawMessage `json:"data"`
		Error *apiError       `json:"error"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		if resp.StatusCode >= 300 {
			return &apiError{Status: resp.StatusCode, Code: "http", Message: strings.TrimSpace(string(raw))}
		}
		return fmt.Errorf("decode response: %w", err)
	}
	if env.Error != nil {
		env.Error.Status = resp.StatusCode
		return env.Error
	}
	if resp.StatusCode >= 300 {
		return &apiError{Status: resp.StatusCode, Code: "http", Message: http.StatusText(resp.StatusCode)}
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decode data: %w", err)
		}
	}
	return nil
}
