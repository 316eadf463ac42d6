package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

type tokenResponse struct {
	Token     string `json:"token"`
	ExpiresIn int    `json:"expires_in"`
	TokenType string `json:"token_type"`
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Fetch a dev admin token from the jwks-server",
	Args:  cobra.NoArgs,
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return requireWorkspace()
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		issuer, _ := cmd.Flags().GetString("issuer-url")
		ttl, _ := cmd.Flags().GetInt("ttl")
		tok, err := requestToken(cmd.Context(), issuer, workspaceID, ttl)
		if err != nil {
			return err
		}
		if save, _ := cmd.Flags().GetBool("save"); save {
			viper.Set("token", tok.Token)
			if err := writeConfig(); err != nil {
				return err
			}
		}
		return printOutput(cmd.OutOrStdout(), tok)
	},
}

func requestToken(ctx context.Context, base, ws string, ttlSeconds int) (tokenResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var tok tokenResponse
	body, _ := json.Marshal(map[string]any{"workspace_id": ws, "ttl_seconds": ttlSeconds})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(base, "/")+"/token", bytes.NewReader(body))
	if err != nil {
		return tok, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return tok, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return tok, fmt.Errorf("token request failed (HTTP %d): %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return tok, fmt.Errorf("decode token: %w", err)
	}
	return tok, nil
}

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.Flags().String("issuer-url", "http://localhost:8082", "jwks-server base URL")
	tokenCmd.Flags().Int("ttl", 3600, "token lifetime in seconds")
	tokenCmd.Flags().Bool("save", false, "store the token in the config file")
}
