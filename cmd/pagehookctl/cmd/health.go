package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/austindbirch/pagehook/internal/health"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check dispatcher and store tier health",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := fetchHealth(cmd.Context())
		if err != nil {
			return err
		}
		if err := printOutput(cmd.OutOrStdout(), st); err != nil {
			return err
		}

		if addr, _ := cmd.Flags().GetString("grpc"); addr != "" {
			service, _ := cmd.Flags().GetString("service")
			status, err := grpcHealth(cmd.Context(), addr, service)
			if err != nil {
				return err
			}
			cmd.Printf("grpc %s: %s\n", addr, status)
		}
		if !st.OK {
			return fmt.Errorf("unhealthy: %s", st.Message)
		}
		return nil
	},
}

// fetchHealth reads /healthz, which answers with a bare status object
func fetchHealth(ctx context.Context) (health.Status, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var st health.Status
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(serverAddr, "/")+"/healthz", nil)
	if err != nil {
		return st, err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return st, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return st, fmt.Errorf("decode health (HTTP %d): %w", resp.StatusCode, err)
	}
	return st, nil
}

func grpcHealth(ctx context.Context, addr, service string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return "", fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return "", fmt.Errorf("grpc health check: %w", err)
	}
	return resp.GetStatus().String(), nil
}

func init() {
	rootCmd.AddCommand(healthCmd)
	healthCmd.Flags().String("grpc", "", "also check the gRPC health service at this address")
	healthCmd.Flags().String("service", "pagehook.Dispatcher", "gRPC health service name")
}
