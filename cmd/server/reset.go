package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/mohammadhprp/admission/internal/config"
	"github.com/mohammadhprp/admission/internal/transport"
)

func newResetCmd() *cobra.Command {
	var (
		addr    string
		token   string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "reset <algorithm> <merchant_id>",
		Short: "Clear the limiter state of a merchant on a running server",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			if addr == "" {
				addr = cfg.GRPCAddr()
			}
			if token == "" {
				token = cfg.Admin.Token
			}

			conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
			if err != nil {
				return fmt.Errorf("failed to connect to %s: %w", addr, err)
			}
			defer conn.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			if _, err := transport.NewAdmissionClient(conn).Reset(ctx, token, args[0], args[1]); err != nil {
				return fmt.Errorf("reset failed: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "rate limit reset: %s %s\n", args[0], args[1])
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "gRPC address of the server (default from APP_HOST/APP_GRPC_PORT)")
	cmd.Flags().StringVar(&token, "token", "", "admin bearer token (default from ADMIN_TOKEN)")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "request timeout")
	return cmd
}
