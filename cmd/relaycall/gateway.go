package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"

	"github.com/dense-identity/relaycall/internal/config"
	"github.com/dense-identity/relaycall/internal/rpc"
	"github.com/dense-identity/relaycall/internal/transport"
)

func gatewayCmd() *cobra.Command {
	var port string
	cmd := &cobra.Command{
		Use:   "gateway",
		Short: "Share one relay connection with many consumers over gRPC",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load[config.GatewayConfig]()
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			if port != "" {
				cfg.Port = port
			}
			if err := cfg.Relay.Validate(); err != nil {
				return err
			}
			logger, err := cfg.Log.Logger()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			upstream := transport.NewClient(relayOptions(cfg.Relay, logger))
			if err := upstream.Connect(ctx); err != nil {
				return err
			}
			defer upstream.Close()

			lis, err := net.Listen("tcp", cfg.ListenAddr())
			if err != nil {
				return fmt.Errorf("failed to listen on %s: %w", cfg.ListenAddr(), err)
			}

			grpcServer := grpc.NewServer(
				grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
					MinTime:             20 * time.Second,
					PermitWithoutStream: true,
				}),
			)
			relayServer := rpc.NewServer(upstream, rpc.WithServerLogger(logger), rpc.WithQueueSize(cfg.QueueSize))
			rpc.RegisterRelayServer(grpcServer, relayServer)
			go relayServer.Forward(ctx, upstream.Notifications())

			serveErr := make(chan error, 1)
			go func() { serveErr <- grpcServer.Serve(lis) }()
			logger.WithField("addr", cfg.ListenAddr()).Info("[Gateway] gRPC server listening")

			var runErr error
			select {
			case <-ctx.Done():
			case <-upstream.Done():
				runErr = errors.New("relay connection lost")
				select {
				case err := <-upstream.Errors():
					runErr = err
				default:
				}
			case runErr = <-serveErr:
			}
			grpcServer.GracefulStop()
			logger.Info("[Gateway] Stopped")
			return runErr
		},
	}
	cmd.Flags().StringVar(&port, "port", "", "listen port (overrides PORT)")
	return cmd
}
