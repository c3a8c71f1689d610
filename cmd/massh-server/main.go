package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/reflection"

	"github.com/liliang-cn/massh/pkg/config"
	"github.com/liliang-cn/massh/pkg/dispatch"
	"github.com/liliang-cn/massh/pkg/logger"
	"github.com/liliang-cn/massh/pkg/server"
)

var (
	Version = "dev" // Set at build time

	port       int
	configPath string
	logLevel   string
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "massh-server",
		Short:        "massh gRPC server",
		Version:      Version,
		RunE:         runServer,
		SilenceUsage: true,
	}

	rootCmd.Flags().IntVarP(&port, "port", "p", 50051, "gRPC server port")
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "~/.massh/config.toml", "Config file path")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (default: from config)")

	rootCmd.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "version %s" .Version}}
`)

	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number of massh-server",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("massh-server version %s\n", Version)
		},
	}
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}

	log := logger.New(&logger.Config{
		Level:    cfg.Log.Level,
		Output:   cfg.Log.Output,
		NoColor:  cfg.Log.NoColor,
		ShowTime: true,
	})
	logger.SetDefault(log)

	client, err := dispatch.New(cfg, dispatch.WithLogger(log))
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}
	defer client.Close()

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	grpcServer := grpc.NewServer(
		grpc.MaxRecvMsgSize(100*1024*1024),
		grpc.MaxSendMsgSize(100*1024*1024),
	)
	server.Register(grpcServer, server.NewServer(client, log))
	reflection.Register(grpcServer)

	serveErr := make(chan error, 1)
	go func() {
		log.Info("massh-server listening on :%d with %d hosts", port, client.Len())
		serveErr <- grpcServer.Serve(lis)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("received %s, shutting down", sig)
	case err := <-serveErr:
		return fmt.Errorf("failed to serve: %w", err)
	}

	stopped := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
		log.Info("server stopped")
	case <-time.After(10 * time.Second):
		log.Warn("timeout, forcing stop")
		grpcServer.Stop()
	}

	return nil
}
