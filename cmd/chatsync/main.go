// Package main implements the chatsync command line client. It connects a
// user to the chat backend, keeps the local store synchronized, and either
// tails the event stream or sends a single message and waits for delivery.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/c360/chatsync/client"
	"github.com/c360/chatsync/config"
	"github.com/c360/chatsync/store"
	"github.com/c360/chatsync/types"
	"github.com/c360/chatsync/ws"
)

// Build information constants
const (
	Version = "0.1.0"
	appName = "chatsync"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("chatsync failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cliCfg := parseFlags()

	if cliCfg.ShowVersion {
		fmt.Printf("%s %s\n", appName, Version)
		return nil
	}
	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil
	}
	if err := validateFlags(cliCfg); err != nil {
		return err
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return err
	}
	if cliCfg.Validate {
		logger.Info("configuration valid", "path", cliCfg.ConfigPath)
		return nil
	}

	c, err := client.New(*cfg, client.WithLogger(logger))
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := c.Close(); closeErr != nil {
			logger.Warn("close failed", "error", closeErr)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := c.SetUser(ctx, &types.User{ID: cliCfg.UserID}, cliCfg.Token); err != nil {
		return err
	}

	if cliCfg.MetricsPort > 0 {
		startMetricsServer(c, cliCfg.MetricsPort, logger)
	}

	states, unsubStates := c.SubscribeConnectionStatus(16)
	defer unsubStates()
	changes, unsubChanges := c.Store().Subscribe(64)
	defer unsubChanges()
	go tail(ctx, states, changes, logger)

	if err := c.Connect(ctx); err != nil {
		return err
	}

	if args := flag.Args(); len(args) >= 2 {
		return sendAndWait(ctx, c, args[0], strings.Join(args[1:], " "), cliCfg.ShutdownTimeout, logger)
	}

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cliCfg.ShutdownTimeout)
	defer cancel()
	return c.Disconnect(shutdownCtx)
}

// tail logs connection transitions and store changes until ctx ends.
func tail(ctx context.Context, states <-chan ws.State, changes <-chan store.Change, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-states:
			if !ok {
				return
			}
			attrs := []any{"status", st.Status}
			if st.ConnectionID != "" {
				attrs = append(attrs, "connection_id", st.ConnectionID)
			}
			if st.Err != nil {
				attrs = append(attrs, "error", st.Err)
			}
			logger.Info("connection", attrs...)
		case change, ok := <-changes:
			if !ok {
				return
			}
			logger.Info("store", "entity", change.Entity, "id", change.ID, "change", change.Kind.String())
		}
	}
}

// sendAndWait queues one message and polls its pending record until the
// sender worker settles it.
func sendAndWait(ctx context.Context, c *client.Client, channelID, text string, timeout time.Duration, logger *slog.Logger) error {
	localID, err := c.SendMessage(ctx, channelID, text)
	if err != nil {
		return err
	}
	logger.Info("message queued", "channel_id", channelID, "local_id", localID)

	deadline := time.After(timeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return fmt.Errorf("message %s not delivered within %s", localID, timeout)
		case <-ticker.C:
			item, err := c.Store().GetPending(ctx, localID)
			if err != nil {
				return err
			}
			switch item.Status {
			case types.PendingStatusSent:
				logger.Info("message delivered", "local_id", localID, "server_id", item.ServerID)
				return nil
			case types.PendingStatusFailed:
				return fmt.Errorf("message %s failed: %s", localID, item.FailedErr)
			}
		}
	}
}

func startMetricsServer(c *client.Client, port int, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Metrics().Handler())
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("metrics server listening", "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()
}
