// chattest connects to a chat endpoint and bridges the console to it.
// Inbound frames, auth outcomes, and delivery confirmations print to stdout;
// each stdin line is sent as a chat message.
//
// Usage: go run ./cmd/chattest --config configs/bridge.local.yaml
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/driftmsg/chatbridge/internal/config"
	"github.com/driftmsg/chatbridge/internal/connection"
)

func main() {
	configPath := flag.String("config", "configs/bridge.example.yaml", "path to config file")
	urlFlag := flag.String("url", "", "override server url")
	tokenFlag := flag.String("token", "", "override bearer token")
	verbose := flag.Bool("verbose", false, "print full frame JSON")
	flag.Parse()

	// Setup logger
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))

	// Load config
	cfg, err := config.LoadWithDefaults(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if *urlFlag != "" {
		cfg.Server.URL = *urlFlag
	}
	if *tokenFlag != "" {
		cfg.Server.Token = *tokenFlag
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nshutting down")
		cancel()
	}()

	// Create Connection Manager
	mgrCfg := connection.DefaultManagerConfig()
	mgrCfg.URL = cfg.Server.URL
	mgrCfg.Origin = cfg.Server.Origin
	mgrCfg.AuthTimeout = cfg.Connection.AuthTimeout

	mgr := connection.NewManager(mgrCfg, logger)

	mgr.OnAuth(func(ev connection.AuthEvent) {
		fmt.Printf("[AUTH] status=%s user=%s message=%q\n", ev.Status, ev.UserID, ev.Message)
	})
	mgr.OnMessage(func(env connection.Envelope) {
		if *verbose {
			data, _ := json.MarshalIndent(env, "", "  ")
			fmt.Printf("[MESSAGE] %s\n", data)
		} else {
			fmt.Printf("[MESSAGE] type=%s id=%d data=%s\n", env.Type, env.ID, env.Data)
		}
	})
	mgr.OnDelivery(func(ev connection.DeliveryEvent) {
		fmt.Printf("[DELIVERY] id=%d status=%s latency=%v\n", ev.MessageID, ev.Status, ev.DeliveryTime)
	})
	mgr.OnDisconnect(func() {
		fmt.Println("[DISCONNECTED]")
	})

	fmt.Printf("connecting to %s\n", cfg.Server.URL)
	if err := mgr.Connect(ctx, cfg.Server.Token); err != nil {
		logger.Error("connect failed", "error", err)
		os.Exit(1)
	}

	// Stdin loop: each line becomes a chat message
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			line := scanner.Text()
			if line == "" {
				continue
			}
			id := mgr.Send(connection.Outbound{
				Type: "chat_message",
				Data: map[string]string{"text": line},
			})
			fmt.Printf("[SENT] id=%d\n", id)
		}
		cancel()
	}()

	fmt.Println("type a message and press enter - Ctrl+C to stop")

	// Wait for shutdown
	<-ctx.Done()

	mgr.Disconnect()
	time.Sleep(100 * time.Millisecond)
}
