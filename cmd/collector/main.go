// Command collector tails an Xray access log on an edge node and ships
// matching lines to the central engine as "NODE_NAME|<line>" frames.
package main

import (
	"context"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
)

func main() {
	log.Println("Banhammer edge collector (cmd/collector/main.go)")

	_ = godotenv.Load()

	host := os.Getenv("BANHAMMER_HOST")
	port := os.Getenv("BANHAMMER_PORT")
	if port == "" {
		port = "9999"
	}

	cfg := shipperConfig{
		NodeName:   os.Getenv("NODE_NAME"),
		ServerAddr: net.JoinHostPort(host, port),
		LogFile:    os.Getenv("LOG_FILE"),
		Reconnect:  5 * time.Second,
		Poll:       500 * time.Millisecond,
	}
	if v := os.Getenv("RECONNECT_DELAY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Reconnect = time.Duration(n) * time.Second
		}
	}

	if cfg.NodeName == "" || host == "" || cfg.LogFile == "" {
		log.Fatal("NODE_NAME, BANHAMMER_HOST and LOG_FILE are required")
	}

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-done
		log.Println("Shutting down...")
		cancel()
	}()

	if err := runShipper(ctx, cfg); err != nil && ctx.Err() == nil {
		log.Fatalf("Collector error: %v", err)
	}
	log.Println("Collector stopped")
}
