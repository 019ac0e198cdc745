package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/bdobrica/ruriko-bridge/common/crypto"
	"github.com/bdobrica/ruriko-bridge/common/version"
	"github.com/bdobrica/ruriko-bridge/internal/bridge/app"
	"github.com/bdobrica/ruriko-bridge/internal/bridge/config"
)

func main() {
	fmt.Printf("Ruriko Bridge\n")
	fmt.Printf("Version: %s\n", version.Version)
	fmt.Printf("Commit: %s\n", version.GitCommit)
	fmt.Printf("Build Time: %s\n", version.BuildTime)
	fmt.Println()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	masterKey, err := crypto.LoadMasterKey()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\nGenerate a key with: openssl rand -hex 32\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bridge, err := app.New(ctx, cfg, masterKey)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize bridge: %v\n", err)
		os.Exit(1)
	}

	if err := bridge.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error running bridge: %v\n", err)
		os.Exit(1)
	}
}
