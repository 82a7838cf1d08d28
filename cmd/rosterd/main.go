package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/rosterlabs/roster/internal/app"
	"github.com/rosterlabs/roster/internal/config"
)

func main() {
	// Load .env first so API key references in the config resolve.
	config.LoadEnv()

	fmt.Println(`  ██████╗  ██████╗ ███████╗████████╗███████╗██████╗`)
	fmt.Println(`  ██╔══██╗██╔═══██╗██╔════╝╚══██╔══╝██╔════╝██╔══██╗`)
	fmt.Println(`  ██████╔╝██║   ██║███████╗   ██║   █████╗  ██████╔╝`)
	fmt.Println(`  ██╔══██╗██║   ██║╚════██║   ██║   ██╔══╝  ██╔══██╗`)
	fmt.Println(`  ██║  ██║╚██████╔╝███████║   ██║   ███████╗██║  ██║`)
	fmt.Println(`  ╚═╝  ╚═╝ ╚═════╝ ╚══════╝   ╚═╝   ╚══════╝╚═╝  ╚═╝`)
	fmt.Println(`        ╔═══ agent runtime · MCP router ═══╗`)

	configDir := os.Getenv("ROSTER_CONFIG_DIR")
	if configDir == "" {
		configDir = "config"
	}
	fmt.Printf("⚙️  Config: %s\n", configDir)

	a, err := app.New(configDir)
	if err != nil {
		log.Fatalf("❌ startup failed: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.Run(ctx); err != nil {
		log.Fatalf("❌ server error: %v", err)
	}
}
