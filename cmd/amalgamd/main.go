package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/amalgam/sbfds/internal/mcp"
	"github.com/amalgam/sbfds/internal/server"
	"github.com/amalgam/sbfds/pkg/store"
)

func main() {
	httpAddr := flag.String("http-addr", ":9091", "Address and port for the REST API server (e.g. :9091)")
	authToken := flag.String("auth-token", "", "Optional bearer token required on API requests")
	stepBudget := flag.Int64("step-budget", 0, "Per-query step budget; 0 means unlimited")
	mcpStdio := flag.Bool("mcp", false, "Serve the MCP tool interface on stdio instead of HTTP")
	flag.Parse()

	st := store.New(store.Config{StepBudget: *stepBudget})

	if *mcpStdio {
		srv := mcp.NewMCPServer(st)
		if err := srv.Run(context.Background(), &mcpsdk.StdioTransport{}); err != nil {
			log.Fatalf("MCP server failed: %v", err)
		}
		return
	}

	srv := server.NewServer(st, *httpAddr, *authToken)

	shutdownChan := make(chan os.Signal, 1)
	signal.Notify(shutdownChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := srv.Run(); err != nil {
			log.Fatal(err)
		}
	}()

	<-shutdownChan
	srv.Shutdown()
}
