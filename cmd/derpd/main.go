package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	_ "github.com/mattn/go-sqlite3"

	"derp/internal/actions"
	"derp/internal/auditlog"
	"derp/internal/coordinator"
	"derp/internal/hello"
	"derp/internal/idset"
	"derp/internal/job"
	"derp/internal/peer"
	"derp/internal/topology"
	"derp/internal/transport"
)

const version = "0.1.0"

func main() {
	root := &cobra.Command{
		Use:   "derpd",
		Short: "derpd runs one node of a hierarchical execution coordinator",
	}
	root.AddCommand(newServeCmd(), newVersionCmd())
	if err := root.Execute(); err != nil {
		log.Fatal(err)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print the derpd version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("derpd", version)
		},
	}
}

func newServeCmd() *cobra.Command {
	var (
		rank         int
		topologyPath string
		listen       string
		parentURL    string
		shellPath    string
		dbPath       string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "run this node's coordinator, accepting its children and connecting to its parent",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(rank, topologyPath, listen, parentURL, shellPath, dbPath)
		},
	}
	cmd.Flags().IntVar(&rank, "rank", 0, "this node's rank in the overlay tree")
	cmd.Flags().StringVar(&topologyPath, "topology", "", "path to a JSON file describing the full overlay tree")
	cmd.Flags().StringVar(&listen, "listen", ":8080", "address this node's hello server listens on for its children")
	cmd.Flags().StringVar(&parentURL, "parent-url", "", "websocket URL of this node's parent hello endpoint, e.g. ws://host:8080/derp/hello (ignored at rank 0)")
	cmd.Flags().StringVar(&shellPath, "shell", "/bin/sh", "shell executable used to run local job tasks")
	cmd.Flags().StringVar(&dbPath, "db", "derp.db", "path to the sqlite job-event audit log")
	if err := cmd.MarkFlagRequired("topology"); err != nil {
		log.Fatal(err)
	}
	return cmd
}

// loadTopology reads the whole overlay tree from a JSON file shaped like
// topology.Node — every node in the cluster loads the same file and finds
// its own position in it by rank.
func loadTopology(path string) (*topology.Node, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read topology: %w", err)
	}
	var root topology.Node
	if err := json.Unmarshal(raw, &root); err != nil {
		return nil, fmt.Errorf("parse topology: %w", err)
	}
	return &root, nil
}

func serve(rank int, topologyPath, listen, parentURL, shellPath, dbPath string) error {
	root, err := loadTopology(topologyPath)
	if err != nil {
		return err
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return fmt.Errorf("open audit database: %w", err)
	}
	defer db.Close()
	if err := auditlog.EnsureSchema(db); err != nil {
		return fmt.Errorf("audit schema: %w", err)
	}
	logger := auditlog.NewLogger(db, 100, 5*time.Second)
	logger.Start()
	defer logger.Stop()

	server := transport.NewServer()
	table, err := peer.New(root, rank, server)
	if err != nil {
		return fmt.Errorf("build peer table: %w", err)
	}

	var upstream coordinator.Upstream
	if rank != 0 {
		if parentURL == "" {
			return fmt.Errorf("--parent-url is required for a non-root rank")
		}
		upstream = transport.NewClient(parentURL, rank)
	}

	hr := hello.NewResponder(20*time.Millisecond, func(resp *hello.Response) {
		if err := table.Forward(resp); err != nil {
			log.Printf("derpd: hello batch flush: %v", err)
		}
	})

	coord := coordinator.New(rank, table, hr, upstream)

	coverage := idset.Union(idset.Of(rank), table.Idset)
	exec, err := actions.NewExec(coord, job.NewTable(), hr, rank, coverage, shellPath, logger)
	if err != nil {
		return fmt.Errorf("build exec module: %w", err)
	}
	server.SetCoordinator(coord, exec)

	if _, err := actions.RegisterPing(coord, rank, table.Idset, logger); err != nil {
		return fmt.Errorf("build ping module: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go coord.Run(ctx)
	if rank != 0 {
		go func() {
			if err := coord.RunHelloClient(ctx); err != nil && ctx.Err() == nil {
				log.Printf("derpd: hello client: %v", err)
			}
		}()
	}

	httpServer := &http.Server{
		Addr:         listen,
		Handler:      server.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	go func() {
		log.Printf("derpd: rank %d listening on %s", rank, listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("derpd: server failed: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	log.Println("derpd: shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("derpd: server shutdown: %v", err)
	}
	return nil
}
