// doppel-connect is the client-side companion tool: it drives the connection
// session state machine against the connection broker, opening the OAuth
// authorization URL in a browser and collecting the completion signal on a
// loopback listener.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/benbjohnson/clock"

	"github.com/doppelhq/doppel/internal/connect"
	"github.com/doppelhq/doppel/internal/log"
	"github.com/doppelhq/doppel/internal/services"
)

const (
	minArgsRequired = 2
	connectTimeout  = 5 * time.Minute
)

func main() {
	if len(os.Args) < minArgsRequired {
		printUsage()
		os.Exit(1)
	}

	log.Setup(envDefault("LOG_LEVEL", "warn"), false)

	command := os.Args[1]
	switch command {
	case "connect":
		handleConnect()
	case "status":
		handleStatus()
	case "disconnect":
		handleDisconnect()
	case "seed-demo":
		handleSeedDemo()
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("doppel-connect - Manage tool connections for a doppel agent")
	fmt.Println("")
	fmt.Println("Usage:")
	fmt.Println("  doppel-connect <command> [flags]")
	fmt.Println("")
	fmt.Println("Commands:")
	fmt.Println("  connect      Run the OAuth flow to connect a tool")
	fmt.Println("  status       Show which tools are connected for a user")
	fmt.Println("  disconnect   Remove a tool connection")
	fmt.Println("  seed-demo    Write demo agent data for a user")
	fmt.Println("  help         Show this help message")
	fmt.Println("")
	fmt.Println("Common flags:")
	fmt.Println("  --user ID    Slack user ID (required)")
	fmt.Println("  --tool NAME  Tool name: googlecalendar, slack, linear")
	fmt.Println("")
	fmt.Println("Environment:")
	fmt.Println("  COMPOSIO_API_KEY       Broker API key (connect/status/disconnect)")
	fmt.Println("  COMPOSIO_BASE_URL      Broker base URL (optional)")
	fmt.Println("  FIRESTORE_PROJECT_ID   Agent data project (seed-demo)")
	fmt.Println("")
}

func handleConnect() {
	var tool, userID string
	fs := flag.NewFlagSet("connect", flag.ExitOnError)
	fs.StringVar(&tool, "tool", "", "Tool to connect")
	fs.StringVar(&userID, "user", "", "Slack user ID")
	_ = fs.Parse(os.Args[2:])
	requireFlag("tool", tool)
	requireFlag("user", userID)

	broker := newBroker()
	surface := &browserSurface{tool: tool, userID: userID}
	session := connect.NewSession(tool, userID, broker, surface, clock.New())

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	fmt.Printf("Connecting %s for %s...\n", tool, userID)
	err := session.Connect(ctx)
	switch {
	case err == nil:
		fmt.Printf("Connected. Connection ID: %s\n", session.ConnectionID())
	case errors.Is(err, connect.ErrConnectionPending):
		fmt.Println("Authorization completed but the connection is not active yet.")
		fmt.Println("Check again shortly with: doppel-connect status --user " + userID)
	case errors.Is(err, connect.ErrAuthDeclined):
		fmt.Println("Authorization was declined. Nothing was connected.")
		os.Exit(1)
	case errors.Is(err, connect.ErrSurfaceClosed):
		fmt.Println("The authorization window closed before completing. Nothing was connected.")
		os.Exit(1)
	default:
		fmt.Printf("Connection failed: %v\n", err)
		os.Exit(1)
	}
}

func handleStatus() {
	var userID string
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	fs.StringVar(&userID, "user", "", "Slack user ID")
	_ = fs.Parse(os.Args[2:])
	requireFlag("user", userID)

	broker := newBroker()
	tools, ids, err := broker.ActiveConnections(context.Background(), userID)
	if err != nil {
		fmt.Printf("Failed to query connections: %v\n", err)
		os.Exit(1)
	}

	if len(tools) == 0 {
		fmt.Printf("No connected tools for %s.\n", userID)
		return
	}
	fmt.Printf("Connected tools for %s:\n", userID)
	for _, tool := range tools {
		fmt.Printf("  %-16s %s\n", tool, ids[tool])
	}
}

func handleDisconnect() {
	var tool, userID string
	var force bool
	fs := flag.NewFlagSet("disconnect", flag.ExitOnError)
	fs.StringVar(&tool, "tool", "", "Tool to disconnect")
	fs.StringVar(&userID, "user", "", "Slack user ID")
	fs.BoolVar(&force, "force", false, "Skip confirmation prompt")
	_ = fs.Parse(os.Args[2:])
	requireFlag("tool", tool)
	requireFlag("user", userID)

	broker := newBroker()
	ctx := context.Background()

	// Resolve the connection ID from status; disconnect must never start a
	// new authorization attempt.
	_, ids, err := broker.ActiveConnections(ctx, userID)
	if err != nil {
		fmt.Printf("Failed to query connections: %v\n", err)
		os.Exit(1)
	}
	connectionID, ok := ids[tool]
	if !ok || connectionID == "" {
		fmt.Printf("%s is not connected for %s.\n", tool, userID)
		os.Exit(1)
	}

	session := connect.NewSession(tool, userID, broker, &browserSurface{tool: tool, userID: userID}, clock.New())
	if err := session.Resume(connectionID); err != nil {
		fmt.Printf("Failed to resume connection session: %v\n", err)
		os.Exit(1)
	}

	confirm := func() bool {
		if force {
			return true
		}
		fmt.Printf("Disconnect %s (connection %s)? (y/N): ", tool, session.ConnectionID())
		reader := bufio.NewReader(os.Stdin)
		answer, err := reader.ReadString('\n')
		if err != nil {
			return false
		}
		answer = strings.ToLower(strings.TrimSpace(answer))
		return answer == "y" || answer == "yes"
	}

	err = session.Disconnect(ctx, confirm)
	switch {
	case err == nil:
		fmt.Printf("Disconnected %s.\n", tool)
	case errors.Is(err, connect.ErrDisconnectDeclined):
		fmt.Println("Cancelled.")
	default:
		fmt.Printf("Disconnect failed: %v\n", err)
		os.Exit(1)
	}
}

func handleSeedDemo() {
	var userID, displayName string
	fs := flag.NewFlagSet("seed-demo", flag.ExitOnError)
	fs.StringVar(&userID, "user", "", "Slack user ID")
	fs.StringVar(&displayName, "name", "", "Display name for the demo agent")
	_ = fs.Parse(os.Args[2:])
	requireFlag("user", userID)
	requireFlag("name", displayName)

	projectID := requireEnv("FIRESTORE_PROJECT_ID")
	databaseID := envDefault("FIRESTORE_DATABASE_ID", "(default)")

	ctx := context.Background()
	client, err := firestore.NewClientWithDatabase(ctx, projectID, databaseID)
	if err != nil {
		fmt.Printf("Failed to create Firestore client: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if err := client.Close(); err != nil {
			log.Error(ctx, "Error closing Firestore client", "error", err)
		}
	}()

	store := services.NewAgentDataService(client)
	if err := store.SeedDemoData(ctx, userID, displayName); err != nil {
		fmt.Printf("Failed to seed demo data: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Seeded demo agent data for %s (%s).\n", displayName, userID)
}

func newBroker() *services.ComposioService {
	apiKey := requireEnv("COMPOSIO_API_KEY")
	baseURL := envDefault("COMPOSIO_BASE_URL", "https://backend.composio.dev/api/v3")
	return services.NewComposioService(baseURL, apiKey)
}

func requireFlag(name, value string) {
	if value == "" {
		fmt.Printf("Missing required flag: --%s\n", name)
		os.Exit(1)
	}
}

func requireEnv(key string) string {
	value := os.Getenv(key)
	if value == "" {
		fmt.Printf("Missing required environment variable: %s\n", key)
		os.Exit(1)
	}
	return value
}

func envDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// browserSurface opens the authorization URL in the system browser and runs a
// loopback HTTP listener that the completed flow reports back to.
type browserSurface struct {
	tool   string
	userID string
}

type loopbackHandle struct {
	signals chan connect.CompletionSignal
	closed  chan struct{}
	server  *http.Server

	closeOnce sync.Once
}

func (h *loopbackHandle) Signals() <-chan connect.CompletionSignal { return h.signals }
func (h *loopbackHandle) Closed() <-chan struct{}                  { return h.closed }

func (h *loopbackHandle) Close() error {
	var err error
	h.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		err = h.server.Shutdown(ctx)
		close(h.closed)
	})
	return err
}

func (s *browserSurface) Open(ctx context.Context, redirectURL string) (connect.SurfaceHandle, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("failed to start callback listener: %w", err)
	}

	handle := &loopbackHandle{
		signals: make(chan connect.CompletionSignal, 1),
		closed:  make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/complete", func(w http.ResponseWriter, r *http.Request) {
		signal := connect.CompletionSignal{
			Type:    connect.CompletionSignalType,
			Success: r.URL.Query().Get("success") != "false",
			Tool:    s.tool,
			UserID:  s.userID,
		}
		if r.Method == http.MethodPost {
			// A posted body overrides the query parameters.
			var posted connect.CompletionSignal
			if err := json.NewDecoder(r.Body).Decode(&posted); err == nil {
				signal = posted
			}
		}
		select {
		case handle.signals <- signal:
		default:
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, "<html><body><p>Authorization received. You can close this tab.</p></body></html>")
	})
	handle.server = &http.Server{Handler: mux, ReadTimeout: 10 * time.Second, WriteTimeout: 10 * time.Second}

	go func() {
		if err := handle.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error(ctx, "Callback listener failed", "error", err)
		}
	}()

	if err := openBrowser(redirectURL); err != nil {
		_ = handle.Close()
		return nil, fmt.Errorf("failed to open browser: %w", err)
	}

	fmt.Printf("Opened browser for authorization.\n")
	fmt.Printf("If it did not open, visit: %s\n", redirectURL)
	fmt.Printf("Waiting for completion on http://%s/complete ...\n", listener.Addr())
	return handle, nil
}

func openBrowser(url string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		cmd = exec.Command("xdg-open", url)
	}
	return cmd.Start()
}
