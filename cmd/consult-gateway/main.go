// ABOUTME: Entry point for consult-gateway, the expert consultation streaming gateway
// ABOUTME: Provides serve, init, health, token and modes commands

package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"gopkg.in/yaml.v3"

	"github.com/2389/consult-gateway/internal/auth"
	"github.com/2389/consult-gateway/internal/config"
	"github.com/2389/consult-gateway/internal/gateway"
	"github.com/2389/consult-gateway/internal/modes"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                                 _ _
  ___ ___  _ __  ___ _   _| | |_    __ _  __ _| |_ _____      ____ _ _   _
 / __/ _ \| '_ \/ __| | | | | __|  / _' |/ _' | __/ _ \ \ /\ / / _' | | | |
| (_| (_) | | | \__ \ |_| | | |_  | (_| | (_| | ||  __/\ V  V / (_| | |_| |
 \___\___/|_| |_|___/\__,_|_|\__|  \__, |\__,_|\__\___| \_/\_/ \__,_|\__, |
                                   |___/                             |___/
`

// getDataPath returns the path to the consult data directory.
// Priority: XDG_DATA_HOME/consult > ~/.local/share/consult
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "consult")
}

func usage() {
	fmt.Println("Usage: consult-gateway <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                             Start the gateway server")
	fmt.Println("  init                              Create a new config file interactively")
	fmt.Println("  health                            Check gateway readiness over HTTP and gRPC")
	fmt.Println("  token --tenant T --user U [--ttl] Issue a bearer token for an identity")
	fmt.Println("  modes                             List execution modes")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	// A missing .env file is normal outside development.
	_ = godotenv.Load()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "health":
		err = runHealth(ctx)
	case "token":
		err = runToken(os.Args[2:])
	case "modes":
		err = runModes(os.Stdout)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := config.DefaultPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	if cfg.Server.GRPCAddr != "" {
		green.Print("    ▶ ")
		fmt.Printf("gRPC:      %s\n", cfg.Server.GRPCAddr)
	}
	green.Print("    ▶ ")
	fmt.Printf("Engine:    %s\n", cfg.Engine.BaseURL)
	if cfg.Redis.Addr != "" {
		green.Print("    ▶ ")
		fmt.Printf("Redis:     ")
		cyan.Println(cfg.Redis.Addr)
	}
	if cfg.Auth.JWTSecret == "" {
		yellow.Println("    ! identity headers are trusted without a bearer token")
	}
	fmt.Println()

	logger.Info("starting consult-gateway",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"grpc_addr", cfg.Server.GRPCAddr,
		"engine", cfg.Engine.BaseURL,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

// runHealth checks readiness over HTTP, then the gRPC health service when enabled.
func runHealth(ctx context.Context) error {
	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	url := fmt.Sprintf("http://%s/health/ready", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("not ready: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if cfg.Server.GRPCAddr != "" {
		if err := checkGRPCHealth(ctx, cfg.Server.GRPCAddr); err != nil {
			return err
		}
	}

	fmt.Println("healthy")
	return nil
}

func checkGRPCHealth(ctx context.Context, addr string) error {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("connecting to gRPC: %w", err)
	}
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: gateway.ServiceName})
	if err != nil {
		return fmt.Errorf("gRPC health check failed: %w", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("gRPC health: %s", resp.GetStatus())
	}
	return nil
}

// runToken issues a bearer token signed with the configured secret.
func runToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	tenant := fs.String("tenant", "", "tenant ID")
	user := fs.String("user", "", "user ID")
	ttl := fs.Duration("ttl", 30*24*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}

	id := auth.Identity{TenantID: strings.TrimSpace(*tenant), UserID: strings.TrimSpace(*user)}
	if id.TenantID == "" || id.UserID == "" {
		return errors.New("--tenant and --user are required")
	}
	if *ttl <= 0 {
		return errors.New("--ttl must be positive")
	}

	configPath := config.DefaultPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret not configured in %s", configPath)
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return fmt.Errorf("creating JWT verifier: %w", err)
	}
	token, err := verifier.Generate(id, *ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	fmt.Println(token)
	return nil
}

func runModes(w io.Writer) error {
	cyan := color.New(color.FgCyan)
	for _, m := range modes.All() {
		cyan.Fprintf(w, "  %d  %-11s", m.ID, m.Name)
		hitl := "no"
		switch {
		case m.HITLRequired:
			hitl = "required"
		case m.HITLOptional:
			hitl = "policy"
		}
		fmt.Fprintf(w, " agents<=%-3d latency=%-8s route=%-11s checkpoints=%s\n",
			m.MaxAgents, m.Latency, m.Route, hitl)
	}
	return nil
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("consult-gateway configuration setup")
	fmt.Println("===================================")
	fmt.Println()

	outputFile := prompt(reader, "Config file path", config.DefaultPath())
	if _, err := os.Stat(outputFile); err == nil {
		if !yes(prompt(reader, "File exists. Overwrite?", "no")) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	var cfg config.Config

	fmt.Println("\n--- Server ---")
	cfg.Server.HTTPAddr = prompt(reader, "HTTP address", "localhost:8080")
	cfg.Server.GRPCAddr = prompt(reader, "gRPC health address (empty to disable)", "localhost:50051")

	fmt.Println("\n--- Database ---")
	cfg.Database.Path = prompt(reader, "SQLite database path", filepath.Join(getDataPath(), "gateway.db"))

	fmt.Println("\n--- Compute Engine ---")
	cfg.Engine.BaseURL = prompt(reader, "Engine base URL", "http://localhost:9000")
	cfg.Engine.APIKey = prompt(reader, "Engine API key (empty for none)", "")
	cfg.Engine.PreflightTimeoutRaw = "3s"
	cfg.Engine.ConnectTimeoutRaw = "10s"

	fmt.Println("\n--- Authentication ---")
	if yes(prompt(reader, "Require bearer tokens?", "yes")) {
		secret := make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return fmt.Errorf("generating JWT secret: %w", err)
		}
		cfg.Auth.JWTSecret = base64.StdEncoding.EncodeToString(secret)
	}

	fmt.Println("\n--- Session Leases ---")
	cfg.Redis.Addr = prompt(reader, "Redis address (empty for in-process leases)", "")

	fmt.Println("\n--- Logging ---")
	cfg.Logging.Level = prompt(reader, "Log level (debug/info/warn/error)", "info")
	cfg.Logging.Format = prompt(reader, "Log format (text/json)", "text")

	cfg.Checkpoints.DefaultTTLRaw = "30m"
	cfg.Checkpoints.SweepIntervalRaw = "30s"
	cfg.Relay.Buffer = 64
	cfg.Metrics.Path = "/metrics"

	out, err := renderConfig(&cfg)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(outputFile, out, 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	dataDir := filepath.Dir(cfg.Database.Path)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Printf("Data directory: %s\n", dataDir)
	fmt.Println("\nTo start the server:")
	fmt.Println("  consult-gateway serve")

	return nil
}

// renderConfig validates cfg and encodes it as a commented YAML file.
func renderConfig(cfg *config.Config) ([]byte, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid answers: %w", err)
	}
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("encoding config: %w", err)
	}
	header := "# consult-gateway configuration\n# Generated by consult-gateway init\n\n"
	return append([]byte(header), out...), nil
}

func yes(s string) bool {
	s = strings.ToLower(s)
	return s == "yes" || s == "y"
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
