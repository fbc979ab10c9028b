// ABOUTME: Entry point for the mcp-broker capability broker
// ABOUTME: Wires the registry, broker, isolation and skill layers behind the HTTP API

package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/fatih/color"

	"github.com/2389/mcp-broker/internal/api"
	"github.com/2389/mcp-broker/internal/broker"
	"github.com/2389/mcp-broker/internal/config"
	"github.com/2389/mcp-broker/internal/connection"
	"github.com/2389/mcp-broker/internal/isolation"
	"github.com/2389/mcp-broker/internal/registry"
	"github.com/2389/mcp-broker/internal/skills"
	"github.com/2389/mcp-broker/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
 _ __ ___   ___ _ __        | |__  _ __ ___ | | _____ _ __
| '_ ' _ \ / __| '_ \ _____ | '_ \| '__/ _ \| |/ / _ \ '__|
| | | | | | (__| |_) |_____|| |_) | | | (_) |   <  __/ |
|_| |_| |_|\___| .__/       |_.__/|_|  \___/|_|\_\___|_|
               |_|
`

// getConfigPath returns the path to the broker config file.
// Priority: MCP_BROKER_CONFIG env var > XDG_CONFIG_HOME/mcp-broker/broker.yaml > ~/.config/mcp-broker/broker.yaml
func getConfigPath() string {
	if envPath := os.Getenv("MCP_BROKER_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "broker.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "mcp-broker", "broker.yaml")
}

// getDataPath returns the path to the broker data directory.
// Priority: XDG_DATA_HOME/mcp-broker > ~/.local/share/mcp-broker
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "mcp-broker")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: mcp-broker <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve    Start the broker server")
		fmt.Println("  init     Create a new config file interactively")
		fmt.Println("  health   Check broker health")
		fmt.Println("  status   Show broker status and tenant metrics")
		os.Exit(1)
	}

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
	case "status":
		err = runStatus(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig loads the config file if it exists, falling back to the
// built-in defaults so the broker can run without any setup.
func loadConfig(configPath string) (*config.Config, bool, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return config.Default(), false, nil
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, false, err
	}
	return cfg, true, nil
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	// Version info
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	// Load configuration
	cfg, fromFile, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Setup logger
	logger := setupLogger(cfg.Logging)

	// Startup info
	green := color.New(color.FgGreen)

	green.Print("    ▶ ")
	if fromFile {
		fmt.Printf("Config:    %s\n", configPath)
	} else {
		fmt.Printf("Config:    built-in defaults\n")
	}
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Industry:  %s\n", cfg.Skills.Industry)
	if cfg.Database.Path != "" {
		green.Print("    ▶ ")
		fmt.Printf("Skills DB: %s\n", cfg.Database.Path)
	}

	fmt.Println()

	logger.Info("starting mcp-broker",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"industry", cfg.Skills.Industry,
	)

	// Skill store: SQLite when a database path is configured, memory otherwise
	var skillStore store.SkillStore
	if cfg.Database.Path != "" {
		sqlStore, err := store.NewSQLiteStore(cfg.Database.Path)
		if err != nil {
			return fmt.Errorf("opening skill store: %w", err)
		}
		defer sqlStore.Close()
		skillStore = sqlStore
	}

	// Assemble the broker stack
	reg := registry.New(logger)
	bus := connection.NewBus(logger)
	conns := connection.NewHandler(reg, bus, connection.Options{
		MaxReconnects:    cfg.Broker.MaxReconnects,
		HeartbeatSweep:   cfg.Broker.HeartbeatSweep,
		ActivitySweep:    cfg.Broker.ActivitySweep,
		HeartbeatTimeout: cfg.Broker.HeartbeatTimeout,
		ConnectionIdle:   cfg.Broker.ConnectionIdle,
	}, logger)
	b := broker.New(cfg, reg, conns, logger)
	sk := skills.NewSystem(b, skillStore, logger)
	iso := isolation.NewManager(cfg, b, sk, logger)
	sk.SetDirectory(reg)
	sk.SetSkillLimit(iso.SkillLimit)
	apiSrv := api.NewServer(cfg, b, iso, sk, logger)

	if err := b.Initialize(ctx); err != nil {
		return fmt.Errorf("initializing broker: %w", err)
	}
	sk.Start()
	iso.Start()

	errCh := make(chan error, 1)
	go func() {
		errCh <- apiSrv.Start()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Broker.ShutdownWait)
	defer cancel()

	if err := apiSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("API shutdown failed", "error", err)
	}
	iso.Stop()
	sk.Stop()
	b.Shutdown(shutdownCtx)

	logger.Info("mcp-broker stopped")
	return nil
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	// Format timestamp
	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	// Colorize level
	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	// Print message
	buf.WriteString(r.Message)

	// Print handler-level attrs first (from WithAttrs)
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	// Print record attrs
	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}

func runHealth(ctx context.Context) error {
	cfg, _, err := loadConfig(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Make HTTP request to health endpoint with context
	url := fmt.Sprintf("http://%s/health", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}

func runStatus(ctx context.Context) error {
	cfg, _, err := loadConfig(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Make HTTP request to status endpoint with context
	url := fmt.Sprintf("http://%s/api/status", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("status check failed: %w", err)
	}
	defer resp.Body.Close()

	// Read response body
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	fmt.Println(string(body))
	return nil
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("mcp-broker configuration setup")
	fmt.Println("==============================")
	fmt.Println()

	// Default paths
	defaultConfigPath := getConfigPath()
	defaultDataPath := getDataPath()
	defaultDbPath := filepath.Join(defaultDataPath, "skills.db")

	// Output filename
	outputFile := prompt(reader, "Config file path", defaultConfigPath)

	// Check if file exists
	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if strings.ToLower(overwrite) != "yes" && strings.ToLower(overwrite) != "y" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	// Server configuration
	fmt.Println("\n--- Server Configuration ---")
	httpAddr := prompt(reader, "HTTP address", "127.0.0.1:8390")

	// Database
	fmt.Println("\n--- Skill Store Configuration ---")
	dbPath := prompt(reader, "SQLite skill database path (empty for in-memory)", defaultDbPath)

	// Skills
	fmt.Println("\n--- Skill Catalog Configuration ---")
	industry := prompt(reader, "Industry catalog (generic/solar)", "solar")

	// Logging
	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	// Generate config
	var cfg strings.Builder
	cfg.WriteString("# mcp-broker configuration\n")
	cfg.WriteString("# Generated by mcp-broker init\n\n")

	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  http_addr: \"%s\"\n", httpAddr))
	cfg.WriteString("\n")

	cfg.WriteString("database:\n")
	cfg.WriteString(fmt.Sprintf("  path: \"%s\"\n", dbPath))
	cfg.WriteString("\n")

	cfg.WriteString("skills:\n")
	cfg.WriteString(fmt.Sprintf("  industry: \"%s\"\n", industry))
	cfg.WriteString("\n")

	cfg.WriteString("isolation:\n")
	cfg.WriteString("  allowed_servers: [\"memory\", \"fetch\", \"task-automation\"]\n")
	cfg.WriteString("  max_concurrent_requests: 10\n")
	cfg.WriteString("  max_memory_mb: 50\n")
	cfg.WriteString("  max_skills: 30\n")
	cfg.WriteString("\n")

	cfg.WriteString("broker:\n")
	cfg.WriteString("  heartbeat_sweep: \"30s\"\n")
	cfg.WriteString("  heartbeat_timeout: \"120s\"\n")
	cfg.WriteString("  connection_idle: \"30m\"\n")
	cfg.WriteString("  tenant_idle: \"24h\"\n")
	cfg.WriteString("  shutdown_wait: \"30s\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: \"%s\"\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: \"%s\"\n", logFormat))

	// Ensure config directory exists
	configDir := filepath.Dir(outputFile)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	// Write config file
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	// Ensure data directory exists
	if dbPath != "" {
		dataDir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			return fmt.Errorf("creating data directory: %w", err)
		}
		fmt.Printf("\nConfig written to %s\n", outputFile)
		fmt.Printf("Data directory: %s\n", dataDir)
	} else {
		fmt.Printf("\nConfig written to %s\n", outputFile)
	}

	fmt.Println("\nTo start the server:")
	fmt.Printf("  mcp-broker serve\n")

	return nil
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
