package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/sqlpage/SQLPage-sub000/internal/config"
	"github.com/sqlpage/SQLPage-sub000/internal/database"
	"github.com/sqlpage/SQLPage-sub000/internal/engine"
	"github.com/sqlpage/SQLPage-sub000/internal/filesystem"
	"github.com/sqlpage/SQLPage-sub000/internal/render"
	"github.com/sqlpage/SQLPage-sub000/internal/webserver"
)

var version = "0.1.0-dev"

type flags struct {
	configDir   string
	webRoot     string
	listen      string
	databaseURL string
	seed        string
	version     bool
}

func parseFlags(args []string) (*flags, error) {
	f := &flags{}
	fs := flag.NewFlagSet("sqlpage", flag.ContinueOnError)
	fs.StringVar(&f.configDir, "config-dir", "", "Configuration directory (default $"+config.EnvConfigDir+" or ./sqlpage)")
	fs.StringVar(&f.webRoot, "web-root", "", "Directory holding the .sql files and static assets")
	fs.StringVar(&f.listen, "listen", "", "HTTP listen address, such as :8080")
	fs.StringVar(&f.databaseURL, "database-url", "", "Database connection URL")
	fs.StringVar(&f.seed, "seed", "", "SQL file executed once at startup")
	fs.BoolVar(&f.version, "version", false, "Print the version and exit")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return f, nil
}

// loadConfig layers the flags over the loaded configuration.
func loadConfig(f *flags) (*config.AppConfig, error) {
	cfg, err := config.Load(f.configDir)
	if err != nil {
		return nil, err
	}
	if f.webRoot != "" {
		cfg.WebRoot = f.webRoot
	}
	if f.listen != "" {
		cfg.ListenOn = f.listen
	}
	if f.databaseURL != "" {
		cfg.DatabaseURL = f.databaseURL
	}
	if err := cfg.Finish(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setupLogging(cfg *config.AppConfig) error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		return fmt.Errorf("invalid log_level %q: %w", cfg.LogLevel, err)
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if cfg.IsProduction() {
		h = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(h))
	return nil
}

func main() {
	f, err := parseFlags(os.Args[1:])
	if err != nil {
		os.Exit(2)
	}
	if f.version {
		fmt.Println("sqlpage", version)
		return
	}
	cfg, err := loadConfig(f)
	if err != nil {
		log.Fatalf("load configuration: %v", err)
	}
	if err := setupLogging(cfg); err != nil {
		log.Fatalf("configure logging: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, f.seed); err != nil {
		log.Fatalf("sqlpage: %v", err)
	}
}

func run(ctx context.Context, cfg *config.AppConfig, seed string) error {
	opts, err := database.OptionsFromConfig(cfg)
	if err != nil {
		return err
	}
	db, err := database.Open(ctx, opts)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	if seed != "" {
		if err := db.ExecFile(ctx, seed); err != nil {
			return fmt.Errorf("seed database: %w", err)
		}
		log.Printf("seeded database from %s", seed)
	}

	templates := render.NewRegistry(cfg.TemplatesDir())
	if cfg.IsProduction() {
		if err := templates.PreloadBuiltins(); err != nil {
			return fmt.Errorf("load templates: %w", err)
		}
	}
	eng := engine.New(db, filesystem.New(ctx, cfg.WebRoot, db), cfg, version)
	log.Printf("sqlpage %s serving %s (database: %s)", version, cfg.WebRoot, db.Kind)
	return webserver.New(cfg, eng, templates).Run(ctx)
}
