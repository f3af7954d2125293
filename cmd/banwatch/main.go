package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/banwatch/banwatch/internal/backfill"
	"github.com/banwatch/banwatch/internal/config"
	"github.com/banwatch/banwatch/internal/discord"
	"github.com/banwatch/banwatch/internal/mcp"
	"github.com/banwatch/banwatch/internal/report"
	"github.com/banwatch/banwatch/internal/store"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog"
)

const version = "0.1.0-dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(0)
	}

	switch os.Args[1] {
	case "backfill":
		if err := runBackfill(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "stats":
		if err := runStats(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "record":
		if err := runRecord(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "mcp":
		if err := runMCP(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "version", "--version", "-v":
		fmt.Printf("banwatch %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

// cliFlags holds the flag values shared by the subcommands.
type cliFlags struct {
	configPath string
	dbPath     string
	token      string
	guildID    string
	channels   string
	anchorID   string
	since      string
	rest       []string
}

func parseFlags(args []string) (cliFlags, error) {
	var f cliFlags
	for i := 0; i < len(args); i++ {
		arg := args[i]
		value := func() (string, error) {
			if i+1 >= len(args) {
				return "", fmt.Errorf("%s requires a value", arg)
			}
			i++
			return args[i], nil
		}

		var err error
		switch arg {
		case "--config":
			f.configPath, err = value()
		case "--db":
			f.dbPath, err = value()
		case "--token":
			f.token, err = value()
		case "--guild":
			f.guildID, err = value()
		case "--channels":
			f.channels, err = value()
		case "--anchor":
			f.anchorID, err = value()
		case "--since":
			f.since, err = value()
		default:
			if strings.HasPrefix(arg, "-") {
				return f, fmt.Errorf("unknown flag: %s", arg)
			}
			f.rest = append(f.rest, arg)
		}
		if err != nil {
			return f, err
		}
	}
	return f, nil
}

func resolve(f cliFlags) (config.ResolvedConfig, error) {
	return config.ResolveConfig(config.ResolveOptions{
		ConfigPath:  f.configPath,
		CLIDBPath:   f.dbPath,
		CLIToken:    f.token,
		CLIGuildID:  f.guildID,
		CLIChannels: f.channels,
		CLIAnchorID: f.anchorID,
	})
}

func openStore(cfg config.ResolvedConfig) (store.Store, error) {
	return store.NewStore(store.StoreConfig{DBPath: cfg.DBPath.Value})
}

func newLogger() zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		With().Timestamp().Logger()
}

func runBackfill(args []string) error {
	f, err := parseFlags(args)
	if err != nil {
		return err
	}
	cfg, err := resolve(f)
	if err != nil {
		return err
	}
	if err := cfg.ValidateDiscord(); err != nil {
		return err
	}
	scopes := cfg.LogChannels()
	if len(scopes) == 0 {
		return fmt.Errorf("no log channels configured (set discord.log_channels or --channels)")
	}

	s, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer s.Close()

	log := newLogger()
	client := discord.NewClient(cfg.NormalizedToken(), cfg.GuildID.Value)

	bcfg := backfill.Config{
		Scopes:   scopes,
		AnchorID: cfg.AnchorID.Value,
	}
	if v := cfg.ProgressEvery.Value; v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid progress_every %q", v)
		}
		bcfg.ProgressEvery = n
	}
	if v := cfg.ProgressInterval.Value; v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid progress_interval %q", v)
		}
		bcfg.ProgressInterval = d
	}

	rec := backfill.New(s, client, bcfg, log)
	result, err := rec.Run(context.Background())
	if err != nil {
		return err
	}

	if result.AlreadyDone {
		fmt.Println("Backfill already completed; nothing to do.")
		return nil
	}

	joins, bans := result.Added()
	fmt.Printf("Backfill complete: %d messages scanned, %d joins added, %d bans added.\n",
		result.Scanned(), joins, bans)
	for _, sr := range result.Scopes {
		switch {
		case sr.Skipped:
			fmt.Printf("  %s: already done\n", sr.Scope)
		case sr.Unavailable:
			fmt.Printf("  %s: unavailable, skipped\n", sr.Scope)
		default:
			fmt.Printf("  %s: %d scanned, %d joins, %d bans\n",
				sr.Scope, sr.Scanned, sr.JoinsAdded, sr.BansAdded)
		}
	}
	return nil
}

func runStats(args []string) error {
	f, err := parseFlags(args)
	if err != nil {
		return err
	}
	cfg, err := resolve(f)
	if err != nil {
		return err
	}

	s, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer s.Close()

	engine := report.NewEngine(s)
	rep, err := engine.Stats(context.Background(), f.since, time.Now().UTC())
	if err != nil {
		return err
	}

	fmt.Printf("Bans since %s (per %s):\n", rep.Since.Format("2006-01-02"), rep.Granularity)
	for _, p := range rep.Series {
		if p.Count > 0 {
			fmt.Printf("  %s  %s (%d)\n", p.Label, bar(p.Count), p.Count)
		}
	}

	fmt.Println("\nBans per moderator:")
	for _, p := range rep.Moderators {
		fmt.Printf("  %-24s %s (%d)\n", p.Label, bar(p.Count), p.Count)
	}

	if rep.TimeToBan != nil {
		fmt.Println("\nTime from join to ban:")
		for _, b := range rep.TimeToBan.Bins {
			fmt.Printf("  %-16s %s (%d)\n", b.Label, bar(b.Count), b.Count)
		}
	}
	return nil
}

// bar renders a proportional text bar, capped so wide counts stay readable.
func bar(n int) string {
	if n > 60 {
		n = 60
	}
	return strings.Repeat("#", n)
}

func runRecord(args []string) error {
	f, err := parseFlags(args)
	if err != nil {
		return err
	}
	if len(f.rest) != 1 {
		return fmt.Errorf("usage: banwatch record <offender-id>")
	}
	cfg, err := resolve(f)
	if err != nil {
		return err
	}

	s, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer s.Close()

	rec, err := s.Get(context.Background(), f.rest[0])
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("no record for offender %s", f.rest[0])
	}

	fmt.Printf("Offender:  %s\n", rec.OffenderID)
	if rec.OffenderTag != "" {
		fmt.Printf("Tag:       %s\n", rec.OffenderTag)
	}
	if rec.JoinedAt != nil {
		fmt.Printf("Joined:    %s\n", rec.JoinedAt.UTC().Format(time.RFC3339))
	}
	if rec.BannedAt != nil {
		fmt.Printf("Banned:    %s\n", rec.BannedAt.UTC().Format(time.RFC3339))
	}
	if rec.Moderator != "" {
		fmt.Printf("Moderator: %s\n", rec.Moderator)
	}
	if rec.Reason != "" {
		fmt.Printf("Reason:    %s\n", rec.Reason)
	}
	if rec.JoinedAt != nil && rec.BannedAt != nil {
		fmt.Printf("Time to ban: %.1f hours\n", rec.BannedAt.Sub(*rec.JoinedAt).Hours())
	}
	return nil
}

func runMCP(args []string) error {
	f, err := parseFlags(args)
	if err != nil {
		return err
	}
	cfg, err := resolve(f)
	if err != nil {
		return err
	}

	s, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer s.Close()

	srv := mcp.NewServer(mcp.ServerConfig{Store: s, Version: version})
	return mcpserver.ServeStdio(srv)
}

func printUsage() {
	fmt.Printf(`banwatch %s — Deduplicated ban ledger for Discord moderation logs

Usage:
  banwatch <command> [arguments]

Commands:
  backfill            Scan historical log channels and fill missing facts
  stats               Show aggregate ban statistics
  record <id>         Show one offender's ledger record
  mcp                 Serve the ledger over MCP (stdio)
  version             Print version

Flags:
  --config <path>     Config file (default ~/.banwatch/config.yaml)
  --db <path>         SQLite database path
  --token <token>     Discord bot token
  --guild <id>        Discord guild ID
  --channels <ids>    Comma-separated log channel IDs
  --anchor <id>       Backfill anchor message ID
  --since <date>      Stats window start (YYYY-MM-DD)
  -h, --help          Show this help message
  -v, --version       Print version
`, version)
}
