// Package main provides the server entry point.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/guildbox/internal/api/httpapi"
	"github.com/osa030/guildbox/internal/app/engine"
	"github.com/osa030/guildbox/internal/app/filter"
	"github.com/osa030/guildbox/internal/app/notification"
	"github.com/osa030/guildbox/internal/app/playback"
	"github.com/osa030/guildbox/internal/app/resolver"
	"github.com/osa030/guildbox/internal/app/session/registry"
	"github.com/osa030/guildbox/internal/domain/track"
	"github.com/osa030/guildbox/internal/infra/audio"
	"github.com/osa030/guildbox/internal/infra/config"
	"github.com/osa030/guildbox/internal/infra/discord"
	"github.com/osa030/guildbox/internal/infra/logger"
	"github.com/osa030/guildbox/internal/infra/spotify"
	"github.com/osa030/guildbox/internal/infra/ytdlp"
)

var (
	app        = kingpin.New("guildbox-server", "guildbox multi-guild audio server")
	configPath = app.Flag("config", "Path to config file").Default("config/server.yaml").String()
	verbose    = app.Flag("verbose", "Enable verbose (DEBUG) logging").Short('v').Bool()
	logfile    = app.Flag("logfile", "Path to log file (default: stdout)").String()

	// list-filters command
	listFiltersCmd = app.Command("list-filters", "List available filters and exit")

	// resolve command
	resolveCmd   = app.Command("resolve", "Resolve a query or link without joining voice")
	resolveQuery = resolveCmd.Arg("query", "Search text or link").Required().String()
)

func init() {
	// start command (default) - no need to store the command
	app.Command("start", "Start the server (default)").Default()
}

func main() {
	// Load .env file if it exists (errors are ignored)
	_ = godotenv.Load()

	command := kingpin.MustParse(app.Parse(os.Args[1:]))

	if command == listFiltersCmd.FullCommand() {
		printFilters()
		return
	}

	loggerConfig := logger.Config{
		Output: "stdout",
		Level:  "info",
		File:   "",
	}
	if *verbose {
		loggerConfig.Level = "debug"
	}
	if *logfile != "" {
		loggerConfig.Output = *logfile
		loggerConfig.File = *logfile
	}
	if err := logger.Init(loggerConfig); err != nil {
		panic(fmt.Sprintf("Failed to initialize logger: %v", err))
	}

	zlog.Info().Msgf("Loading config from %s", *configPath)
	cfg, err := config.Load(*configPath)
	if err != nil {
		zlog.Fatal().Msgf("Failed to load config: %v", err)
	}

	if command == resolveCmd.FullCommand() {
		if err := runResolve(cfg, *resolveQuery); err != nil {
			zlog.Error().Msgf("Resolve failed: %v", err)
			os.Exit(1)
		}
		return
	}

	if err := run(cfg); err != nil {
		zlog.Error().Msgf("Server error: %v", err)
		os.Exit(1)
	}
}

// providers holds the metadata adapters shared by the resolver and the sessions.
type providers struct {
	spotify *spotify.Client // nil when Spotify is disabled
	ytdlp   *ytdlp.Client
}

func newProviders(ctx context.Context, cfg *config.Config) (*providers, error) {
	p := &providers{
		ytdlp: ytdlp.New(ytdlp.Config{
			Format:       cfg.YTDLP.Format,
			SearchPrefix: cfg.YTDLP.SearchPrefix,
			AutoInstall:  cfg.YTDLP.AutoInstall,
		}),
	}
	if err := p.ytdlp.Install(ctx); err != nil {
		return nil, fmt.Errorf("failed to prepare yt-dlp: %w", err)
	}

	if !cfg.Spotify.Enabled() {
		zlog.Info().Msg("Spotify credentials not configured, Spotify links are disabled")
		return p, nil
	}

	client, err := spotify.New(spotify.Config{
		ClientID:          cfg.Spotify.ClientID,
		ClientSecret:      cfg.Spotify.ClientSecret,
		Market:            cfg.Spotify.Market,
		RequestsPerSecond: cfg.Spotify.RequestsPerSecond,
		Burst:             cfg.Spotify.Burst,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Spotify client: %w", err)
	}
	if err := authenticateSpotify(ctx, client); err != nil {
		return nil, fmt.Errorf("spotify authentication failed: %w", err)
	}
	p.spotify = client
	return p, nil
}

// newResolver builds the resolver and its search chain.
func (p *providers) newResolver(cfg *config.Config) (*resolver.Resolver, error) {
	backends := resolver.Providers{YTDLP: p.ytdlp}
	var sp resolver.SpotifyClient
	if p.spotify != nil {
		backends.Spotify = p.spotify
		sp = p.spotify
	}

	chain, err := resolver.NewSearchChainFromConfig(cfg, backends)
	if err != nil {
		return nil, fmt.Errorf("failed to create search chain: %w", err)
	}
	return resolver.New(resolver.Config{PlaylistLimit: cfg.Resolver.PlaylistLimit}, sp, p.ytdlp, chain), nil
}

// run executes the main server logic. Using a separate function ensures
// defer statements are executed even when returning with an error.
func run(cfg *config.Config) error {
	ctx := context.Background()

	filters, err := filter.NewChainFromConfig(cfg)
	if err != nil {
		return fmt.Errorf("invalid filter config: %w", err)
	}

	provs, err := newProviders(ctx, cfg)
	if err != nil {
		return err
	}
	res, err := provs.newResolver(cfg)
	if err != nil {
		return err
	}

	gateway, err := discord.New(discord.Config{Token: cfg.Discord.Token}, audio.NewSource(audio.Config{
		FFmpegPath:  cfg.Discord.FFmpegPath,
		BitrateKbps: cfg.Discord.BitrateKbps,
	}))
	if err != nil {
		return fmt.Errorf("failed to create Discord gateway: %w", err)
	}
	if err := gateway.Open(); err != nil {
		return fmt.Errorf("failed to connect to Discord: %w", err)
	}
	defer func() {
		if err := gateway.Close(); err != nil {
			zlog.Error().Msgf("Failed to close Discord gateway: %v", err)
		}
	}()

	hub := notification.NewManager()
	defer hub.Close()
	go logEvents(hub, cfg.Playback.EventBuffer)

	reg := registry.NewSessionRegistry(engine.SessionFactory(
		playback.Config{
			IdleTimeout:            cfg.Playback.IdleTimeout(),
			MaxConsecutiveFailures: cfg.Playback.MaxConsecutiveFailures,
			LoadTimeout:            cfg.Playback.LoadTimeout(),
		},
		playback.Deps{
			Dialer:    gateway,
			Locator:   provs.ytdlp,
			Publisher: hub,
		},
	))
	eng := engine.New(res, filters, reg)

	server := httpapi.NewServer(eng, hub, cfg.Admin.Token).HTTPServer(cfg.Server.Addr)

	// Channel to capture server startup errors
	serverErrCh := make(chan error, 1)
	serverStartedCh := make(chan struct{})

	go func() {
		zlog.Info().Msgf("Starting server: addr=%s", cfg.Server.Addr)
		close(serverStartedCh)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrCh <- err
		}
	}()

	<-serverStartedCh
	// Give the server a moment to fully initialize
	time.Sleep(100 * time.Millisecond)

	executeHooks(cfg.Server.Hooks.OnStarted, "on_started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		zlog.Info().Msg("Received shutdown signal...")
	case err := <-serverErrCh:
		eng.Close()
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Stop every guild session first so voice connections are released
	eng.Close()

	if err := server.Shutdown(shutdownCtx); err != nil {
		zlog.Error().Msgf("Failed to shutdown server: %v", err)
	}

	zlog.Info().Msg("Server stopped")

	executeHooks(cfg.Server.Hooks.OnStopped, "on_stopped")

	return nil
}

// runResolve prints what a query resolves to.
func runResolve(cfg *config.Config, query string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	provs, err := newProviders(ctx, cfg)
	if err != nil {
		return err
	}
	res, err := provs.newResolver(cfg)
	if err != nil {
		return err
	}

	tracks, err := res.Resolve(ctx, query)
	if err != nil {
		return fmt.Errorf("%s: %w", resolveKind(err), err)
	}
	for i, t := range tracks {
		duration := "live"
		if !t.IsLive() {
			duration = t.Duration.Round(time.Second).String()
		}
		fmt.Printf("%3d. %-60s %8s  [%s] %s\n", i+1, t.DisplayName(), duration, t.Kind, t.SourceURI)
	}
	return nil
}

// logEvents writes every playback event to the log until the hub closes.
func logEvents(hub *notification.Manager, buffer int) {
	_, events := hub.Subscribe("", buffer)
	for e := range events {
		title := ""
		if e.Track != nil {
			title = e.Track.Track.DisplayName()
		}
		ev := zlog.Debug()
		if e.Type == playback.EventLoadFailed || e.Type == playback.EventTransportLost {
			ev = zlog.Warn().Err(e.Err)
		}
		ev.Msgf("event: seq=%d type=%s guild=%s state=%s track=%s", e.SequenceNo, e.Type, e.GuildID, e.State, title)
	}
}

// printFilters prints available filters.
func printFilters() {
	fmt.Println("Available Filters:")
	for _, name := range filter.Names() {
		f := filter.GetRegistered()[name]()
		codes := strings.Join(f.ReturnCodes(), ", ")
		fmt.Printf("  %-30s - %s [codes: %s]\n", f.Name(), f.Description(), codes)
	}
}

// authenticateSpotify fetches the first token, retrying transient errors during startup.
func authenticateSpotify(ctx context.Context, client *spotify.Client) error {
	maxRetries := 5
	baseDelay := 1 * time.Second

	var lastErr error
	for i := 0; i < maxRetries; i++ {
		if i > 0 {
			delay := baseDelay * time.Duration(1<<uint(i-1))
			zlog.Info().Msgf("Retrying Spotify authentication in %v...", delay)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		if err := client.Authenticate(ctx); err != nil {
			lastErr = err
			zlog.Warn().Msgf("Failed to authenticate with Spotify (attempt %d/%d): %v", i+1, maxRetries, err)
			continue
		}

		zlog.Info().Msg("Spotify authenticated successfully")
		return nil
	}
	return fmt.Errorf("failed after %d attempts: %v", maxRetries, lastErr)
}

// resolveKind names a resolution failure for the command line.
func resolveKind(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "Timeout"
	}
	if kind := track.ResolveErrorKind(err); kind != "" {
		return kind
	}
	return "Error"
}

// executeHooks runs a list of shell commands.
func executeHooks(hooks []string, stage string) {
	if len(hooks) == 0 {
		return
	}

	zlog.Info().Msgf("Executing %s hooks (%d commands)", stage, len(hooks))

	for _, hook := range hooks {
		zlog.Info().Msgf("Executing hook: %s", hook)
		// Use sh -c to allow shell features like redirection or pipes
		cmd := exec.Command("sh", "-c", hook)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr

		if err := cmd.Run(); err != nil {
			zlog.Error().Err(err).Msgf("Failed to execute hook: %s", hook)
		}
	}
}
