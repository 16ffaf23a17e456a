// Package main provides the admin CLI entry point.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/joho/godotenv"

	"github.com/osa030/guildbox/internal/api/httpapi"
)

var (
	app    = kingpin.New("guildbox-admincli", "guildbox admin client")
	server = app.Flag("server", "Server address").Default("http://localhost:8080").String()
	token  = app.Flag("token", "Admin token (or set ADMIN_TOKEN env)").Envar("ADMIN_TOKEN").String()

	// status command
	statusCmd   = app.Command("status", "List sessions, or show one guild's queue")
	statusGuild = statusCmd.Arg("guild-id", "Guild ID").String()

	// play command
	playCmd     = app.Command("play", "Resolve a query and add it to a guild queue")
	playGuild   = playCmd.Arg("guild-id", "Guild ID").Required().String()
	playQuery   = playCmd.Arg("query", "Search text or link").Required().String()
	playChannel = playCmd.Flag("channel", "Voice channel to join").String()
	playUser    = playCmd.Flag("user", "Requester user ID").String()

	// skip command
	skipCmd   = app.Command("skip", "Skip the current track")
	skipGuild = skipCmd.Arg("guild-id", "Guild ID").Required().String()

	// pause command
	pauseCmd   = app.Command("pause", "Pause playback")
	pauseGuild = pauseCmd.Arg("guild-id", "Guild ID").Required().String()

	// resume command
	resumeCmd   = app.Command("resume", "Resume playback")
	resumeGuild = resumeCmd.Arg("guild-id", "Guild ID").Required().String()

	// stop command
	stopCmd   = app.Command("stop", "Stop the session and leave voice")
	stopGuild = stopCmd.Arg("guild-id", "Guild ID").Required().String()

	// shuffle command
	shuffleCmd   = app.Command("shuffle", "Toggle shuffle")
	shuffleGuild = shuffleCmd.Arg("guild-id", "Guild ID").Required().String()

	// repeat command
	repeatCmd   = app.Command("repeat", "Set the repeat mode")
	repeatGuild = repeatCmd.Arg("guild-id", "Guild ID").Required().String()
	repeatMode  = repeatCmd.Arg("mode", "off, track or queue").Required().Enum("off", "track", "queue")

	// remove command
	removeCmd   = app.Command("remove", "Remove a pending track")
	removeGuild = removeCmd.Arg("guild-id", "Guild ID").Required().String()
	removePos   = removeCmd.Arg("position", "Position in the upcoming list (0-based)").Required().Int()

	// clear command
	clearCmd   = app.Command("clear", "Remove every pending track")
	clearGuild = clearCmd.Arg("guild-id", "Guild ID").Required().String()

	// watch command
	watchCmd   = app.Command("watch", "Stream playback events")
	watchGuild = watchCmd.Arg("guild-id", "Guild ID (default: all guilds)").String()
)

func main() {
	// Load .env file if it exists (errors are ignored)
	_ = godotenv.Load()

	// Parse command
	command := kingpin.MustParse(app.Parse(os.Args[1:]))

	// Check admin token
	if *token == "" {
		fmt.Println("Error: admin token is required (use --token or ADMIN_TOKEN env)")
		os.Exit(1)
	}

	client := httpapi.NewClient(*server, *token, nil)
	ctx := context.Background()

	var err error
	switch command {
	case statusCmd.FullCommand():
		err = status(ctx, client, *statusGuild)
	case playCmd.FullCommand():
		err = play(ctx, client)
	case skipCmd.FullCommand():
		err = control(ctx, client, *skipGuild, "skip", "Track skipped")
	case pauseCmd.FullCommand():
		err = control(ctx, client, *pauseGuild, "pause", "Playback paused")
	case resumeCmd.FullCommand():
		err = control(ctx, client, *resumeGuild, "resume", "Playback resumed")
	case stopCmd.FullCommand():
		err = control(ctx, client, *stopGuild, "stop", "Session stopped")
	case shuffleCmd.FullCommand():
		var on bool
		if on, err = client.Shuffle(ctx, *shuffleGuild); err == nil {
			fmt.Printf("Shuffle: %v\n", on)
		}
	case repeatCmd.FullCommand():
		if err = client.Repeat(ctx, *repeatGuild, *repeatMode); err == nil {
			fmt.Printf("Repeat: %s\n", *repeatMode)
		}
	case removeCmd.FullCommand():
		var removed *httpapi.EntryView
		if removed, err = client.Remove(ctx, *removeGuild, *removePos); err == nil {
			fmt.Printf("Removed: %s\n", formatTrack(removed.Track))
		}
	case clearCmd.FullCommand():
		var n int
		if n, err = client.Clear(ctx, *clearGuild); err == nil {
			fmt.Printf("Removed %d pending tracks\n", n)
		}
	case watchCmd.FullCommand():
		err = watch(client, *watchGuild)
	}

	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
}

func status(ctx context.Context, client *httpapi.Client, guildID string) error {
	if guildID != "" {
		s, err := client.Queue(ctx, guildID)
		if err != nil {
			return err
		}
		printSession(s)
		return nil
	}

	sessions, err := client.Sessions(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Sessions (%d):\n", len(sessions))
	for _, s := range sessions {
		current := "-"
		if s.Current != nil {
			current = formatTrack(s.Current.Track)
		}
		fmt.Printf("  %s: %s (upcoming: %d, now: %s)\n", s.GuildID, formatState(s.State), len(s.Upcoming), current)
	}
	return nil
}

func printSession(s *httpapi.SessionView) {
	fmt.Println("\n=== GUILD SESSION STATUS ===")
	fmt.Printf("Guild: %s\n", s.GuildID)
	fmt.Printf("Session ID: %s\n", s.SessionID)
	fmt.Printf("Voice Channel: %s (connected: %v)\n", s.ChannelID, s.Connected)
	fmt.Printf("State: %s\n", formatState(s.State))
	fmt.Printf("Shuffle: %v  Repeat: %s\n", s.Shuffle, s.Repeat)
	fmt.Printf("Last Activity: %s\n", s.LastActivityAt.Local().Format(time.DateTime))
	if s.Halted {
		fmt.Println("Playback halted after repeated load failures")
	}

	if s.Current != nil {
		fmt.Printf("\nCurrently Playing:\n")
		fmt.Printf("  %s\n", formatTrack(s.Current.Track))
		fmt.Printf("  URL: %s\n", s.Current.Track.SourceURI)
		fmt.Printf("  Requested by: %s\n", s.Current.RequestedBy)
	} else {
		fmt.Println("\nNo track currently playing")
	}

	if len(s.Upcoming) > 0 {
		fmt.Printf("\nUp Next (%d):\n", len(s.Upcoming))
		for i, e := range s.Upcoming {
			fmt.Printf("  %3d. %s\n", i, formatTrack(e.Track))
		}
	}
	fmt.Println()
}

func play(ctx context.Context, client *httpapi.Client) error {
	res, err := client.Enqueue(ctx, *playGuild, httpapi.EnqueueRequest{
		ChannelID:   *playChannel,
		Query:       *playQuery,
		RequestedBy: *playUser,
	})
	if err != nil {
		return err
	}

	fmt.Printf("Queued %d tracks:\n", len(res.Entries))
	for _, e := range res.Entries {
		fmt.Printf("  %s\n", formatTrack(e.Track))
	}
	for code, n := range res.Rejected {
		fmt.Printf("  rejected %d: %s\n", n, code)
	}
	return nil
}

func control(ctx context.Context, client *httpapi.Client, guildID, action, done string) error {
	if err := client.Control(ctx, guildID, action); err != nil {
		return err
	}
	fmt.Println(done)
	return nil
}

func watch(client *httpapi.Client, guildID string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Println("Watching events (Ctrl+C to stop)...")
	err := client.Watch(ctx, guildID, func(ev httpapi.EventView) error {
		line := fmt.Sprintf("[%s] #%d %s guild=%s state=%s", ev.At.Local().Format(time.TimeOnly), ev.SequenceNo, ev.Type, ev.GuildID, formatState(ev.State))
		if ev.Track != nil {
			line += " track=" + formatTrack(ev.Track.Track)
		}
		if ev.Error != "" {
			line += " error=" + ev.Error
		}
		fmt.Println(line)
		return nil
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func formatTrack(t httpapi.TrackView) string {
	name := t.Title
	if t.Artist != "" {
		name = t.Artist + " - " + t.Title
	}
	if t.Live {
		return name + " (live)"
	}
	return fmt.Sprintf("%s (%s)", name, (time.Duration(t.DurationMs) * time.Millisecond).Round(time.Second))
}

func formatState(state string) string {
	switch state {
	case "idle":
		return "Idle (connected, nothing playing)"
	case "loading":
		return "Loading"
	case "playing":
		return "Playing"
	case "paused":
		return "Paused"
	case "stopped":
		return "Stopped"
	default:
		return state
	}
}
