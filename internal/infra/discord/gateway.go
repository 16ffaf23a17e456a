// Package discord implements voice transports on the Discord gateway.
package discord

import (
	"context"
	"sync"

	"github.com/bwmarrin/discordgo"
	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/guildbox/internal/app/playback"
	"github.com/osa030/guildbox/internal/domain/track"
)

// Config represents gateway configuration.
type Config struct {
	Token string
}

// Gateway owns the bot session and one transport per guild.
type Gateway struct {
	session *discordgo.Session
	source  FrameSource

	mu         sync.Mutex
	transports map[string]*Transport
}

// New creates a new gateway. Call Open to connect.
func New(cfg Config, source FrameSource) (*Gateway, error) {
	if cfg.Token == "" {
		return nil, errors.New("discord token is required")
	}

	dg, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create discord session")
	}
	dg.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates

	g := &Gateway{
		session:    dg,
		source:     source,
		transports: make(map[string]*Transport),
	}
	dg.AddHandler(g.onReady)
	dg.AddHandler(g.onVoiceStateUpdate)
	return g, nil
}

// Open connects to the gateway.
func (g *Gateway) Open() error {
	if err := g.session.Open(); err != nil {
		return errors.Wrap(err, "failed to open discord session")
	}
	return nil
}

// Close disconnects every transport and the gateway session.
func (g *Gateway) Close() error {
	g.mu.Lock()
	transports := make([]*Transport, 0, len(g.transports))
	for _, t := range g.transports {
		transports = append(transports, t)
	}
	g.mu.Unlock()

	for _, t := range transports {
		_ = t.Disconnect()
	}
	return g.session.Close()
}

// Dial joins channelID in guildID. A guild that already has a transport
// moves it to the new channel and returns the same transport.
func (g *Gateway) Dial(ctx context.Context, guildID, channelID string) (playback.Transport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	g.mu.Lock()
	existing := g.transports[guildID]
	g.mu.Unlock()

	if existing != nil && !existing.isClosed() {
		if err := existing.move(channelID); err != nil {
			return nil, err
		}
		zlog.Info().Msgf("discord: moved voice channel: guild=%s channel=%s", guildID, channelID)
		return existing, nil
	}

	vc, err := g.session.ChannelVoiceJoin(guildID, channelID, false, true)
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "failed to join voice channel"), track.ErrTransportLost)
	}
	zlog.Info().Msgf("discord: joined voice channel: guild=%s channel=%s", guildID, channelID)

	t := newTransport(guildID, &voice{vc: vc}, g.source, g.forget)

	g.mu.Lock()
	g.transports[guildID] = t
	g.mu.Unlock()
	return t, nil
}

func (g *Gateway) forget(t *Transport) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.transports[t.guildID] == t {
		delete(g.transports, t.guildID)
	}
}

func (g *Gateway) transport(guildID string) *Transport {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.transports[guildID]
}

func (g *Gateway) onReady(s *discordgo.Session, r *discordgo.Ready) {
	zlog.Info().Msgf("discord: connected: user=%s guilds=%d", r.User.Username, len(r.Guilds))
}

func (g *Gateway) onVoiceStateUpdate(s *discordgo.Session, vs *discordgo.VoiceStateUpdate) {
	if vs.VoiceState == nil {
		return
	}
	t := g.transport(vs.GuildID)
	if t == nil || t.isClosed() {
		return
	}

	selfID := ""
	if s.State != nil && s.State.User != nil {
		selfID = s.State.User.ID
	}

	if vs.UserID == selfID && vs.ChannelID == "" {
		// Kicked or the channel was deleted.
		zlog.Warn().Msgf("discord: removed from voice channel: guild=%s", vs.GuildID)
		t.lost(errors.New("removed from voice channel"))
		return
	}

	guild, err := s.State.Guild(vs.GuildID)
	if err != nil {
		return
	}
	n := countListeners(guild.VoiceStates, t.ChannelID(), selfID, func(userID string) bool {
		m, err := s.State.Member(vs.GuildID, userID)
		return err == nil && m.User != nil && m.User.Bot
	})
	t.setListeners(n)
}

// countListeners counts non-bot users in channelID.
func countListeners(states []*discordgo.VoiceState, channelID, selfID string, isBot func(userID string) bool) int {
	n := 0
	for _, vs := range states {
		if vs == nil || vs.ChannelID != channelID || vs.UserID == selfID {
			continue
		}
		if isBot != nil && isBot(vs.UserID) {
			continue
		}
		n++
	}
	return n
}

// voice adapts a discordgo voice connection.
type voice struct {
	vc *discordgo.VoiceConnection
}

func (v *voice) Speaking(on bool) error { return v.vc.Speaking(on) }

func (v *voice) Send() chan<- []byte { return v.vc.OpusSend }

func (v *voice) ChannelID() string {
	v.vc.RLock()
	defer v.vc.RUnlock()
	return v.vc.ChannelID
}

func (v *voice) Move(channelID string) error { return v.vc.ChangeChannel(channelID, false, true) }

func (v *voice) Disconnect() error { return v.vc.Disconnect() }
