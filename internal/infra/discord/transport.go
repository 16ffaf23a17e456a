package discord

import (
	"context"
	"io"
	"sync"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/guildbox/internal/app/playback"
	"github.com/osa030/guildbox/internal/domain/track"
	"github.com/osa030/guildbox/internal/infra/audio"
)

// FrameSource opens a stream of encoded Opus frames.
type FrameSource interface {
	Open(ctx context.Context, url string) (audio.FrameReader, error)
}

// voiceConn is the part of a voice connection the transport drives.
type voiceConn interface {
	Speaking(on bool) error
	Send() chan<- []byte
	ChannelID() string
	Move(channelID string) error
	Disconnect() error
}

// Transport streams one guild's audio into its voice channel.
type Transport struct {
	guildID string
	source  FrameSource
	onClose func(*Transport)

	mu        sync.Mutex
	vc        voiceConn
	current   *stream
	closed    bool
	listeners int // -1 until first reported

	sendMu sync.RWMutex // held for reading while sending events
	events chan playback.TransportEvent
	done   chan struct{}
}

// stream is one playing track.
type stream struct {
	token  uint64
	reader audio.FrameReader
	stop   chan struct{}
	once   sync.Once
	resume chan struct{} // non-nil while paused
}

func (s *stream) halt() {
	s.once.Do(func() {
		close(s.stop)
		_ = s.reader.Close()
	})
}

func newTransport(guildID string, vc voiceConn, source FrameSource, onClose func(*Transport)) *Transport {
	return &Transport{
		guildID:   guildID,
		source:    source,
		onClose:   onClose,
		vc:        vc,
		listeners: -1,
		events:    make(chan playback.TransportEvent, 16),
		done:      make(chan struct{}),
	}
}

// Events returns the transport signal channel. It is closed after Disconnect.
func (t *Transport) Events() <-chan playback.TransportEvent {
	return t.events
}

// ChannelID returns the joined voice channel.
func (t *Transport) ChannelID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.vc.ChannelID()
}

// Play replaces the current stream and returns once the first frame is decoded.
func (t *Transport) Play(ctx context.Context, req playback.PlayRequest) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return errors.Mark(errors.New("transport disconnected"), track.ErrTransportLost)
	}
	t.haltLocked()
	t.mu.Unlock()

	// The stream outlives ctx, which only bounds the start.
	reader, err := t.source.Open(context.Background(), req.SourceURI)
	if err != nil {
		return errors.Mark(errors.Wrap(err, "failed to open stream"), track.ErrLoadFailed)
	}

	type result struct {
		frame []byte
		err   error
	}
	first := make(chan result, 1)
	go func() {
		frame, err := reader.ReadFrame()
		first <- result{frame: frame, err: err}
	}()

	var res result
	select {
	case <-ctx.Done():
		_ = reader.Close()
		return ctx.Err()
	case res = <-first:
	}
	if res.err != nil {
		_ = reader.Close()
		if res.err == io.EOF {
			return errors.Mark(errors.New("stream is empty"), track.ErrLoadFailed)
		}
		return errors.Mark(errors.Wrap(res.err, "failed to decode stream"), track.ErrLoadFailed)
	}

	s := &stream{
		token:  req.Token,
		reader: reader,
		stop:   make(chan struct{}),
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		s.halt()
		return errors.Mark(errors.New("transport disconnected"), track.ErrTransportLost)
	}
	t.haltLocked()
	t.current = s
	vc := t.vc
	t.mu.Unlock()

	_ = vc.Speaking(true)
	go t.pump(s, vc, res.frame)

	zlog.Debug().Msgf("discord: stream started: guild=%s token=%d title=%s", t.guildID, req.Token, req.Track.Title)
	return nil
}

// pump sends frames until the stream ends or is halted.
func (t *Transport) pump(s *stream, vc voiceConn, frame []byte) {
	send := vc.Send()
	for {
		if resume := t.pauseGate(s); resume != nil {
			select {
			case <-resume:
			case <-s.stop:
				return
			}
		}

		select {
		case send <- frame:
		case <-s.stop:
			return
		}

		var err error
		frame, err = s.reader.ReadFrame()
		if err != nil {
			select {
			case <-s.stop:
				// Halted streams report nothing.
				return
			default:
			}
			t.finish(s)
			if err == io.EOF {
				t.emit(playback.TransportEvent{Type: playback.TransportTrackEnd, Token: s.token})
			} else {
				t.emit(playback.TransportEvent{Type: playback.TransportTrackError, Token: s.token, Err: err})
			}
			return
		}
	}
}

func (t *Transport) pauseGate(s *stream) chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return s.resume
}

// finish clears s as the current stream after it ended by itself.
func (t *Transport) finish(s *stream) {
	t.mu.Lock()
	if t.current == s {
		t.current = nil
		_ = t.vc.Speaking(false)
	}
	t.mu.Unlock()
	s.halt()
}

// Stop halts the current stream without emitting a track signal.
func (t *Transport) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.haltLocked()
	return nil
}

func (t *Transport) haltLocked() {
	if t.current == nil {
		return
	}
	t.current.halt()
	t.current = nil
	_ = t.vc.Speaking(false)
}

// Pause holds the current stream.
func (t *Transport) Pause() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current == nil {
		return errors.New("nothing is streaming")
	}
	if t.current.resume == nil {
		t.current.resume = make(chan struct{})
		_ = t.vc.Speaking(false)
	}
	return nil
}

// Resume continues a paused stream.
func (t *Transport) Resume() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current == nil {
		return errors.New("nothing is streaming")
	}
	if t.current.resume != nil {
		close(t.current.resume)
		t.current.resume = nil
		_ = t.vc.Speaking(true)
	}
	return nil
}

// Disconnect leaves the voice channel and closes the event channel.
func (t *Transport) Disconnect() error {
	vc, ok := t.shutdown()
	if !ok {
		return nil
	}
	if err := vc.Disconnect(); err != nil {
		return errors.Wrap(err, "failed to leave voice channel")
	}
	zlog.Info().Msgf("discord: left voice channel: guild=%s", t.guildID)
	return nil
}

// lost reports a dropped connection and shuts the transport down.
func (t *Transport) lost(err error) {
	t.emit(playback.TransportEvent{Type: playback.TransportConnectionLost, Err: err})
	if vc, ok := t.shutdown(); ok {
		_ = vc.Disconnect()
	}
}

func (t *Transport) shutdown() (voiceConn, bool) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, false
	}
	t.closed = true
	t.haltLocked()
	vc := t.vc
	t.mu.Unlock()

	close(t.done)
	t.sendMu.Lock()
	close(t.events)
	t.sendMu.Unlock()

	if t.onClose != nil {
		t.onClose(t)
	}
	return vc, true
}

func (t *Transport) move(channelID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errors.Mark(errors.New("transport disconnected"), track.ErrTransportLost)
	}
	if t.vc.ChannelID() == channelID {
		return nil
	}
	if err := t.vc.Move(channelID); err != nil {
		return errors.Wrap(err, "failed to move voice channel")
	}
	return nil
}

// setListeners reports presence changes of human listeners.
func (t *Transport) setListeners(n int) {
	t.mu.Lock()
	prev := t.listeners
	t.listeners = n
	t.mu.Unlock()

	switch {
	case n == 0 && prev != 0:
		t.emit(playback.TransportEvent{Type: playback.TransportListenersEmpty})
	case n > 0 && prev <= 0:
		t.emit(playback.TransportEvent{Type: playback.TransportListenersPresent})
	}
}

func (t *Transport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// emit delivers ev unless the transport is shutting down.
func (t *Transport) emit(ev playback.TransportEvent) {
	t.sendMu.RLock()
	defer t.sendMu.RUnlock()
	select {
	case <-t.done:
		return
	default:
	}
	select {
	case t.events <- ev:
	case <-t.done:
	}
}
