// Package audio turns stream URLs into 20ms Opus frames for voice transports.
//
// ffmpeg decodes and resamples the stream to interleaved s16le stereo PCM at
// 48kHz; each frame is then encoded with libopus.
package audio

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"
	"layeh.com/gopus"
)

const (
	SampleRate = 48000
	Channels   = 2
	FrameSize  = 960 // 20ms at 48kHz

	frameBytes     = FrameSize * Channels * 2
	maxPacketBytes = 4000
)

// FrameReader yields encoded Opus packets. ReadFrame returns io.EOF when
// the stream ended normally.
type FrameReader interface {
	ReadFrame() ([]byte, error)
	Close() error
}

// Config represents ffmpeg encoding configuration.
type Config struct {
	FFmpegPath  string
	BitrateKbps int
}

// Source opens ffmpeg-backed frame streams.
type Source struct {
	path    string
	bitrate int
}

// NewSource creates a new ffmpeg frame source.
func NewSource(cfg Config) *Source {
	path := cfg.FFmpegPath
	if path == "" {
		path = "ffmpeg"
	}
	kbps := cfg.BitrateKbps
	if kbps <= 0 {
		kbps = 96
	}
	return &Source{path: path, bitrate: kbps * 1000}
}

// Open starts decoding url. The stream lives until Close or until ctx is cancelled.
func (s *Source) Open(ctx context.Context, url string) (FrameReader, error) {
	enc, err := gopus.NewEncoder(SampleRate, Channels, gopus.Audio)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create opus encoder")
	}
	enc.SetBitrate(s.bitrate)

	ctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(ctx, s.path, ffmpegArgs(url)...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, errors.Wrap(err, "ffmpeg stdout pipe")
	}
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, errors.Wrapf(err, "ffmpeg start: path=%s", s.path)
	}
	zlog.Debug().Msgf("audio: ffmpeg started: pid=%d", cmd.Process.Pid)

	return &ffmpegStream{
		cmd:     cmd,
		cancel:  cancel,
		stdout:  bufio.NewReaderSize(stdout, 64*1024),
		stderr:  stderr,
		enc:     enc,
		pcm:     make([]byte, frameBytes),
		samples: make([]int16, FrameSize*Channels),
	}, nil
}

func ffmpegArgs(url string) []string {
	args := []string{"-hide_banner", "-loglevel", "error"}
	if strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://") {
		args = append(args, "-reconnect", "1", "-reconnect_streamed", "1", "-reconnect_delay_max", "5")
	}
	return append(args,
		"-i", url,
		"-vn",
		"-ac", strconv.Itoa(Channels),
		"-ar", strconv.Itoa(SampleRate),
		"-f", "s16le",
		"pipe:1",
	)
}

type ffmpegStream struct {
	cmd     *exec.Cmd
	cancel  context.CancelFunc
	stdout  *bufio.Reader
	stderr  *bytes.Buffer
	enc     *gopus.Encoder
	pcm     []byte
	samples []int16

	waitOnce sync.Once
	waitErr  error
}

func (s *ffmpegStream) ReadFrame() ([]byte, error) {
	if _, err := io.ReadFull(s.stdout, s.pcm); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			if werr := s.wait(); werr != nil {
				return nil, errors.Wrapf(werr, "ffmpeg exited: %s", strings.TrimSpace(s.stderr.String()))
			}
			return nil, io.EOF
		}
		return nil, errors.Wrap(err, "read pcm")
	}

	decodePCM(s.pcm, s.samples)
	packet, err := s.enc.Encode(s.samples, FrameSize, maxPacketBytes)
	if err != nil {
		return nil, errors.Wrap(err, "opus encode")
	}
	return packet, nil
}

func (s *ffmpegStream) Close() error {
	s.cancel()
	_ = s.wait()
	return nil
}

func (s *ffmpegStream) wait() error {
	s.waitOnce.Do(func() {
		s.waitErr = s.cmd.Wait()
	})
	return s.waitErr
}

// decodePCM converts little-endian s16 bytes to samples.
func decodePCM(pcm []byte, samples []int16) {
	for i := range samples {
		j := i * 2
		samples[i] = int16(pcm[j]) | int16(int8(pcm[j+1]))<<8
	}
}
