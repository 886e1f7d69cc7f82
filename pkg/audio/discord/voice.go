// Package discord bridges Discord voice channels with SoundStage. A [Voice]
// holds the single voice connection of one guild and serves two roles:
//
//   - it is an [audio.Source]: every voice channel of the guild is listed as
//     "discord:<channelID>", and "discord:<channelID>/<userID>" captures a
//     single member only;
//   - it is the output line of the Discord effect player: [Voice.Output]
//     encodes PCM to Opus and sends it into the joined channel.
//
// The *discordgo.Session is owned by the bot layer.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/soundstage/pkg/audio"
)

// Prefix is the device-ID prefix served by this source.
const Prefix = "discord"

// voiceFormat is the native PCM format of Discord voice.
var voiceFormat = audio.Format{SampleRate: opusSampleRate, Channels: opusChannels}

// Compile-time interface assertion.
var _ audio.Source = (*Voice)(nil)

// Option is a functional option for [New].
type Option func(*Voice)

// WithBufferBlocks sets the capture block buffer passed to [audio.NewPushStream].
func WithBufferBlocks(n int) Option {
	return func(v *Voice) {
		v.bufferBlocks = n
	}
}

// Voice manages the voice connection of one guild.
//
// Voice is safe for concurrent use.
type Voice struct {
	session      *discordgo.Session
	guildID      string
	bufferBlocks int

	// join and leave wrap the discordgo calls; overridden in tests.
	join  func(channelID string) (*discordgo.VoiceConnection, error)
	leave func(vc *discordgo.VoiceConnection) error

	mu        sync.Mutex
	vc        *discordgo.VoiceConnection
	channelID string
	connDone  chan struct{}
	capture   *capture
	ssrcUser  map[uint32]string
	closed    bool

	sendMu   sync.Mutex
	enc      *opusEncoder
	sendBuf  []int16
	speaking bool
}

// capture is the stream currently attached to the receive loop.
type capture struct {
	stream *audio.PushStream
	conv   *audio.FormatConverter
	userID string
}

// New creates a Voice for the given session and guild. No channel is joined
// until a capture stream is opened or [Voice.Join] is called.
func New(session *discordgo.Session, guildID string, opts ...Option) *Voice {
	v := &Voice{
		session:  session,
		guildID:  guildID,
		ssrcUser: make(map[uint32]string),
	}
	v.join = func(channelID string) (*discordgo.VoiceConnection, error) {
		// mute=false (we send effects), deaf=false (we capture audio).
		return session.ChannelVoiceJoin(guildID, channelID, false, false)
	}
	v.leave = func(vc *discordgo.VoiceConnection) error {
		return vc.Disconnect()
	}
	for _, o := range opts {
		o(v)
	}
	return v
}

// Devices lists the voice channels of the guild from the session state cache.
func (v *Voice) Devices(_ context.Context) ([]audio.Device, error) {
	if v.session == nil || v.session.State == nil {
		return nil, nil
	}
	guild, err := v.session.State.Guild(v.guildID)
	if err != nil {
		return nil, fmt.Errorf("discord: guild %q not in state: %w", v.guildID, err)
	}
	v.mu.Lock()
	joined := v.channelID
	v.mu.Unlock()

	var devs []audio.Device
	for _, ch := range guild.Channels {
		if ch.Type != discordgo.ChannelTypeGuildVoice && ch.Type != discordgo.ChannelTypeGuildStageVoice {
			continue
		}
		devs = append(devs, audio.Device{
			ID:         Prefix + ":" + ch.ID,
			Name:       ch.Name,
			Kind:       audio.DeviceDiscord,
			SampleRate: opusSampleRate,
			Channels:   opusChannels,
			Default:    ch.ID == joined,
		})
	}
	sort.Slice(devs, func(i, j int) bool { return devs[i].Name < devs[j].Name })
	return devs, nil
}

// Open joins the channel named by deviceID and attaches a capture stream.
// Only one capture stream may be attached at a time.
func (v *Voice) Open(_ context.Context, deviceID string, cfg audio.StreamConfig) (audio.Stream, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("discord: %w: %w", audio.ErrDeviceUnavailable, err)
	}
	target := strings.TrimPrefix(deviceID, Prefix+":")
	channelID, userID, _ := strings.Cut(target, "/")
	if channelID == "" {
		return nil, fmt.Errorf("discord: invalid device %q: %w", deviceID, audio.ErrDeviceUnavailable)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	// An attached capture pins the connection; a second Open must not move it.
	if v.capture != nil {
		return nil, fmt.Errorf("discord: capture already active on %q: %w", v.channelID, audio.ErrDeviceUnavailable)
	}
	if err := v.joinLocked(channelID); err != nil {
		return nil, err
	}
	var ps *audio.PushStream
	ps = audio.NewPushStream(cfg,
		audio.WithCapacity(v.bufferBlocks),
		audio.WithOnClose(func() { v.detach(ps) }),
	)
	v.capture = &capture{
		stream: ps,
		conv:   &audio.FormatConverter{Target: cfg.Format},
		userID: userID,
	}
	slog.Info("discord: capture attached", "channel", channelID, "user", userID)
	return ps, nil
}

// Join connects to channelID, switching channels if necessary. Joining the
// channel already joined is a no-op.
func (v *Voice) Join(channelID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.joinLocked(channelID)
}

func (v *Voice) joinLocked(channelID string) error {
	if v.closed {
		return fmt.Errorf("discord: voice closed: %w", audio.ErrDeviceUnavailable)
	}
	if v.vc != nil && v.channelID == channelID {
		return nil
	}
	v.disconnectLocked()

	vc, err := v.join(channelID)
	if err != nil {
		return fmt.Errorf("discord: join voice channel %q: %w: %w", channelID, audio.ErrDeviceUnavailable, err)
	}
	v.vc = vc
	v.channelID = channelID
	v.connDone = make(chan struct{})
	vc.AddHandler(v.handleSpeakingUpdate)
	go v.recvLoop(vc, v.connDone)
	return nil
}

// ChannelID returns the joined channel, or "" when not connected.
func (v *Voice) ChannelID() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.channelID
}

// Close stops capture and leaves the voice channel. It is idempotent.
func (v *Voice) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return nil
	}
	v.closed = true
	return v.disconnectLocked()
}

// disconnectLocked tears down the current connection. Caller holds v.mu.
func (v *Voice) disconnectLocked() error {
	if v.vc == nil {
		return nil
	}
	close(v.connDone)
	if v.capture != nil {
		v.capture.stream.CloseWithError(fmt.Errorf("discord: left channel %q: %w", v.channelID, audio.ErrDeviceUnavailable))
		v.capture = nil
	}
	err := v.leave(v.vc)
	v.vc = nil
	v.channelID = ""
	v.connDone = nil
	clear(v.ssrcUser)
	return err
}

func (v *Voice) detach(ps *audio.PushStream) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.capture != nil && v.capture.stream == ps {
		v.capture = nil
	}
}

func (v *Voice) handleSpeakingUpdate(_ *discordgo.VoiceConnection, vs *discordgo.VoiceSpeakingUpdate) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.ssrcUser[uint32(vs.SSRC)] = vs.UserID
}

// recvLoop decodes incoming Opus packets and appends them, in arrival order,
// to the attached capture stream.
func (v *Voice) recvLoop(vc *discordgo.VoiceConnection, done chan struct{}) {
	decoders := make(map[uint32]*opusDecoder)

	for {
		select {
		case <-done:
			return
		case pkt, ok := <-vc.OpusRecv:
			if !ok {
				v.connectionLost(vc)
				return
			}
			if pkt == nil {
				continue
			}

			v.mu.Lock()
			c := v.capture
			user := v.ssrcUser[pkt.SSRC]
			v.mu.Unlock()
			if c == nil || (c.userID != "" && c.userID != user) {
				continue
			}

			dec, exists := decoders[pkt.SSRC]
			if !exists {
				var err error
				dec, err = newOpusDecoder()
				if err != nil {
					slog.Error("discord: failed to create opus decoder", "ssrc", pkt.SSRC, "err", err)
					continue
				}
				decoders[pkt.SSRC] = dec
			}
			pcm, err := dec.decode(pkt.Opus)
			if err != nil {
				slog.Warn("discord: opus decode error", "ssrc", pkt.SSRC, "err", err)
				continue
			}
			_ = c.stream.Write(c.conv.Convert(pcm, voiceFormat))
		}
	}
}

// connectionLost ends capture when discordgo closes the receive channel.
func (v *Voice) connectionLost(vc *discordgo.VoiceConnection) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.vc != vc {
		return
	}
	slog.Warn("discord: voice connection lost", "channel", v.channelID)
	if v.capture != nil {
		v.capture.stream.CloseWithError(fmt.Errorf("discord: voice connection lost: %w", audio.ErrDeviceUnavailable))
		v.capture = nil
	}
}

// Output converts chunk to 48 kHz stereo, encodes complete 20 ms frames to
// Opus, and sends them into the joined channel. It blocks at the transport's
// pace. When no channel is joined the chunk is dropped.
func (v *Voice) Output(chunk []int16, f audio.Format) {
	v.mu.Lock()
	vc, done := v.vc, v.connDone
	v.mu.Unlock()
	if vc == nil {
		return
	}

	v.sendMu.Lock()
	defer v.sendMu.Unlock()
	if v.enc == nil {
		enc, err := newOpusEncoder()
		if err != nil {
			slog.Error("discord: failed to create opus encoder", "err", err)
			return
		}
		v.enc = enc
	}
	if !v.speaking {
		v.setSpeaking(vc, true)
	}

	v.sendBuf = append(v.sendBuf, audio.Convert(chunk, f, voiceFormat)...)
	v.sendFramesLocked(vc, done)
}

// Flush pads buffered audio to a full frame, sends it, and clears the
// speaking indicator. Call it when a clip ends.
func (v *Voice) Flush() {
	v.mu.Lock()
	vc, done := v.vc, v.connDone
	v.mu.Unlock()

	v.sendMu.Lock()
	defer v.sendMu.Unlock()
	if vc == nil || v.enc == nil {
		v.sendBuf = nil
		return
	}
	const frameSamples = opusFrameSize * opusChannels
	if rem := len(v.sendBuf) % frameSamples; rem != 0 {
		v.sendBuf = append(v.sendBuf, make([]int16, frameSamples-rem)...)
	}
	v.sendFramesLocked(vc, done)
	if v.speaking {
		v.setSpeaking(vc, false)
	}
}

// sendFramesLocked encodes and sends every complete frame in sendBuf.
// Caller holds v.sendMu.
func (v *Voice) sendFramesLocked(vc *discordgo.VoiceConnection, done chan struct{}) {
	const frameSamples = opusFrameSize * opusChannels
	for len(v.sendBuf) >= frameSamples {
		frame := v.sendBuf[:frameSamples]
		opus, err := v.enc.encode(frame)
		v.sendBuf = v.sendBuf[frameSamples:]
		if err != nil {
			slog.Warn("discord: opus encode error", "err", err)
			continue
		}
		t := time.NewTimer(time.Second)
		select {
		case vc.OpusSend <- opus:
			t.Stop()
		case <-done:
			t.Stop()
			v.sendBuf = nil
			return
		case <-t.C:
			slog.Warn("discord: opus send stalled, dropping frame")
		}
	}
	if len(v.sendBuf) == 0 {
		v.sendBuf = nil
	}
}

func (v *Voice) setSpeaking(vc *discordgo.VoiceConnection, b bool) {
	v.speaking = b
	if err := vc.Speaking(b); err != nil {
		slog.Debug("discord: speaking notification error", "speaking", b, "err", err)
	}
}
