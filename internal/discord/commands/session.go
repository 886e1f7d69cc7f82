// Package commands implements Discord slash command handlers for SoundStage.
package commands

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/soundstage/internal/discord"
	"github.com/MrWong99/soundstage/internal/dispatch"
	"github.com/MrWong99/soundstage/internal/session"
	"github.com/MrWong99/soundstage/pkg/audio"
	discordaudio "github.com/MrWong99/soundstage/pkg/audio/discord"
)

// commandTimeout bounds the work done for one slash command.
const commandTimeout = 30 * time.Second

// Sessions is the part of the session manager the commands drive.
type Sessions interface {
	Status() session.Status
	Start(ctx context.Context, req session.StartRequest) error
	Stop(ctx context.Context) error
	Trigger(ctx context.Context, req dispatch.ManualRequest) (dispatch.Record, error)
}

// Compile-time interface assertion.
var _ Sessions = (*session.Manager)(nil)

// SessionCommands holds the dependencies for /soundstage slash commands.
type SessionCommands struct {
	sessions Sessions
	perms    *discord.PermissionChecker
	bot      *discord.Bot

	mu        sync.Mutex
	dashboard *discord.Dashboard
}

// NewSessionCommands creates a SessionCommands and registers its handlers
// with the bot's router.
func NewSessionCommands(bot *discord.Bot, sessions Sessions) *SessionCommands {
	sc := &SessionCommands{
		sessions: sessions,
		perms:    bot.Permissions(),
		bot:      bot,
	}
	sc.Register(bot.Router())
	return sc
}

// Register registers the /soundstage command group with the router.
func (sc *SessionCommands) Register(router *discord.CommandRouter) {
	router.RegisterCommand("soundstage", sc.Definition(), func(s *discordgo.Session, i *discordgo.InteractionCreate) {
		discord.RespondEphemeral(s, i, "Please use a subcommand: `/soundstage start`, `/soundstage stop`, or `/soundstage status`.")
	})
	router.RegisterHandler("soundstage/start", sc.handleStart)
	router.RegisterHandler("soundstage/stop", sc.handleStop)
	router.RegisterHandler("soundstage/status", sc.handleStatus)
}

// Definition returns the ApplicationCommand definition for Discord.
func (sc *SessionCommands) Definition() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:        "soundstage",
		Description: "Control live audio analysis",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "start",
				Description: "Analyse your current voice channel and trigger effects",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionBoolean,
						Name:        "only_me",
						Description: "Only analyse your own voice",
					},
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "stop",
				Description: "Stop the running analysis",
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "status",
				Description: "Show the analysis status",
			},
		},
	}
}

// handleStart handles /soundstage start.
func (sc *SessionCommands) handleStart(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if !sc.perms.IsOperator(i) {
		discord.RespondEphemeral(s, i, "You need the operator role to start analysis.")
		return
	}

	userID := interactionUserID(i)
	vs, err := s.State.VoiceState(sc.bot.GuildID(), userID)
	if err != nil || vs == nil || vs.ChannelID == "" {
		discord.RespondEphemeral(s, i, "You must be in a voice channel to start analysis.")
		return
	}

	onlyMe := false
	for _, opt := range subcommandOptions(i) {
		if opt.Name == "only_me" {
			onlyMe = opt.BoolValue()
		}
	}

	// Joining the voice channel may take a moment.
	discord.DeferReply(s, i)

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	msg, started := sc.start(ctx, voiceDevice(vs.ChannelID, userID, onlyMe))
	discord.FollowUp(s, i, msg)
	if !started {
		return
	}

	d := discord.NewDashboard(discord.DashboardConfig{
		Session:   s,
		ChannelID: i.ChannelID,
		Status:    sc.sessions.Status,
	})
	sc.mu.Lock()
	if sc.dashboard != nil {
		sc.dashboard.Stop()
	}
	sc.dashboard = d
	sc.mu.Unlock()
	d.Start(context.Background())
}

// start starts the session on device and returns the reply text.
func (sc *SessionCommands) start(ctx context.Context, device string) (string, bool) {
	err := sc.sessions.Start(ctx, session.StartRequest{
		DeviceID:       device,
		EnableEmotion:  true,
		EnableKeywords: true,
		EnableEvents:   true,
	})
	switch {
	case err == nil:
		return fmt.Sprintf("Analysis started on `%s`.", device), true
	case errors.Is(err, session.ErrAlreadyRunning):
		st := sc.sessions.Status()
		return fmt.Sprintf("Analysis is already running on `%s`. Stop it first.", st.Device), false
	case errors.Is(err, session.ErrConsentRequired):
		return "Audio capture consent has not been granted. Grant it in the SoundStage settings first.", false
	case errors.Is(err, audio.ErrDeviceUnavailable):
		return fmt.Sprintf("Could not join the voice channel: %v", err), false
	default:
		return fmt.Sprintf("Failed to start analysis: %v", err), false
	}
}

// handleStop handles /soundstage stop.
func (sc *SessionCommands) handleStop(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if !sc.perms.IsOperator(i) {
		discord.RespondEphemeral(s, i, "You need the operator role to stop analysis.")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	msg, err := sc.stop(ctx)
	if err != nil {
		discord.RespondError(s, i, err)
		return
	}

	sc.mu.Lock()
	if sc.dashboard != nil {
		sc.dashboard.Stop()
		sc.dashboard = nil
	}
	sc.mu.Unlock()

	discord.RespondEphemeral(s, i, msg)
}

// stop stops the session and returns the reply text.
func (sc *SessionCommands) stop(ctx context.Context) (string, error) {
	before := sc.sessions.Status()
	if before.State == session.StateIdle {
		return "No analysis is running.", nil
	}
	if err := sc.sessions.Stop(ctx); err != nil {
		return "", fmt.Errorf("discord: stop analysis: %w", err)
	}
	if before.State == session.StateError {
		return "Capture error acknowledged.", nil
	}
	after := sc.sessions.Status()
	return fmt.Sprintf("Analysis stopped.\n**Windows analysed:** %d\n**Triggers:** %d",
		after.WindowsAnalyzed, len(after.RecentTriggers)), nil
}

// handleStatus handles /soundstage status.
func (sc *SessionCommands) handleStatus(s *discordgo.Session, i *discordgo.InteractionCreate) {
	discord.RespondEmbed(s, i, statusEmbed(sc.sessions.Status(), time.Now()))
}

// statusEmbed renders a one-off status embed.
func statusEmbed(st session.Status, now time.Time) *discordgo.MessageEmbed {
	auto := "off"
	if st.AutoTrigger {
		auto = "on"
	}
	fields := []*discordgo.MessageEmbedField{
		{Name: "State", Value: string(st.State), Inline: true},
		{Name: "Auto-trigger", Value: auto, Inline: true},
		{Name: "Sensitivity", Value: fmt.Sprintf("%.2f", st.Sensitivity), Inline: true},
	}
	if st.Device != "" {
		fields = append(fields, &discordgo.MessageEmbedField{Name: "Device", Value: st.Device, Inline: true})
	}
	if !st.StartedAt.IsZero() && st.State == session.StateRunning {
		fields = append(fields, &discordgo.MessageEmbedField{
			Name:   "Running for",
			Value:  now.Sub(st.StartedAt).Truncate(time.Second).String(),
			Inline: true,
		})
	}
	if st.LastError != "" {
		fields = append(fields, &discordgo.MessageEmbedField{Name: "Last error", Value: st.LastError})
	}
	return &discordgo.MessageEmbed{
		Title:  "SoundStage status",
		Fields: fields,
	}
}

// voiceDevice builds the capture device ID of a voice channel.
func voiceDevice(channelID, userID string, onlyUser bool) string {
	id := discordaudio.Prefix + ":" + channelID
	if onlyUser && userID != "" {
		id += "/" + userID
	}
	return id
}

// subcommandOptions returns the options of the invoked subcommand.
func subcommandOptions(i *discordgo.InteractionCreate) []*discordgo.ApplicationCommandInteractionDataOption {
	data := i.ApplicationCommandData()
	if len(data.Options) > 0 && data.Options[0].Type == discordgo.ApplicationCommandOptionSubCommand {
		return data.Options[0].Options
	}
	return data.Options
}

// interactionUserID extracts the user ID from an interaction, handling
// both guild (Member) and DM (User) contexts.
func interactionUserID(i *discordgo.InteractionCreate) string {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User.ID
	}
	if i.User != nil {
		return i.User.ID
	}
	return ""
}
