package discord

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/soundstage/internal/analysis"
	"github.com/MrWong99/soundstage/internal/dispatch"
	"github.com/MrWong99/soundstage/internal/session"
)

// Embed sidebar colors.
const (
	embedColorGreen = 0x2ECC71
	embedColorAmber = 0xF1C40F
	embedColorRed   = 0xE74C3C
)

// defaultInterval is the default dashboard update interval.
const defaultInterval = 10 * time.Second

// dashboardTriggers is the number of recent triggers listed in the embed.
const dashboardTriggers = 5

// Dashboard renders and periodically updates a Discord embed showing the
// live analysis session. The embed is created on Start and edited in place
// every update interval.
//
// Thread-safe for concurrent use.
type Dashboard struct {
	mu        sync.Mutex
	session   *discordgo.Session
	channelID string
	messageID string // embed message; created on first update
	interval  time.Duration
	status    func() session.Status
	now       func() time.Time
	done      chan struct{}
	stopOnce  sync.Once
}

// DashboardConfig holds dependencies for creating a Dashboard.
type DashboardConfig struct {
	Session   *discordgo.Session
	ChannelID string
	Interval  time.Duration // Default: 10 seconds
	Status    func() session.Status
}

// NewDashboard creates a Dashboard.
func NewDashboard(cfg DashboardConfig) *Dashboard {
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultInterval
	}
	return &Dashboard{
		session:   cfg.Session,
		channelID: cfg.ChannelID,
		interval:  interval,
		status:    cfg.Status,
		now:       time.Now,
		done:      make(chan struct{}),
	}
}

// ChannelID returns the text channel the dashboard posts to.
func (d *Dashboard) ChannelID() string {
	return d.channelID
}

// Start begins the periodic update loop in a background goroutine. The loop
// ends on Stop, on ctx cancellation, or once the session is idle again.
func (d *Dashboard) Start(ctx context.Context) {
	go d.loop(ctx)
}

// Stop halts the periodic update loop and posts a final "session ended" embed.
func (d *Dashboard) Stop() {
	d.stopOnce.Do(func() {
		close(d.done)
		d.postFinalEmbed()
	})
}

// loop runs the periodic embed update until Stop is called or ctx is cancelled.
func (d *Dashboard) loop(ctx context.Context) {
	d.update()

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if d.status().State == session.StateIdle {
				d.Stop()
				return
			}
			d.update()
		}
	}
}

// update builds the embed from the current status and creates or edits the message.
func (d *Dashboard) update() {
	embed := buildEmbed(d.status(), d.now())

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.messageID == "" {
		msg, err := d.session.ChannelMessageSendEmbed(d.channelID, embed)
		if err != nil {
			slog.Warn("dashboard: failed to create embed message", "channel", d.channelID, "err", err)
			return
		}
		d.messageID = msg.ID
		slog.Debug("dashboard: created embed message", "message_id", msg.ID, "channel", d.channelID)
		return
	}
	if _, err := d.session.ChannelMessageEditEmbed(d.channelID, d.messageID, embed); err != nil {
		slog.Warn("dashboard: failed to edit embed message", "message_id", d.messageID, "err", err)
	}
}

// postFinalEmbed posts a "session ended" version of the embed.
func (d *Dashboard) postFinalEmbed() {
	embed := buildEndedEmbed(d.status(), d.now())

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.messageID == "" {
		return
	}
	if _, err := d.session.ChannelMessageEditEmbed(d.channelID, d.messageID, embed); err != nil {
		slog.Warn("dashboard: failed to post final embed", "message_id", d.messageID, "err", err)
	}
}

// buildEmbed creates the live dashboard embed from a status snapshot.
func buildEmbed(st session.Status, now time.Time) *discordgo.MessageEmbed {
	color := embedColorGreen
	switch st.State {
	case session.StateError:
		color = embedColorRed
	case session.StateStarting, session.StateStopping:
		color = embedColorAmber
	}

	auto := "off"
	if st.AutoTrigger {
		auto = "on"
	}
	fields := []*discordgo.MessageEmbedField{
		{Name: "State", Value: string(st.State), Inline: true},
		{Name: "Device", Value: orDash(st.Device), Inline: true},
		{Name: "Uptime", Value: uptime(st, now), Inline: true},
		{Name: "Auto-trigger", Value: auto, Inline: true},
		{Name: "Sensitivity", Value: fmt.Sprintf("%.2f", st.Sensitivity), Inline: true},
		{Name: "Cooldown", Value: cooldown(st, now), Inline: true},
		{Name: "Windows", Value: fmt.Sprintf("%d (%d degraded)", st.WindowsAnalyzed, st.DegradedWindows), Inline: true},
		{Name: "Dropped frames", Value: fmt.Sprintf("%d", st.DroppedFrames), Inline: true},
		{Name: "Analysis errors", Value: fmt.Sprintf("%d", st.AnalysisErrors), Inline: true},
	}
	if st.LastSignal != nil {
		fields = append(fields, &discordgo.MessageEmbedField{
			Name:  "Last signal",
			Value: formatSignal(st),
		})
	}
	if triggers := formatTriggers(st.RecentTriggers); triggers != "" {
		fields = append(fields, &discordgo.MessageEmbedField{
			Name:  "Recent triggers",
			Value: triggers,
		})
	}
	if st.LastError != "" {
		fields = append(fields, &discordgo.MessageEmbedField{
			Name:  "Last error",
			Value: st.LastError,
		})
	}

	return &discordgo.MessageEmbed{
		Title:  "SoundStage",
		Color:  color,
		Fields: fields,
		Footer: &discordgo.MessageEmbedFooter{
			Text: "Live session",
		},
		Timestamp: now.UTC().Format(time.RFC3339),
	}
}

// buildEndedEmbed creates the final "session ended" embed.
func buildEndedEmbed(st session.Status, now time.Time) *discordgo.MessageEmbed {
	fields := []*discordgo.MessageEmbedField{
		{Name: "Device", Value: orDash(st.Device), Inline: true},
		{Name: "Windows", Value: fmt.Sprintf("%d (%d degraded)", st.WindowsAnalyzed, st.DegradedWindows), Inline: true},
		{Name: "Triggers", Value: fmt.Sprintf("%d", len(st.RecentTriggers)), Inline: true},
	}
	return &discordgo.MessageEmbed{
		Title:       "SoundStage",
		Description: "Analysis has ended.",
		Color:       embedColorRed,
		Fields:      fields,
		Footer: &discordgo.MessageEmbedFooter{
			Text: "Session ended",
		},
		Timestamp: now.UTC().Format(time.RFC3339),
	}
}

// formatSignal renders the last analysed window on one line.
func formatSignal(st session.Status) string {
	sig := st.LastSignal
	parts := []string{fmt.Sprintf("window %d", sig.Window)}
	if sig.Emotion != "" && sig.Emotion != analysis.EmotionNone {
		parts = append(parts, fmt.Sprintf("%s %.2f", sig.Emotion, sig.Confidence))
	}
	if len(sig.Events) > 0 {
		parts = append(parts, "events: "+strings.Join(sig.Events, ", "))
	}
	if len(sig.Keywords) > 0 {
		parts = append(parts, "keywords: "+strings.Join(sig.Keywords, ", "))
	}
	if sig.Degraded {
		parts = append(parts, "degraded")
	}
	return strings.Join(parts, " · ")
}

// formatTriggers lists the newest triggers, one per line.
func formatTriggers(recs []dispatch.Record) string {
	if len(recs) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("```\n")
	for i, r := range recs {
		if i == dashboardTriggers {
			break
		}
		fmt.Fprintf(&b, "%s %-10s %-7s %s\n", r.Timestamp.UTC().Format("15:04:05"), r.EffectID, r.Source, r.Status)
	}
	b.WriteString("```")
	return b.String()
}

func uptime(st session.Status, now time.Time) string {
	if st.StartedAt.IsZero() {
		return "-"
	}
	return formatDuration(now.Sub(st.StartedAt))
}

func cooldown(st session.Status, now time.Time) string {
	if !now.Before(st.CooldownUntil) {
		return "ready"
	}
	return formatDuration(st.CooldownUntil.Sub(now))
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// formatDuration formats a duration as "Xh Ym Zs".
func formatDuration(d time.Duration) string {
	d = d.Truncate(time.Second)
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60

	if h > 0 {
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
