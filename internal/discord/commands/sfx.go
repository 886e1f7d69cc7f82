package commands

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/soundstage/internal/discord"
	"github.com/MrWong99/soundstage/internal/dispatch"
	"github.com/MrWong99/soundstage/internal/effects"
)

// maxChoices is Discord's limit on autocomplete choices.
const maxChoices = 25

// defaultIntensity is used when /sfx is invoked without an intensity.
const defaultIntensity = 0.5

// SFXCommands holds the dependencies for the /sfx slash command.
type SFXCommands struct {
	sessions Sessions
	catalog  *effects.Catalog
	perms    *discord.PermissionChecker
}

// NewSFXCommands creates an SFXCommands and registers its handlers with the
// bot's router.
func NewSFXCommands(bot *discord.Bot, sessions Sessions, catalog *effects.Catalog) *SFXCommands {
	c := &SFXCommands{
		sessions: sessions,
		catalog:  catalog,
		perms:    bot.Permissions(),
	}
	c.Register(bot.Router())
	return c
}

// Register registers /sfx and its effect autocomplete with the router.
func (c *SFXCommands) Register(router *discord.CommandRouter) {
	router.RegisterCommand("sfx", c.Definition(), c.handle)
	router.RegisterAutocomplete("sfx", c.handleAutocomplete)
}

// Definition returns the ApplicationCommand definition for Discord.
func (c *SFXCommands) Definition() *discordgo.ApplicationCommand {
	minIntensity, maxIntensity := 0.0, 1.0
	return &discordgo.ApplicationCommand{
		Name:        "sfx",
		Description: "Play a sound effect",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:         discordgo.ApplicationCommandOptionString,
				Name:         "effect",
				Description:  "Effect to play",
				Required:     true,
				Autocomplete: true,
			},
			{
				Type:        discordgo.ApplicationCommandOptionNumber,
				Name:        "intensity",
				Description: "Intensity between 0 and 1 (default 0.5)",
				MinValue:    &minIntensity,
				MaxValue:    maxIntensity,
			},
		},
	}
}

func (c *SFXCommands) handle(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if !c.perms.IsOperator(i) {
		discord.RespondEphemeral(s, i, "You need the operator role to play effects.")
		return
	}

	effectID := ""
	intensity := defaultIntensity
	for _, opt := range i.ApplicationCommandData().Options {
		switch opt.Name {
		case "effect":
			effectID = opt.StringValue()
		case "intensity":
			intensity = opt.FloatValue()
		}
	}

	// Generation may take longer than the interaction acknowledgement window.
	discord.DeferReply(s, i)

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	discord.FollowUp(s, i, c.trigger(ctx, effectID, intensity))
}

// trigger plays effectID and returns the reply text.
func (c *SFXCommands) trigger(ctx context.Context, effectID string, intensity float64) string {
	rec, err := c.sessions.Trigger(ctx, dispatch.ManualRequest{
		EffectID:  effectID,
		Intensity: intensity,
	})
	if errors.Is(err, dispatch.ErrUnknownEffect) {
		return fmt.Sprintf("Unknown effect `%s`.", effectID)
	}
	if err != nil {
		return fmt.Sprintf("Failed to trigger `%s`: %v", effectID, err)
	}
	if !rec.OK() {
		return fmt.Sprintf("`%s` could not be played (%s): %s", effectID, rec.Status, rec.Error)
	}
	return fmt.Sprintf("Playing `%s` at intensity %.2f.", effectID, rec.Intensity)
}

func (c *SFXCommands) handleAutocomplete(s *discordgo.Session, i *discordgo.InteractionCreate) {
	query := ""
	for _, opt := range i.ApplicationCommandData().Options {
		if opt.Name == "effect" && opt.Focused {
			query = opt.StringValue()
		}
	}
	discord.RespondChoices(s, i, c.choices(query))
}

// choices returns the effects whose ID or name contains query, in catalogue
// order.
func (c *SFXCommands) choices(query string) []*discordgo.ApplicationCommandOptionChoice {
	query = strings.ToLower(strings.TrimSpace(query))
	var out []*discordgo.ApplicationCommandOptionChoice
	for _, e := range c.catalog.List() {
		if query != "" && !strings.Contains(strings.ToLower(e.ID), query) && !strings.Contains(strings.ToLower(e.Name), query) {
			continue
		}
		out = append(out, &discordgo.ApplicationCommandOptionChoice{
			Name:  fmt.Sprintf("%s (%s)", e.Name, e.Category),
			Value: e.ID,
		})
		if len(out) == maxChoices {
			break
		}
	}
	return out
}
