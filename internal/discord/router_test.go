package discord

import (
	"strings"
	"testing"

	"github.com/bwmarrin/discordgo"
)

func noop(*discordgo.Session, *discordgo.InteractionCreate) {}

func TestCommandRouter_ApplicationCommands(t *testing.T) {
	t.Parallel()

	r := NewCommandRouter()
	stage := &discordgo.ApplicationCommand{Name: "soundstage"}
	r.RegisterCommand("sfx", &discordgo.ApplicationCommand{Name: "sfx"}, noop)
	r.RegisterCommand("soundstage", stage, noop)
	r.RegisterHandler("soundstage/start", noop)
	r.RegisterHandler("soundstage/stop", noop)

	cmds := r.ApplicationCommands()
	var names []string
	for _, c := range cmds {
		names = append(names, c.Name)
	}
	if got := strings.Join(names, ","); got != "sfx,soundstage" {
		t.Errorf("published commands = %s, want sfx,soundstage", got)
	}
	if cmds[1] != stage {
		t.Error("published definition is not the registered one")
	}
}

func TestCommandRouter_HandlerRoutes(t *testing.T) {
	t.Parallel()

	r := NewCommandRouter()
	var hit string
	r.RegisterCommand("soundstage", &discordgo.ApplicationCommand{Name: "soundstage"}, noop)
	r.RegisterHandler("soundstage/start", func(*discordgo.Session, *discordgo.InteractionCreate) { hit = "start" })
	r.RegisterHandler("soundstage/stop", func(*discordgo.Session, *discordgo.InteractionCreate) { hit = "stop" })

	h, ok := r.handler("soundstage/stop")
	if !ok {
		t.Fatal("soundstage/stop not routed")
	}
	h(nil, nil)
	if hit != "stop" {
		t.Errorf("routed to %q, want stop", hit)
	}
	if _, ok := r.handler("soundstage/pause"); ok {
		t.Error("unregistered subcommand must not resolve")
	}
}

func TestCommandRouter_CompleterFallsBackToParent(t *testing.T) {
	t.Parallel()

	r := NewCommandRouter()
	var hit string
	r.RegisterAutocomplete("sfx", func(*discordgo.Session, *discordgo.InteractionCreate) { hit = "sfx" })
	r.RegisterAutocomplete("soundstage/start", func(*discordgo.Session, *discordgo.InteractionCreate) { hit = "start" })

	tests := []struct {
		route string
		want  string
		found bool
	}{
		{route: "sfx", want: "sfx", found: true},
		{route: "sfx/preview", want: "sfx", found: true},
		{route: "soundstage/start", want: "start", found: true},
		{route: "soundstage/stop", found: false},
		{route: "soundstage", found: false},
	}
	for _, tt := range tests {
		hit = ""
		c, ok := r.completer(tt.route)
		if ok != tt.found {
			t.Errorf("completer(%q) found = %v, want %v", tt.route, ok, tt.found)
			continue
		}
		if ok {
			c(nil, nil)
			if hit != tt.want {
				t.Errorf("completer(%q) ran %q, want %q", tt.route, hit, tt.want)
			}
		}
	}
}

func TestInvoke_RecoversPanic(t *testing.T) {
	t.Parallel()

	if invoke("sfx", noop, nil, nil) {
		t.Error("invoke reported a panic for a normal handler")
	}
	boom := func(*discordgo.Session, *discordgo.InteractionCreate) { panic("effect catalogue missing") }
	if !invoke("sfx", boom, nil, nil) {
		t.Error("invoke did not report the panic")
	}
}

func TestInteractionKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		data discordgo.ApplicationCommandInteractionData
		want string
	}{
		{
			name: "top-level command",
			data: discordgo.ApplicationCommandInteractionData{
				Name: "sfx",
				Options: []*discordgo.ApplicationCommandInteractionDataOption{
					{Name: "effect", Type: discordgo.ApplicationCommandOptionString, Value: "applause"},
				},
			},
			want: "sfx",
		},
		{
			name: "subcommand",
			data: discordgo.ApplicationCommandInteractionData{
				Name: "soundstage",
				Options: []*discordgo.ApplicationCommandInteractionDataOption{
					{Name: "start", Type: discordgo.ApplicationCommandOptionSubCommand},
				},
			},
			want: "soundstage/start",
		},
		{
			name: "no options",
			data: discordgo.ApplicationCommandInteractionData{Name: "soundstage"},
			want: "soundstage",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := interactionKey(tt.data); got != tt.want {
				t.Errorf("interactionKey() = %q, want %q", got, tt.want)
			}
		})
	}
}
