package discord

import (
	"log/slog"
	"path"
	"slices"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"
)

// HandlerFunc handles one slash command interaction.
type HandlerFunc func(s *discordgo.Session, i *discordgo.InteractionCreate)

// AutocompleteFunc answers one autocomplete interaction.
type AutocompleteFunc func(s *discordgo.Session, i *discordgo.InteractionCreate)

// CommandRouter maps slash command interactions to handlers. Routes are the
// command name, or "command/subcommand" for grouped commands such as
// "soundstage/start".
type CommandRouter struct {
	mu          sync.RWMutex
	definitions map[string]*discordgo.ApplicationCommand // top-level name → definition
	handlers    map[string]HandlerFunc
	completers  map[string]AutocompleteFunc
}

// NewCommandRouter creates an empty router.
func NewCommandRouter() *CommandRouter {
	return &CommandRouter{
		definitions: make(map[string]*discordgo.ApplicationCommand),
		handlers:    make(map[string]HandlerFunc),
		completers:  make(map[string]AutocompleteFunc),
	}
}

// RegisterCommand registers handler for route and cmd as the definition
// published to Discord under cmd.Name. Registering the same definition for
// several routes publishes it once.
func (r *CommandRouter) RegisterCommand(route string, cmd *discordgo.ApplicationCommand, handler HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cmd != nil {
		r.definitions[cmd.Name] = cmd
	}
	r.handlers[route] = handler
}

// RegisterHandler registers handler for route without a definition, for
// subcommands of an already registered command.
func (r *CommandRouter) RegisterHandler(route string, handler HandlerFunc) {
	r.RegisterCommand(route, nil, handler)
}

// RegisterAutocomplete registers an autocomplete handler. A handler on a
// command name also serves all of its subcommands.
func (r *CommandRouter) RegisterAutocomplete(route string, handler AutocompleteFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completers[route] = handler
}

// ApplicationCommands returns the definitions to publish, sorted by name.
func (r *CommandRouter) ApplicationCommands() []*discordgo.ApplicationCommand {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cmds := make([]*discordgo.ApplicationCommand, 0, len(r.definitions))
	for _, cmd := range r.definitions {
		cmds = append(cmds, cmd)
	}
	slices.SortFunc(cmds, func(a, b *discordgo.ApplicationCommand) int {
		return strings.Compare(a.Name, b.Name)
	})
	return cmds
}

// Handle dispatches an interaction. A panicking handler is logged and the
// user gets an ephemeral error instead of a hanging interaction.
func (r *CommandRouter) Handle(s *discordgo.Session, i *discordgo.InteractionCreate) {
	switch i.Type {
	case discordgo.InteractionApplicationCommand:
		route := interactionKey(i.ApplicationCommandData())
		h, ok := r.handler(route)
		if !ok {
			slog.Warn("discord: unknown command", "route", route)
			RespondEphemeral(s, i, "Unknown command.")
			return
		}
		if invoke(route, h, s, i) {
			RespondEphemeral(s, i, "Something went wrong while running this command.")
		}

	case discordgo.InteractionApplicationCommandAutocomplete:
		route := interactionKey(i.ApplicationCommandData())
		c, ok := r.completer(route)
		if !ok {
			RespondChoices(s, i, nil)
			return
		}
		invoke(route, HandlerFunc(c), s, i)

	default:
		slog.Debug("discord: ignoring interaction", "type", i.Type)
	}
}

func (r *CommandRouter) handler(route string) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[route]
	return h, ok
}

// completer looks up route, falling back to its parent command.
func (r *CommandRouter) completer(route string) (AutocompleteFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if c, ok := r.completers[route]; ok {
		return c, true
	}
	if parent := path.Dir(route); parent != "." {
		c, ok := r.completers[parent]
		return c, ok
	}
	return nil, false
}

// invoke runs h and reports whether it panicked.
func invoke(route string, h HandlerFunc, s *discordgo.Session, i *discordgo.InteractionCreate) (panicked bool) {
	defer func() {
		if v := recover(); v != nil {
			slog.Error("discord: command handler panicked", "route", route, "panic", v)
			panicked = true
		}
	}()
	h(s, i)
	return false
}

// interactionKey builds the route of an application command interaction.
func interactionKey(data discordgo.ApplicationCommandInteractionData) string {
	if len(data.Options) > 0 && data.Options[0].Type == discordgo.ApplicationCommandOptionSubCommand {
		return data.Name + "/" + data.Options[0].Name
	}
	return data.Name
}
