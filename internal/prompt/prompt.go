// Package prompt renders the prompts sent to the model.
//
// A game has one system prompt, rendered at game start by [Builder.GamePrompt]
// from the secret character's profile and the player's forbidden arcs. It
// contains [ContextPlaceholder], which [DynamicPrompt] replaces on every turn
// with the facts retrieved for that question.
package prompt

import (
	"bytes"
	"embed"
	"fmt"
	"os"
	"strings"
	"text/template"

	"github.com/MrWong99/spoilerguess/internal/catalog"
	"github.com/MrWong99/spoilerguess/internal/retrieval"
	"github.com/MrWong99/spoilerguess/pkg/arc"
	"github.com/MrWong99/spoilerguess/pkg/provider/llm"
)

// ContextPlaceholder marks where retrieved facts go in a rendered game prompt.
const ContextPlaceholder = "[[RETRIEVED_CONTEXT]]"

const noFacts = "No additional facts were found for this question."

//go:embed templates/game.tmpl
var templateFS embed.FS

var funcs = template.FuncMap{"join": strings.Join}

// templateData is what game templates render against.
type templateData struct {
	Name        string
	Profile     string
	Summary     string
	Personality string
	Appearance  string
	Abilities   string
	History     string
	// Spoilers lists forbidden arc names in story order. Empty when the
	// player has no horizon.
	Spoilers []string
	// ContextSlot renders as ContextPlaceholder.
	ContextSlot string
}

// Builder renders game prompts from a template. It is safe for concurrent use.
type Builder struct {
	tmpl *template.Template
}

// NewBuilder parses text as a game template. Templates see the fields Name,
// Profile, Summary, Personality, Appearance, Abilities, History, Spoilers and
// ContextSlot, and the function join.
func NewBuilder(text string) (*Builder, error) {
	t, err := template.New("game").Funcs(funcs).Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("prompt: parse template: %w", err)
	}
	return &Builder{tmpl: t}, nil
}

// DefaultBuilder returns a Builder for the built-in template.
func DefaultBuilder() *Builder {
	text, err := templateFS.ReadFile("templates/game.tmpl")
	if err != nil {
		panic(fmt.Sprintf("prompt: read embedded template: %v", err))
	}
	b, err := NewBuilder(string(text))
	if err != nil {
		panic(err)
	}
	return b
}

// LoadBuilder reads a template from path. An empty path returns the default.
func LoadBuilder(path string) (*Builder, error) {
	if path == "" {
		return DefaultBuilder(), nil
	}
	text, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("prompt: read template %q: %w", path, err)
	}
	return NewBuilder(string(text))
}

// GamePrompt renders the system prompt for a game about c. When forbidden is
// empty the template's spoiler block renders to nothing.
func (b *Builder) GamePrompt(c catalog.Character, forbidden arc.Set) (string, error) {
	data := templateData{
		Name:        c.Name,
		Profile:     StaticProfile(c),
		Summary:     strings.TrimSpace(c.Summary),
		Personality: strings.TrimSpace(c.Personality),
		Appearance:  strings.TrimSpace(c.Appearance),
		Abilities:   strings.TrimSpace(c.Abilities),
		History:     strings.TrimSpace(c.History),
		Spoilers:    forbidden.Names(),
		ContextSlot: ContextPlaceholder,
	}
	var buf bytes.Buffer
	if err := b.tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("prompt: render game prompt for %s: %w", c.ID, err)
	}
	return buf.String(), nil
}

// StaticProfile renders the structured facts about c as "key: value" lines:
// name, first_appearance, then the attributes in the order they were
// written. Empty values are left out.
func StaticProfile(c catalog.Character) string {
	var sb strings.Builder
	line := func(k, v string) {
		v = strings.TrimSpace(v)
		if v == "" {
			return
		}
		if sb.Len() > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(k)
		sb.WriteString(": ")
		sb.WriteString(v)
	}
	line("name", c.Name)
	line("first_appearance", c.FirstAppearance())
	for _, a := range c.Attributes {
		line(a.Key, a.Value)
	}
	return sb.String()
}

// DynamicPrompt builds the message list for one turn: the system prompt with
// rc substituted into its context slot, the prior turns in their original
// order, then question. If systemPrompt has no slot the context is appended
// to it. prior is not modified.
func DynamicPrompt(systemPrompt string, rc retrieval.Context, prior []llm.Message, question string) []llm.Message {
	facts := formatContext(rc)
	var system string
	if strings.Contains(systemPrompt, ContextPlaceholder) {
		system = strings.ReplaceAll(systemPrompt, ContextPlaceholder, facts)
	} else {
		system = strings.TrimRight(systemPrompt, "\n") + "\n\nRetrieved facts:\n" + facts
	}

	msgs := make([]llm.Message, 0, len(prior)+2)
	msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: system})
	msgs = append(msgs, prior...)
	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: question})
	return msgs
}

func formatContext(rc retrieval.Context) string {
	if rc.Empty() {
		return noFacts
	}
	var sb strings.Builder
	if len(rc.Facts) > 0 {
		sb.WriteString("About the secret character:")
		for _, f := range rc.Facts {
			sb.WriteString("\n- ")
			sb.WriteString(f)
		}
	} else {
		sb.WriteString(noFacts)
	}
	if len(rc.Decoys) > 0 {
		sb.WriteString("\n\nAbout other characters (not the secret character):")
		for _, d := range rc.Decoys {
			sb.WriteString("\n- ")
			sb.WriteString(d)
		}
	}
	return sb.String()
}
