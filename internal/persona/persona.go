// Package persona builds the system prompt and message payload sent to
// the LLM for a DM reply.
package persona

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/pimhq/pim/internal/config"
	"github.com/pimhq/pim/internal/llm"
)

// Turn is one stored conversation turn feeding the prompt.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Conversation roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

const systemPromptTemplate = `---
date: {{.Date}}
time: {{.Time}}
contact: {{.Contact}}
---
You are {{.Name}}, answering direct messages on behalf of {{.Owner}}.

Rules:
- Reply as {{.Owner}} would: one short, casual message, the way people text.
- Match the language the contact writes in.
- No markdown, no bullet lists, no signatures.
- Never reveal that you are automated or that {{.Owner}} is not typing.
- If asked something you cannot know, deflect lightly and move on.
{{- range .ExtraRules}}
- {{.}}
{{- end}}
`

type templateData struct {
	Date       string
	Time       string
	Contact    string
	Name       string
	Owner      string
	ExtraRules []string
}

// Builder renders system prompts and assembles chat payloads.
type Builder struct {
	name     string
	owner    string
	extra    []string
	maxTurns int
	tmpl     *template.Template
}

// NewBuilder builds a prompt builder from persona config. maxTurns caps
// how many history turns feed the prompt.
func NewBuilder(cfg config.PersonaConfig, maxTurns int) (*Builder, error) {
	tmpl, err := template.New("system").Parse(systemPromptTemplate)
	if err != nil {
		return nil, fmt.Errorf("parse system template: %w", err)
	}
	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		name = "PIM"
	}
	owner := strings.TrimSpace(cfg.Owner)
	if owner == "" {
		owner = "the account owner"
	}
	if maxTurns <= 0 {
		maxTurns = config.DefaultMaxTurns
	}
	return &Builder{
		name:     name,
		owner:    owner,
		extra:    cfg.ExtraRules,
		maxTurns: maxTurns,
		tmpl:     tmpl,
	}, nil
}

// SystemPrompt renders the system prompt for a contact at the given time.
func (b *Builder) SystemPrompt(contact string, now time.Time) (string, error) {
	contact = strings.TrimSpace(contact)
	if contact == "" {
		contact = "unknown"
	}
	var buf bytes.Buffer
	err := b.tmpl.Execute(&buf, templateData{
		Date:       now.Format("2006-01-02"),
		Time:       now.Format("15:04"),
		Contact:    contact,
		Name:       b.name,
		Owner:      b.owner,
		ExtraRules: b.extra,
	})
	if err != nil {
		return "", fmt.Errorf("render system prompt: %w", err)
	}
	return buf.String(), nil
}

// Messages assembles the full chat payload: system prompt, the trimmed
// history, and the incoming message as the final user turn.
func (b *Builder) Messages(contact string, now time.Time, history []Turn, incoming string) ([]llm.ChatMessage, error) {
	system, err := b.SystemPrompt(contact, now)
	if err != nil {
		return nil, err
	}

	trimmed := Trim(history, b.maxTurns)
	messages := make([]llm.ChatMessage, 0, len(trimmed)+2)
	messages = append(messages, llm.ChatMessage{Role: "system", Content: system})
	for _, turn := range trimmed {
		role := turn.Role
		if role != RoleAssistant {
			role = RoleUser
		}
		messages = append(messages, llm.ChatMessage{Role: role, Content: turn.Content})
	}
	messages = append(messages, llm.ChatMessage{Role: RoleUser, Content: incoming})
	return messages, nil
}

// Trim keeps the most recent maxTurns turns.
func Trim(history []Turn, maxTurns int) []Turn {
	if maxTurns <= 0 || len(history) <= maxTurns {
		return history
	}
	return history[len(history)-maxTurns:]
}
