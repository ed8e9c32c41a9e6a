package context

import "strings"

// StandardAssembler combines system prompt, history, and user message
// into a single ordered message list.
type StandardAssembler struct{}

// Assemble builds the final message list: system + history + user.
func (a *StandardAssembler) Assemble(in Input) Payload {
	messages := make([]Message, 0, 1+len(in.History)+1)
	if in.Persona != "" {
		messages = append(messages, Message{Role: RoleSystem, Content: in.Persona})
	}
	messages = append(messages, in.History...)
	messages = append(messages, UserMessage(in.Query))
	return Payload{Shape: ShapeMessages, Messages: messages}
}

// DefaultTemplate mirrors the layout of a single-prompt persona request.
const DefaultTemplate = `{persona}

Conversation history:
{history}

User Query: {query}`

// DefaultCue closes a flattened prompt when the persona defines none.
const DefaultCue = "Assistant response:"

// TemplateAssembler flattens persona, history, and query into one user
// entry whose text always ends with the response cue exactly once.
type TemplateAssembler struct{}

// Assemble renders the template and appends the cue.
func (a *TemplateAssembler) Assemble(in Input) Payload {
	return Payload{
		Shape:    ShapeTemplate,
		Messages: []Message{UserMessage(RenderTemplate(in))},
	}
}

// RenderTemplate produces the flattened prompt text for in.
func RenderTemplate(in Input) string {
	tmpl := in.Template
	if strings.TrimSpace(tmpl) == "" {
		tmpl = DefaultTemplate
	}
	cue := strings.TrimSpace(in.Cue)
	if cue == "" {
		cue = DefaultCue
	}

	// A template that already ends in the cue would repeat it.
	tmpl = strings.TrimRight(tmpl, " \t\r\n")
	for strings.HasSuffix(tmpl, cue) {
		tmpl = strings.TrimRight(strings.TrimSuffix(tmpl, cue), " \t\r\n")
	}

	replacer := strings.NewReplacer(
		"{persona}", in.Persona,
		"{history}", in.FormattedHistory,
		"{query}", in.Query,
	)
	body := strings.TrimRight(replacer.Replace(tmpl), " \t\r\n")
	if body == "" {
		return cue
	}
	return body + "\n\n" + cue
}
