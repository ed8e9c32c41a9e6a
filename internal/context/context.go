// Package context turns a session transcript and a new utterance into the
// request payload sent to the model.
package context

import "fmt"

// Shape selects how the assembled payload is laid out.
type Shape string

const (
	// ShapeMessages sends role-tagged entries: system, history, user.
	ShapeMessages Shape = "messages"
	// ShapeTemplate flattens everything into one text block ending in a
	// response cue.
	ShapeTemplate Shape = "template"
)

// Input carries everything an Assembler may need for one turn.
type Input struct {
	// Persona is the fixed system instruction.
	Persona string
	// History is the prior transcript in append order, excluding Query.
	History []Message
	// FormattedHistory is FormatTranscript(History).
	FormattedHistory string
	// Query is the new user utterance.
	Query string
	// Template and Cue are only used by the template shape.
	Template string
	Cue      string
}

// Payload is the assembled request body, ready for a model provider.
type Payload struct {
	Shape    Shape
	Messages []Message
}

// Assembler combines persona, history, and user message into a Payload.
type Assembler interface {
	Assemble(in Input) Payload
}

// NewAssembler returns the assembler for shape.
func NewAssembler(shape Shape) (Assembler, error) {
	switch shape {
	case ShapeMessages, "":
		return &StandardAssembler{}, nil
	case ShapeTemplate:
		return &TemplateAssembler{}, nil
	default:
		return nil, fmt.Errorf("unknown prompt shape %q", shape)
	}
}

// Text renders the payload as one block, the way it reads to the model.
func (p Payload) Text() string {
	if p.Shape == ShapeTemplate && len(p.Messages) == 1 {
		return p.Messages[0].Content
	}
	return FormatTranscript(p.Messages)
}
