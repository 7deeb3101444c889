// Package ai defines the generation collaborator consumed by the streaming
// relay: a named persona plus an ordered stream of text increments.
package ai

import (
	"context"
	"sort"
)

// Persona is a named AI responder addressable via an @mention.
type Persona struct {
	Name        string // mention token, e.g. "wayneAI"
	DisplayName string
	Prompt      string // system prompt sent upstream
	Model       string
}

// Personas is the closed set of responders known to the server.
type Personas struct {
	byName map[string]Persona
}

// NewPersonas builds a registry from the given personas.
func NewPersonas(personas ...Persona) *Personas {
	m := make(map[string]Persona, len(personas))
	for _, p := range personas {
		m[p.Name] = p
	}
	return &Personas{byName: m}
}

// DefaultPersonas returns the built-in responder set.
func DefaultPersonas(model string) *Personas {
	return NewPersonas(
		Persona{
			Name:        "wayneAI",
			DisplayName: "Wayne AI",
			Prompt:      "You are Wayne AI, a pragmatic senior engineer. Answer concisely with working examples where useful.",
			Model:       model,
		},
		Persona{
			Name:        "consultingAI",
			DisplayName: "Consulting AI",
			Prompt:      "You are Consulting AI, a business and product consultant. Give structured, actionable advice.",
			Model:       model,
		},
	)
}

// Lookup resolves a mention token to a persona.
func (p *Personas) Lookup(name string) (Persona, bool) {
	persona, ok := p.byName[name]
	return persona, ok
}

// Names returns the known mention tokens, sorted.
func (p *Personas) Names() []string {
	names := make([]string, 0, len(p.byName))
	for n := range p.byName {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Stream is an ordered sequence of text increments. Recv blocks until the
// next increment is available and returns io.EOF after the final one.
// Increments are pulled one at a time; nothing buffers beyond the chunk the
// consumer is currently handling.
type Stream interface {
	Recv() (string, error)
	Close() error
}

// Generator opens a generation stream for a persona and query.
type Generator interface {
	Generate(ctx context.Context, persona Persona, query string) (Stream, error)
}
