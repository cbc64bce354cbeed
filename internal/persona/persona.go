// Package persona holds the receptionist identity spoken by the AI assistant:
// system instructions, the welcome greeting, and the bookable time slots.
//
// The default persona ships embedded in the binary as a YAML asset so that
// deployments can run without any external files. Load can also read a custom
// persona from disk, which lets operators tune the script without a rebuild.
package persona

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"
)

//go:embed persona.yaml
var defaultAsset []byte

// Slot is one bookable window of the business day. Start and End use the
// HH:MM:SS form the booking backend expects; Display is the human phrasing
// spoken by the assistant.
type Slot struct {
	Start   string `yaml:"start"`
	End     string `yaml:"end"`
	Display string `yaml:"display"`
}

// Persona is the decoded persona asset. Greeting and Instructions are Go
// text/template sources rendered with [Params].
type Persona struct {
	Greeting     string `yaml:"greeting"`
	Instructions string `yaml:"instructions"`
	Slots        []Slot `yaml:"slots"`

	greetingTmpl     *template.Template
	instructionsTmpl *template.Template
}

// Params carries the per-call and per-deployment values substituted into the
// persona templates.
type Params struct {
	SpaName       string
	CustomerPhone string
	SessionHours  int
	MaxCapacity   int
	Slots         []Slot
}

// Default returns the embedded persona.
func Default() (*Persona, error) {
	return parse(defaultAsset)
}

// Load reads a persona from the YAML file at path. An empty path returns the
// embedded default.
func Load(path string) (*Persona, error) {
	if path == "" {
		return Default()
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read persona file: %w", err)
	}
	return parse(raw)
}

func parse(raw []byte) (*Persona, error) {
	var p Persona
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode persona: %w", err)
	}
	if strings.TrimSpace(p.Instructions) == "" {
		return nil, fmt.Errorf("persona has no instructions")
	}
	if len(p.Slots) == 0 {
		return nil, fmt.Errorf("persona has no time slots")
	}

	var err error
	if p.greetingTmpl, err = template.New("greeting").Parse(p.Greeting); err != nil {
		return nil, fmt.Errorf("parse greeting template: %w", err)
	}
	if p.instructionsTmpl, err = template.New("instructions").Parse(p.Instructions); err != nil {
		return nil, fmt.Errorf("parse instructions template: %w", err)
	}
	return &p, nil
}

// RenderInstructions produces the per-call system instructions. Params.Slots
// defaults to the persona's own slot table when unset.
func (p *Persona) RenderInstructions(params Params) (string, error) {
	if params.Slots == nil {
		params.Slots = p.Slots
	}
	var b strings.Builder
	if err := p.instructionsTmpl.Execute(&b, params); err != nil {
		return "", fmt.Errorf("render instructions: %w", err)
	}
	return b.String(), nil
}

// RenderGreeting produces the spoken welcome line played before the AI takes
// over the call.
func (p *Persona) RenderGreeting(params Params) (string, error) {
	var b strings.Builder
	if err := p.greetingTmpl.Execute(&b, params); err != nil {
		return "", fmt.Errorf("render greeting: %w", err)
	}
	return b.String(), nil
}

// SlotStarting returns the slot whose Start matches t (HH:MM:SS), or false
// when no slot begins at that time.
func (p *Persona) SlotStarting(t string) (Slot, bool) {
	for _, s := range p.Slots {
		if s.Start == t {
			return s, true
		}
	}
	return Slot{}, false
}
