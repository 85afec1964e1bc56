package prompt

import (
	_ "embed"

	"gopkg.in/yaml.v3"
)

// Persona names available via Persona().
const (
	PersonaChat       = "chat"
	PersonaSummarizer = "summarizer"
	PersonaScribe     = "scribe"
	PersonaDiagnose   = "diagnose"
)

//go:embed personas.yaml
var personasYAML []byte

var personas map[string]string

func init() {
	if err := yaml.Unmarshal(personasYAML, &personas); err != nil {
		panic("prompt: embedded personas.yaml is invalid: " + err.Error())
	}
}

// Persona returns the named system prompt. Unknown names return the chat
// persona so a typo degrades to the default voice instead of an empty
// system prompt.
func Persona(name string) string {
	if p, ok := personas[name]; ok {
		return p
	}
	return personas[PersonaChat]
}
