package ai

import "testing"

func TestDefaultPersonasLookup(t *testing.T) {
	personas := DefaultPersonas("llama3")

	for _, name := range []string{"wayneAI", "consultingAI"} {
		p, ok := personas.Lookup(name)
		if !ok {
			t.Fatalf("expected %s to be known", name)
		}
		if p.Model != "llama3" || p.Prompt == "" {
			t.Fatalf("incomplete persona %+v", p)
		}
	}

	if _, ok := personas.Lookup("unknownAI"); ok {
		t.Fatal("unknown persona must not resolve")
	}
}

func TestPersonaNamesSorted(t *testing.T) {
	personas := NewPersonas(
		Persona{Name: "zeta"},
		Persona{Name: "alpha"},
		Persona{Name: "mid"},
	)

	names := personas.Names()
	want := []string{"alpha", "mid", "zeta"}
	if len(names) != len(want) {
		t.Fatalf("expected %d names, got %v", len(want), names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("names not sorted: %v", names)
		}
	}
}
