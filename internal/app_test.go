package internal

import (
	"testing"

	"pdv_terminal/internal/terminal"

	"go.uber.org/fx"
)

func TestDependencyGraph(t *testing.T) {
	var runner *terminal.Runner
	if err := fx.ValidateApp(modules(), fx.Populate(&runner)); err != nil {
		t.Fatalf("invalid fx graph: %v", err)
	}
}
