package pipeline

import (
	"errors"
	"fmt"
	"strings"
)

// GraphErrorKind classifies graph construction and validation failures. All
// of them are fatal: the build fails before any stage runs.
type GraphErrorKind string

const (
	KindDuplicateStage    GraphErrorKind = "duplicate_stage"
	KindSelfDependency    GraphErrorKind = "self_dependency"
	KindUnknownDependency GraphErrorKind = "unknown_dependency"
	KindCycleDetected     GraphErrorKind = "cycle_detected"
	KindOwnershipConflict GraphErrorKind = "ownership_conflict"
	KindGraphFrozen       GraphErrorKind = "graph_frozen"
)

// GraphError is a typed graph validation failure.
type GraphError struct {
	Kind   GraphErrorKind
	Stage  string   // offending stage, if any
	Cycle  []string // populated for KindCycleDetected
	Detail string
}

func (e *GraphError) Error() string {
	switch e.Kind {
	case KindCycleDetected:
		return fmt.Sprintf("dependency cycle detected: %s", strings.Join(e.Cycle, " -> "))
	case KindDuplicateStage:
		return fmt.Sprintf("duplicate stage %q", e.Stage)
	case KindSelfDependency:
		return fmt.Sprintf("stage %q depends on itself", e.Stage)
	case KindUnknownDependency:
		return fmt.Sprintf("stage %q: %s", e.Stage, e.Detail)
	case KindOwnershipConflict:
		return fmt.Sprintf("ownership conflict: %s", e.Detail)
	case KindGraphFrozen:
		return fmt.Sprintf("cannot register stage %q: graph is already validated", e.Stage)
	default:
		return fmt.Sprintf("graph error (%s): %s", e.Kind, e.Detail)
	}
}

// IsGraphError reports whether err is a GraphError of the given kind.
func IsGraphError(err error, kind GraphErrorKind) bool {
	var ge *GraphError
	return errors.As(err, &ge) && ge.Kind == kind
}
