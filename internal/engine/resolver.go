package engine

import (
	"fmt"

	"github.com/BTreeMap/SyncPipe/internal/models"
)

// Conflict is a rejected operation together with both sides of the record.
type Conflict struct {
	Task   models.SyncTask
	Local  models.Record
	Server models.ServerState
}

// ResolutionKind says how the engine settles a conflict.
type ResolutionKind string

const (
	// ResolveApplyServer overwrites the local record with the server state.
	ResolveApplyServer ResolutionKind = "apply_server"
	// ResolveManual keeps local data and fails the record for a person to decide.
	ResolveManual ResolutionKind = "manual"
)

// Resolution is a resolver's decision. The engine applies it in one store transaction.
type Resolution struct {
	Kind   ResolutionKind
	Server models.ServerState
	Reason string
}

// ConflictResolver decides the outcome of a conflict. Implementations must be pure:
// the engine owns every side effect.
type ConflictResolver interface {
	Name() string
	Resolve(c Conflict) Resolution
}

// ServerWins adopts the server copy exactly. It is the default policy.
type ServerWins struct{}

func (ServerWins) Name() string { return "server_wins" }

func (ServerWins) Resolve(c Conflict) Resolution {
	return Resolution{
		Kind:   ResolveApplyServer,
		Server: c.Server,
		Reason: fmt.Sprintf("conflict: server version %d replaced local change", c.Server.Version),
	}
}

// ManualReview keeps the local change and marks the record Failed. Retrying the record
// resubmits the local copy over the server version it conflicted with.
type ManualReview struct{}

func (ManualReview) Name() string { return "manual_review" }

func (ManualReview) Resolve(c Conflict) Resolution {
	return Resolution{
		Kind:   ResolveManual,
		Server: c.Server,
		Reason: fmt.Sprintf("conflict: manual review required (local base %d, server version %d); retry to overwrite", c.Task.BaseVersion, c.Server.Version),
	}
}

// ResolverByName maps a configured policy name to a resolver.
func ResolverByName(name string) (ConflictResolver, error) {
	switch name {
	case "", "server_wins":
		return ServerWins{}, nil
	case "manual_review":
		return ManualReview{}, nil
	default:
		return nil, fmt.Errorf("unknown conflict policy %q", name)
	}
}
