package statemachine

import "github.com/example/ticketpilot/backend/internal/models"

// Pipeline graph ids.
const (
	GraphFull   = "analysis-plan-implement"
	GraphDirect = "analysis-plan-implement-direct"
)

// Graph is a pipeline definition. The graphs share the planning phase and differ in what follows code generation.
type Graph struct {
	ID string
	// TicketUpdates enables the ticket update review and sync phase.
	TicketUpdates bool
}

var graphs = map[string]Graph{
	GraphFull:   {ID: GraphFull, TicketUpdates: true},
	GraphDirect: {ID: GraphDirect},
}

// GraphFor selects the graph a ticket runs based on where it came from.
func GraphFor(source models.TicketSource) Graph {
	if source == models.SourceExternal {
		return graphs[GraphFull]
	}
	return graphs[GraphDirect]
}

// LookupGraph returns a graph by id.
func LookupGraph(id string) (Graph, bool) {
	g, ok := graphs[id]
	return g, ok
}

func (g Graph) afterCodeGenerated() models.AgentType {
	if g.TicketUpdates {
		return models.AgentTicketUpdate
	}
	return models.AgentPullRequest
}
