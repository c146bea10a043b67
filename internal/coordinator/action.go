package coordinator

import (
	"context"
	"fmt"
)

// Action is a command routed by Dispatch. The set is closed: only the types
// in this file implement it.
type Action interface {
	isAction()
}

type (
	// CreateAgent starts an agent for Persona; the dispatch target id is
	// ignored.
	CreateAgent struct{ Persona string }

	// RemoveAgent cancels, flushes and forgets the target agent.
	RemoveAgent struct{}

	// Send starts a turn with Text.
	Send struct{ Text string }

	// Cancel stops the active turn, if any.
	Cancel struct{}

	Save    struct{}
	Load    struct{}
	Archive struct{}
	Clear   struct{}
)

func (CreateAgent) isAction() {}
func (RemoveAgent) isAction() {}
func (Send) isAction()        {}
func (Cancel) isAction()      {}
func (Save) isAction()        {}
func (Load) isAction()        {}
func (Archive) isAction()     {}
func (Clear) isAction()       {}

// Outcome is what an action produced.
type Outcome struct {
	AgentID  string `json:"agent_id,omitempty"`
	TurnID   string `json:"turn_id,omitempty"`
	Archived bool   `json:"archived,omitempty"`
}

// Dispatch routes act to the agent named agentID.
func (c *Coordinator) Dispatch(ctx context.Context, agentID string, act Action) (Outcome, error) {
	switch act := act.(type) {
	case CreateAgent:
		id, err := c.CreateAgent(ctx, act.Persona)
		return Outcome{AgentID: id}, err
	case RemoveAgent:
		return Outcome{AgentID: agentID}, c.RemoveAgent(ctx, agentID)
	}

	a, err := c.Get(agentID)
	if err != nil {
		return Outcome{}, err
	}
	out := Outcome{AgentID: agentID}

	switch act := act.(type) {
	case Send:
		out.TurnID, err = a.Send(ctx, act.Text)
	case Cancel:
		a.Cancel()
	case Save:
		err = a.Save(ctx)
	case Load:
		err = a.Load(ctx)
	case Archive:
		out.Archived, err = a.Archive(ctx)
	case Clear:
		err = a.Clear(ctx)
	default:
		err = fmt.Errorf("unsupported action %T", act)
	}
	return out, err
}
