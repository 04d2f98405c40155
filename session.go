package moviedialog

import (
	"context"
	"errors"

	"github.com/flexigpt/llmtools-go"
	llmtoolsgoSpec "github.com/flexigpt/llmtools-go/spec"

	"github.com/flexigpt/moviedialog-go/dialoguetool"
	"github.com/flexigpt/moviedialog-go/spec"
)

// Session binds a Runtime to one session id.
type Session struct {
	rt *Runtime
	id spec.SessionID
}

func (s *Session) ID() spec.SessionID { return s.id }

// Turn handles one act for this session.
func (s *Session) Turn(ctx context.Context, intent spec.UserIntent, slots ...spec.ActSlot) (spec.SystemAct, error) {
	if s == nil || s.rt == nil {
		return spec.SystemAct{}, errors.New("nil session runtime")
	}
	return s.rt.HandleTurn(ctx, spec.DialogueAct{SessionID: s.id, Intent: intent, Slots: slots})
}

// Tools returns the dialogue tool specs.
func (s *Session) Tools() []llmtoolsgoSpec.Tool { return dialoguetool.Tools() }

// RegisterTools registers the dialogue tools into an existing llmtools-go Registry.
func (s *Session) RegisterTools(reg *llmtools.Registry) error {
	if s == nil || s.rt == nil {
		return errors.New("nil session runtime")
	}
	return dialoguetool.Register(reg, s.rt, s.id)
}

// NewToolsRegistry returns a new llmtools-go Registry containing only the dialogue tools.
func (s *Session) NewToolsRegistry(opts ...llmtools.RegistryOption) (*llmtools.Registry, error) {
	if s == nil || s.rt == nil {
		return nil, errors.New("nil session runtime")
	}
	return dialoguetool.NewRegistry(s.rt, s.id, opts...)
}
