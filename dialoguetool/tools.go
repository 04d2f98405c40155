// Package dialoguetool exposes the dialogue runtime as llmtools-go tools, so
// an LLM acting as NLU can drive turns directly.
package dialoguetool

import (
	"context"
	"errors"

	"github.com/flexigpt/llmtools-go"
	llmtoolsgoSpec "github.com/flexigpt/llmtools-go/spec"

	"github.com/flexigpt/moviedialog-go/internal/actxml"
	"github.com/flexigpt/moviedialog-go/spec"
)

// HistoryTurns is how many recent turns TurnResult.History renders.
const HistoryTurns = 6

// TurnResult is the tool output: the next system act plus XML renderings of
// the act and the recent dialogue for prompt-based NLG. History is empty once
// the session has closed.
type TurnResult struct {
	Act     spec.SystemAct `json:"act"`
	XML     string         `json:"xml"`
	History string         `json:"history,omitempty"`
}

// Register registers the dialogue tools into an existing llmtools-go Registry.
// Session binding is done by closure via sessionID.
func Register(r *llmtools.Registry, rt spec.Runtime, sessionID spec.SessionID) error {
	if r == nil {
		return errors.New("nil registry")
	}
	if rt == nil {
		return errors.New("nil runtime")
	}

	// "dialogue.turn" -> typed -> text output (JSON).
	return llmtools.RegisterTypedAsTextTool[spec.TurnArgs, TurnResult](
		r,
		spec.DialogueTurnTool(),
		func(ctx context.Context, args spec.TurnArgs) (TurnResult, error) {
			return Turn(ctx, rt, sessionID, args)
		},
	)
}

// Turn runs one tool call. A parse error is not a tool failure: the reprompt
// act is returned so the model can rephrase.
func Turn(ctx context.Context, rt spec.Runtime, sessionID spec.SessionID, args spec.TurnArgs) (TurnResult, error) {
	act, err := rt.HandleTurn(ctx, spec.DialogueAct{
		SessionID: sessionID,
		Intent:    args.Intent,
		Slots:     args.Slots,
	})
	if err != nil && !errors.Is(err, spec.ErrParse) {
		return TurnResult{}, err
	}
	x, xerr := actxml.SystemActXML(act)
	if xerr != nil {
		return TurnResult{}, xerr
	}
	res := TurnResult{Act: act, XML: x}

	if act.SessionID == "" {
		return res, nil
	}
	sess, serr := rt.Snapshot(ctx, act.SessionID)
	switch {
	case errors.Is(serr, spec.ErrSessionNotFound):
		return res, nil
	case serr != nil:
		return TurnResult{}, serr
	}
	if res.History, xerr = actxml.HistoryXML(sess.History, HistoryTurns); xerr != nil {
		return TurnResult{}, xerr
	}
	return res, nil
}

func Tools() []llmtoolsgoSpec.Tool {
	return []llmtoolsgoSpec.Tool{
		spec.DialogueTurnTool(),
	}
}

// NewRegistry creates an llmtools-go Registry and registers ONLY the dialogue tools into it.
func NewRegistry(
	rt spec.Runtime,
	sessionID spec.SessionID,
	opts ...llmtools.RegistryOption,
) (*llmtools.Registry, error) {
	if rt == nil {
		return nil, errors.New("nil runtime")
	}
	r, err := llmtools.NewRegistry(opts...)
	if err != nil {
		return nil, err
	}
	if err := Register(r, rt, sessionID); err != nil {
		return nil, err
	}
	return r, nil
}
