// Package actxml renders system acts as XML for prompt-based NLG.
package actxml

import (
	"encoding/xml"
	"fmt"
	"sort"
	"strconv"

	"github.com/flexigpt/moviedialog-go/spec"
)

// Shape:
// <system_act intent="inform" state="recommendation">
//
//	<slot name="genre">comedy</slot>
//	<candidate id="m1" score="0.9"/>
//	<relaxed>year</relaxed>
//
// </system_act>.
type systemAct struct {
	XMLName xml.Name `xml:"system_act"`
	actBody
}

type actBody struct {
	Intent      string      `xml:"intent,attr"`
	State       string      `xml:"state,attr"`
	Error       string      `xml:"error,attr,omitempty"`
	ResultCount int         `xml:"result_count,attr,omitempty"`
	Slots       []slot      `xml:"slot"`
	Pending     []pending   `xml:"pending"`
	Candidates  []candidate `xml:"candidate"`
	Relaxed     []string    `xml:"relaxed"`
}

type slot struct {
	Name  string `xml:"name,attr"`
	Value string `xml:",chardata"`
}

type pending struct {
	Slot    string `xml:"slot,attr"`
	Value   string `xml:"value,attr"`
	Current string `xml:"current,attr"`
}

type candidate struct {
	ID    string `xml:"id,attr"`
	Score string `xml:"score,attr"`
}

// SystemActStruct keeps candidate order (best first) and sorts pending
// conflicts by slot name.
func SystemActStruct(act spec.SystemAct) any {
	return systemAct{actBody: body(act)}
}

func body(act spec.SystemAct) actBody {
	out := actBody{
		Intent:      string(act.Intent),
		State:       string(act.State),
		Error:       act.Error,
		ResultCount: act.ResultCount,
		Slots:       make([]slot, 0, len(act.Slots)),
		Pending:     make([]pending, 0, len(act.Pending)),
		Candidates:  make([]candidate, 0, len(act.Candidates)),
		Relaxed:     make([]string, 0, len(act.RelaxationsApplied)),
	}
	for _, s := range act.Slots {
		out.Slots = append(out.Slots, slot{Name: string(s.Name), Value: s.Value})
	}

	conflicts := append([]spec.PendingConflict(nil), act.Pending...)
	sort.SliceStable(conflicts, func(i, j int) bool { return conflicts[i].Slot < conflicts[j].Slot })
	for _, p := range conflicts {
		out.Pending = append(out.Pending, pending{Slot: string(p.Slot), Value: p.Value, Current: p.Current})
	}

	for _, c := range act.Candidates {
		out.Candidates = append(out.Candidates, candidate{
			ID:    c.MovieID,
			Score: strconv.FormatFloat(c.Score, 'f', -1, 64),
		})
	}
	for _, r := range act.RelaxationsApplied {
		out.Relaxed = append(out.Relaxed, string(r))
	}
	return out
}

func SystemActXML(act spec.SystemAct) (string, error) {
	b, err := xml.MarshalIndent(SystemActStruct(act), "", "  ")
	if err != nil {
		return "", fmt.Errorf("xml encode: %w", err)
	}
	return string(b), nil
}

type history struct {
	XMLName xml.Name `xml:"dialogue_history"`
	Turns   []turn   `xml:"turn"`
}

type turn struct {
	ID     string  `xml:"id,attr"`
	User   userAct `xml:"user"`
	System actBody `xml:"system"`
}

type userAct struct {
	Intent string `xml:"intent,attr"`
	Slots  []slot `xml:"slot"`
}

// HistoryXML renders the last n turns, oldest first. n <= 0 renders all turns.
func HistoryXML(turns []spec.DialogueTurn, n int) (string, error) {
	if n > 0 && len(turns) > n {
		turns = turns[len(turns)-n:]
	}
	out := history{Turns: make([]turn, 0, len(turns))}
	for _, t := range turns {
		u := userAct{Intent: string(t.UserAct.Intent), Slots: make([]slot, 0, len(t.UserAct.Slots))}
		for _, s := range t.UserAct.Slots {
			u.Slots = append(u.Slots, slot{Name: string(s.Name), Value: s.Value})
		}
		out.Turns = append(out.Turns, turn{ID: t.ID, User: u, System: body(t.SystemAct)})
	}
	b, err := xml.MarshalIndent(out, "", "  ")
	if err != nil {
		return "", fmt.Errorf("xml encode: %w", err)
	}
	return string(b), nil
}
