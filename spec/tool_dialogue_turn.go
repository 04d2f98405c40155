package spec

import llmtoolsgoSpec "github.com/flexigpt/llmtools-go/spec"

const FuncIDDialogueTurn llmtoolsgoSpec.FuncID = "github.com/flexigpt/moviedialog-go/dialogue.turn"

// TurnArgs is the LLM-facing shape of an inbound act; the session is bound by the tool registration.
type TurnArgs struct {
	Intent UserIntent `json:"intent"`
	Slots  []ActSlot  `json:"slots,omitempty"`
}

func DialogueTurnTool() llmtoolsgoSpec.Tool {
	return llmtoolsgoSpec.Tool{
		SchemaVersion: llmtoolsgoSpec.SchemaVersion,
		ID:            "019c4188-4db4-7ad8-bdd0-4126aa1fee10",
		Slug:          "dialogue.turn",
		Version:       "v1.0.0",
		DisplayName:   "Dialogue Turn",
		Description:   "apply one parsed user dialogue act to the movie recommendation session and get the next system act",
		Tags:          []string{"dialogue", "movies"},
		ArgSchema: llmtoolsgoSpec.JSONSchema(`{
"$schema":"http://json-schema.org/draft-07/schema#",
"type":"object",
"properties":{
	"intent":{
		"type":"string",
		"enum":["inform","request","confirm","negate","accept","reject","restart","bye"],
		"description":"user intent"
	},
	"slots":{
		"type":"array",
		"items":{
			"type":"object",
			"properties":{
				"name":{"type":"string","description":"slot name, e.g. genre, year, actor, director, keyword, movie_id"},
				"value":{"type":"string","description":"slot value; empty for requests"},
				"confidence":{"type":"number","minimum":0,"maximum":1}
			},
			"required":["name"],
			"additionalProperties":false
		}
	}
},
"required":["intent"],
"additionalProperties":false
}`),
		GoImpl:     llmtoolsgoSpec.GoToolImpl{FuncID: FuncIDDialogueTurn},
		CreatedAt:  llmtoolsgoSpec.SchemaStartTime,
		ModifiedAt: llmtoolsgoSpec.SchemaStartTime,
	}
}
