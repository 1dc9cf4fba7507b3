// Package conn binds one client channel to one workflow coordinator. It
// decodes and validates inbound commands, forwards them to the coordinator,
// and guarantees listener removal and abort of in-flight work on disconnect.
package conn

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/chorus-llm/chorus/runtime/orchestrator/workflow"
)

// CommandType names an inbound protocol command.
type CommandType string

// Inbound protocol commands.
const (
	CommandExecuteWorkflow CommandType = "EXECUTE_WORKFLOW"
	CommandAbort           CommandType = "ABORT"
	CommandPing            CommandType = "KEEPALIVE_PING"
)

// Command is one decoded inbound message.
type Command struct {
	// Type discriminates the command.
	Type CommandType
	// Workflow is the full workflow request of an EXECUTE_WORKFLOW command
	// whose payload carried explicit steps.
	Workflow *workflow.Request
	// HighLevel is the shorthand request of an EXECUTE_WORKFLOW command whose
	// payload must be expanded through the compiler.
	HighLevel *workflow.HighLevelRequest
	// SessionID is the target of an ABORT command.
	SessionID string
}

// commandSchema validates the envelope shape before any field is trusted.
const commandSchema = `{
  "type": "object",
  "required": ["type"],
  "properties": {
    "type": {"enum": ["EXECUTE_WORKFLOW", "ABORT", "KEEPALIVE_PING"]},
    "payload": {"type": "object"},
    "sessionId": {"type": "string"}
  },
  "allOf": [
    {
      "if": {"properties": {"type": {"const": "EXECUTE_WORKFLOW"}}},
      "then": {"required": ["payload"]}
    },
    {
      "if": {"properties": {"type": {"const": "ABORT"}}},
      "then": {"required": ["sessionId"]}
    }
  ]
}`

var compiledCommandSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(commandSchema))
	if err != nil {
		panic(fmt.Sprintf("conn: invalid command schema: %v", err))
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("command.json", doc); err != nil {
		panic(fmt.Sprintf("conn: add command schema: %v", err))
	}
	schema, err := compiler.Compile("command.json")
	if err != nil {
		panic(fmt.Sprintf("conn: compile command schema: %v", err))
	}
	return schema
}

type envelope struct {
	Type      CommandType     `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
}

// Decode validates and decodes one inbound message. EXECUTE_WORKFLOW payloads
// carrying explicit steps decode as a full workflow request; payloads without
// steps decode as the high-level shorthand to expand through the compiler.
func Decode(raw []byte) (Command, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return Command{}, fmt.Errorf("decode command: %w", err)
	}
	if err := compiledCommandSchema.Validate(doc); err != nil {
		return Command{}, fmt.Errorf("invalid command: %w", err)
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Command{}, fmt.Errorf("decode command: %w", err)
	}
	cmd := Command{Type: env.Type, SessionID: env.SessionID}
	if env.Type != CommandExecuteWorkflow {
		return cmd, nil
	}

	var probe struct {
		Steps []json.RawMessage `json:"steps"`
	}
	if err := json.Unmarshal(env.Payload, &probe); err != nil {
		return Command{}, fmt.Errorf("decode workflow payload: %w", err)
	}
	if len(probe.Steps) > 0 {
		var req workflow.Request
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			return Command{}, fmt.Errorf("decode workflow request: %w", err)
		}
		cmd.Workflow = &req
		return cmd, nil
	}
	var hl workflow.HighLevelRequest
	if err := json.Unmarshal(env.Payload, &hl); err != nil {
		return Command{}, fmt.Errorf("decode workflow shorthand: %w", err)
	}
	cmd.HighLevel = &hl
	return cmd, nil
}
