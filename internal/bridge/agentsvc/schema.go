package agentsvc

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// eventSchemaDoc is the JSON Schema every raw stream-event payload must
// satisfy before being decoded into a StreamEvent. It pins the closed
// EventType taxonomy at the wire boundary: a malformed or unrecognized
// payload is rejected here rather than silently decoding into a zero value.
const eventSchemaDoc = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["type"],
  "properties": {
    "type": {
      "type": "string",
      "enum": ["ping", "reasoning", "tool_call", "tool_return", "assistant", "stop", "usage", "error", "approval_request"]
    },
    "text": {"type": "string"},
    "tool_name": {"type": "string"},
    "tool_result": {"type": "string"},
    "tool_ok": {"type": "boolean"},
    "error": {"type": "string"},
    "approval_id": {"type": "string"},
    "usage": {
      "type": "object",
      "properties": {
        "prompt_tokens": {"type": "integer"},
        "completion_tokens": {"type": "integer"}
      }
    }
  }
}`

var eventSchema = mustCompileSchema(eventSchemaDoc)

func mustCompileSchema(doc string) *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("stream_event.json", bytes.NewReader([]byte(doc))); err != nil {
		panic(fmt.Sprintf("agentsvc: invalid embedded stream event schema: %v", err))
	}
	schema, err := compiler.Compile("stream_event.json")
	if err != nil {
		panic(fmt.Sprintf("agentsvc: compile stream event schema: %v", err))
	}
	return schema
}

// decodeStreamEvent validates raw against the stream-event schema and
// decodes it into a StreamEvent. A schema violation (unknown "type", wrong
// field shape) is reported as an error rather than a partially-populated
// StreamEvent, matching the schema-validate-then-decode pattern.
func decodeStreamEvent(raw []byte) (StreamEvent, error) {
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return StreamEvent{}, fmt.Errorf("decode stream event: invalid json: %w", err)
	}
	if err := eventSchema.Validate(generic); err != nil {
		return StreamEvent{}, fmt.Errorf("decode stream event: schema validation: %w", err)
	}
	var evt StreamEvent
	if err := json.Unmarshal(raw, &evt); err != nil {
		return StreamEvent{}, fmt.Errorf("decode stream event: %w", err)
	}
	return evt, nil
}
