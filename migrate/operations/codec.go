package operations

import (
	"encoding/json"
	"fmt"
)

// Operation type tags used in migration files.
const (
	typeCreateModel = "create_model"
	typeDeleteModel = "delete_model"
	typeAddField    = "add_field"
	typeRemoveField = "remove_field"
	typeRenameField = "rename_field"
	typeRenameModel = "rename_model"
)

type envelope struct {
	Type string          `json:"type"`
	Op   json.RawMessage `json:"op"`
}

// Encode serializes an operation list for embedding in a migration file.
func Encode(ops []Operation) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, 0, len(ops))
	for _, op := range ops {
		var tag string
		switch op.(type) {
		case *CreateModel:
			tag = typeCreateModel
		case *DeleteModel:
			tag = typeDeleteModel
		case *AddField:
			tag = typeAddField
		case *RemoveField:
			tag = typeRemoveField
		case *RenameField:
			tag = typeRenameField
		case *RenameModel:
			tag = typeRenameModel
		default:
			return nil, fmt.Errorf("unknown operation type %T", op)
		}
		body, err := json.Marshal(op)
		if err != nil {
			return nil, err
		}
		raw, err := json.Marshal(envelope{Type: tag, Op: body})
		if err != nil {
			return nil, err
		}
		out = append(out, raw)
	}
	return out, nil
}

// Decode reverses Encode.
func Decode(raws []json.RawMessage) ([]Operation, error) {
	out := make([]Operation, 0, len(raws))
	for _, raw := range raws {
		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return nil, fmt.Errorf("decode operation envelope: %w", err)
		}
		var op Operation
		switch env.Type {
		case typeCreateModel:
			op = &CreateModel{}
		case typeDeleteModel:
			op = &DeleteModel{}
		case typeAddField:
			op = &AddField{}
		case typeRemoveField:
			op = &RemoveField{}
		case typeRenameField:
			op = &RenameField{}
		case typeRenameModel:
			op = &RenameModel{}
		default:
			return nil, fmt.Errorf("unknown operation type %q", env.Type)
		}
		if err := json.Unmarshal(env.Op, op); err != nil {
			return nil, fmt.Errorf("decode %s operation: %w", env.Type, err)
		}
		out = append(out, op)
	}
	return out, nil
}
