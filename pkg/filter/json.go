package filter

import "encoding/json"

var reservedKeys = map[string]bool{"and": true, "or": true, "not": true}

// UnmarshalJSON accepts the wire form of a predicate tree: "and"/"or"/"not"
// keys nest sub-trees, every other key names a field whose value is either
// an operator map (e.g. {"gte": 3}) or a bare primitive, shorthand for eq.
func (n *Node) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	fields := make(map[string]FieldOp)
	for key, val := range raw {
		switch key {
		case "and":
			var nodes []Node
			if err := json.Unmarshal(val, &nodes); err != nil {
				return err
			}
			n.And = nodes
		case "or":
			var nodes []Node
			if err := json.Unmarshal(val, &nodes); err != nil {
				return err
			}
			n.Or = nodes
		case "not":
			var child Node
			if err := json.Unmarshal(val, &child); err != nil {
				return err
			}
			n.Not = &child
		default:
			op, err := parseFieldOp(val)
			if err != nil {
				return err
			}
			fields[key] = op
		}
	}
	if len(fields) > 0 {
		n.Fields = fields
	}
	return nil
}

func parseFieldOp(val json.RawMessage) (FieldOp, error) {
	var asMap map[string]any
	if err := json.Unmarshal(val, &asMap); err == nil && looksLikeOperatorMap(asMap) {
		return FieldOp(asMap), nil
	}
	var bare any
	if err := json.Unmarshal(val, &bare); err != nil {
		return nil, err
	}
	return FieldOp{"eq": bare}, nil
}

var knownOps = map[string]bool{
	"eq": true, "ne": true, "gt": true, "gte": true, "lt": true, "lte": true, "between": true,
	"in": true, "nin": true,
	"contains": true, "notContains": true, "startsWith": true, "endsWith": true,
	"containsi": true, "notContainsi": true, "startsWithi": true, "endsWithi": true,
	"null": true, "empty": true, "notEmpty": true,
}

// looksLikeOperatorMap distinguishes {"gte": 3} from a JSON object value
// that happens to be the field's literal (eq) target.
func looksLikeOperatorMap(m map[string]any) bool {
	if len(m) == 0 {
		return false
	}
	for k := range m {
		if !knownOps[k] {
			return false
		}
	}
	return true
}
