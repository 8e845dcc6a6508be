package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/cuemby/kvforge/pkg/atomic"
	"github.com/cuemby/kvforge/pkg/kverr"
	"github.com/cuemby/kvforge/pkg/versionstamp"
)

type checkJSON struct {
	Key      json.RawMessage `json:"key"`
	Expected *string         `json:"expected"`
}

type mutationJSON struct {
	Type     string          `json:"type"`
	Key      json.RawMessage `json:"key"`
	Value    json.RawMessage `json:"value"`
	Operand  int64           `json:"operand"`
	ExpireIn int64           `json:"expireIn"`
}

func (s *Server) handleAtomic(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Checks    []checkJSON    `json:"checks"`
		Mutations []mutationJSON `json:"mutations"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}

	op := atomic.Operation{
		Checks:    make([]atomic.Check, len(body.Checks)),
		Mutations: make([]atomic.Mutation, len(body.Mutations)),
	}
	for i, c := range body.Checks {
		key, err := keyFromJSON(c.Key)
		if err != nil {
			writeError(w, err)
			return
		}
		chk := atomic.Check{Key: key}
		if c.Expected != nil {
			vs, err := versionstamp.ParseString(*c.Expected)
			if err != nil {
				writeError(w, kverr.Wrap(kverr.InvalidArgument, "parse check expected versionstamp", err))
				return
			}
			chk.Expected = &vs
		}
		op.Checks[i] = chk
	}
	for i, m := range body.Mutations {
		key, err := keyFromJSON(m.Key)
		if err != nil {
			writeError(w, err)
			return
		}
		kind, err := mutationKind(m.Type)
		if err != nil {
			writeError(w, err)
			return
		}
		mut := atomic.Mutation{Kind: kind, Key: key, Operand: m.Operand, ExpireIn: m.ExpireIn}
		if len(m.Value) > 0 {
			var value any
			if err := json.Unmarshal(m.Value, &value); err != nil {
				writeError(w, kverr.Wrap(kverr.InvalidArgument, "decode mutation value", err))
				return
			}
			mut.Value = value
		}
		op.Mutations[i] = mut
	}

	result, err := s.Committer.Commit(requestContext(r), op)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := map[string]any{"ok": result.OK}
	if result.OK {
		resp["versionstamp"] = result.Versionstamp.String()
	}
	writeJSON(w, http.StatusOK, resp)
}

func mutationKind(s string) (atomic.MutationKind, error) {
	switch atomic.MutationKind(s) {
	case atomic.Set, atomic.Delete, atomic.Sum, atomic.Max, atomic.Min, atomic.Append, atomic.Prepend:
		return atomic.MutationKind(s), nil
	default:
		return "", kverr.Newf(kverr.InvalidArgument, "unknown mutation type %q", s)
	}
}
