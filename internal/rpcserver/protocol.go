package rpcserver

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// Request is one RPC call, newline-delimited JSON on the wire. Claimed
// methods must carry the token issued by claim.
type Request struct {
	ID     uint64          `json:"id"`
	Method string          `json:"method"`
	Token  string          `json:"token,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response answers one Request. Exactly one of Result and Error is set.
type Response struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// MethodInfo is one entry of the list_methods reply.
type MethodInfo struct {
	Name          string `json:"name"`
	Doc           string `json:"doc"`
	RequiresClaim bool   `json:"requires_claim"`
}

// maxLineBytes bounds a single request line. Component updates carry
// base64-encoded FPGA images, so the limit is generous.
const maxLineBytes = 64 << 20

// decodeParams unpacks a positional JSON params array into dst pointers.
// Missing trailing params are left at their zero value.
func decodeParams(raw json.RawMessage, dst ...any) error {
	if len(raw) == 0 {
		return nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return errors.Wrap(err, "params must be an array")
	}
	if len(items) > len(dst) {
		return errors.Errorf("too many params: got %d, want at most %d", len(items), len(dst))
	}
	for i, item := range items {
		if err := json.Unmarshal(item, dst[i]); err != nil {
			return errors.Wrapf(err, "param %d", i)
		}
	}
	return nil
}
