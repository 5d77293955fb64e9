package conflict

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kimhsiao/marketsync/internal/models"
)

// MergeDirtyFields overlays the locally changed fields of local onto
// server. Fields the client never touched keep their server values.
func MergeDirtyFields(local, server map[string]any, dirty []string) map[string]any {
	out := models.CloneMap(server)
	if out == nil {
		out = map[string]any{}
	}
	for _, f := range dirty {
		if v, ok := local[f]; ok {
			out[f] = v
		} else {
			delete(out, f)
		}
	}
	return out
}

// MergeHandler returns a Handler that resubmits the server version with
// the conflict's dirty fields taken from the local payload. Conflicts
// without a server version or dirty fields are left to the global
// strategy.
func MergeHandler() Handler {
	return func(_ context.Context, c *Conflict) (*Decision, error) {
		if len(c.ServerPayload) == 0 {
			return nil, nil
		}
		if len(c.DirtyFields) == 0 {
			return nil, nil
		}
		var server map[string]any
		if err := json.Unmarshal(c.ServerPayload, &server); err != nil {
			return nil, fmt.Errorf("decode server version: %w", err)
		}
		local, err := models.PayloadFields(c.LocalPayload)
		if err != nil {
			return nil, fmt.Errorf("flatten local payload: %w", err)
		}
		merged := MergeDirtyFields(local, server, c.DirtyFields)
		p, err := models.PayloadFromFields(c.Type, c.Store, merged)
		if err != nil {
			return nil, fmt.Errorf("rebuild payload: %w", err)
		}
		return &Decision{
			Outcome: OutcomeMerged,
			Payload: p,
			Message: fmt.Sprintf("merged %d local field(s) of %s %s into server version",
				len(c.DirtyFields), c.Type, c.ItemID),
		}, nil
	}
}
