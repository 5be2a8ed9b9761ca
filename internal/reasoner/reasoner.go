package reasoner

import (
	"context"
	"encoding/json"
)

// Reasoner is the generative model boundary. Invoke sends the unit's
// role prompt plus payload and returns schema-valid JSON. The
// implementation owns timeouts, retries on malformed output, and the
// mapping of deadline expiry to ErrReasonerTimeout.
type Reasoner interface {
	Invoke(ctx context.Context, role, payload string, schema *Schema) (json.RawMessage, error)
}
