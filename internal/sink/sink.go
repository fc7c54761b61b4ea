package sink

import (
	"context"
)

// Sink is the narrow append API of the external durable store. Rows are
// column-positional; batchToken is an idempotency key the sink may use
// to de-duplicate a retried batch.
type Sink interface {
	AppendRows(ctx context.Context, sinkID, batchToken string, rows [][]string) error
}
