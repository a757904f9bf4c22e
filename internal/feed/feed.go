// Package feed defines the abstract market-data stream the price engine
// consumes. The core treats gaps in the stream as missing data, not
// errors; reconnect and sequencing are the adapter's responsibility.
package feed

import (
	"context"

	"marketmaker/pkg/types"
)

// Source is a market-data adapter. Run blocks (reconnecting internally as
// needed) until ctx is cancelled; Samples delivers raw quotes as they
// arrive.
type Source interface {
	Run(ctx context.Context) error
	Samples() <-chan types.Sample
}
