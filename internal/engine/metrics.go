package engine

import "expvar"

// Pipeline counters, published on the standard expvar endpoint. Monotonic
// over the process lifetime.
var (
	// ordersTotal counts every order accepted into the ledger, including
	// risk-rejected ones.
	ordersTotal = expvar.NewInt("orders_total")
	// fillsTotal counts executions persisted to the ledger.
	fillsTotal = expvar.NewInt("fills_total")
	// riskBlocksTotal counts orders refused by pre-trade risk checks.
	riskBlocksTotal = expvar.NewInt("risk_blocks_total")
)
