// Package metrics contains all application-logic metrics
package metrics

import (
	"fmt"

	"github.com/VictoriaMetrics/metrics"
)

var (
	pendingTxsSeen     = metrics.NewCounter("mempool_pending_txs_total")
	pendingSwapsFound  = metrics.NewCounter("mempool_swaps_decoded_total")
	blocksSeen         = metrics.NewCounter("blocks_seen_total")
	opportunitiesStale = metrics.NewCounter("opportunities_stale_total")
	executionsOk       = metrics.NewCounter("executions_success_total")
	executionsFailed   = metrics.NewCounter("executions_failed_total")
	queueFull          = metrics.NewCounter("workqueue_full_total")
)

func IncPendingTxSeen() {
	pendingTxsSeen.Inc()
}

func IncPendingSwapDecoded() {
	pendingSwapsFound.Inc()
}

func IncBlocksSeen() {
	blocksSeen.Inc()
}

func IncOpportunityFound(kind string) {
	metrics.GetOrCreateCounter(fmt.Sprintf(`opportunities_found_total{kind=%q}`, kind)).Inc()
}

func IncOpportunityExecuted(kind string) {
	executionsOk.Inc()
	metrics.GetOrCreateCounter(fmt.Sprintf(`executions_total{kind=%q}`, kind)).Inc()
}

// AddProfit accumulates estimated profit in ether per opportunity kind.
func AddProfit(kind string, eth float64) {
	metrics.GetOrCreateFloatCounter(fmt.Sprintf(`profit_eth_total{kind=%q}`, kind)).Add(eth)
}

func IncOpportunityStale() {
	opportunitiesStale.Inc()
}

func IncExecutionFailure() {
	executionsFailed.Inc()
}

func IncQueueFull() {
	queueFull.Inc()
}

func RecordRPCCallDuration(method string, duration int64) {
	metrics.GetOrCreateSummary(fmt.Sprintf(`rpc_call_duration_milliseconds{method=%q}`, method)).Update(float64(duration))
}

func IncRPCCallFailure(method string) {
	metrics.GetOrCreateCounter(fmt.Sprintf(`rpc_call_failures_total{method=%q}`, method)).Inc()
}

func RecordOpportunityQueueDuration(duration int64) {
	metrics.GetOrCreateSummary("opportunity_queue_duration_milliseconds").Update(float64(duration))
}

func RecordOpportunityProcessDuration(duration int64) {
	metrics.GetOrCreateSummary("opportunity_process_duration_milliseconds").Update(float64(duration))
}
