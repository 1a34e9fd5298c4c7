package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Provider holds the counters shared by the approval gateway, the tool
// executor, the MCP manager and the conversation loop. A nil *Provider is
// valid and records nothing.
type Provider struct {
	registry *prometheus.Registry

	toolCalls        *prometheus.CounterVec
	approvals        *prometheus.CounterVec
	mcpTransitions   *prometheus.CounterVec
	thoughtLimitHits prometheus.Counter
	iterationCutoffs prometheus.Counter
	messages         *prometheus.CounterVec
}

// New registers the gemdesk counters on registry. A nil registry yields a
// nil provider.
func New(registry *prometheus.Registry) *Provider {
	if registry == nil {
		return nil
	}

	p := &Provider{
		registry: registry,
		toolCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gemdesk_tool_calls_total",
				Help: "Total number of tool calls by tool and status",
			},
			[]string{"tool", "status"},
		),
		approvals: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gemdesk_approvals_total",
				Help: "Total number of approval decisions by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		mcpTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gemdesk_mcp_status_transitions_total",
				Help: "Total number of MCP connection status transitions by status",
			},
			[]string{"status"},
		),
		thoughtLimitHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gemdesk_thought_limit_trips_total",
			Help: "Total number of streams stopped by the thought ceiling",
		}),
		iterationCutoffs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gemdesk_iteration_cutoffs_total",
			Help: "Total number of messages stopped by the tool iteration budget",
		}),
		messages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gemdesk_messages_total",
				Help: "Total number of user messages by result",
			},
			[]string{"result"},
		),
	}

	registry.MustRegister(
		p.toolCalls,
		p.approvals,
		p.mcpTransitions,
		p.thoughtLimitHits,
		p.iterationCutoffs,
		p.messages,
	)

	return p
}

// Handler serves the registry in the Prometheus exposition format.
func (p *Provider) Handler() http.Handler {
	if p == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

func (p *Provider) IncrementToolCall(tool, status string) {
	if p != nil {
		p.toolCalls.WithLabelValues(tool, status).Inc()
	}
}

func (p *Provider) IncrementApproval(kind, outcome string) {
	if p != nil {
		p.approvals.WithLabelValues(kind, outcome).Inc()
	}
}

func (p *Provider) IncrementMCPTransition(status string) {
	if p != nil {
		p.mcpTransitions.WithLabelValues(status).Inc()
	}
}

func (p *Provider) IncrementThoughtLimit() {
	if p != nil {
		p.thoughtLimitHits.Inc()
	}
}

func (p *Provider) IncrementIterationCutoff() {
	if p != nil {
		p.iterationCutoffs.Inc()
	}
}

func (p *Provider) IncrementMessage(result string) {
	if p != nil {
		p.messages.WithLabelValues(result).Inc()
	}
}
