package observability

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_MessageCounter(t *testing.T) {
	m := NewMetricsWithRegistry(prometheus.NewRegistry())

	m.MessageReceived("telegram", "inbound")
	m.MessageReceived("telegram", "inbound")
	m.MessageSent("discord")

	expected := `
		# HELP owlia_messages_total Total number of messages processed by channel and direction
		# TYPE owlia_messages_total counter
		owlia_messages_total{channel="discord",direction="outbound"} 1
		owlia_messages_total{channel="telegram",direction="inbound"} 2
	`
	if err := testutil.CollectAndCompare(m.MessageCounter, strings.NewReader(expected)); err != nil {
		t.Errorf("unexpected metric value: %v", err)
	}
}

func TestMetrics_ToolExecution(t *testing.T) {
	m := NewMetricsWithRegistry(prometheus.NewRegistry())

	m.RecordToolExecution("read_text_file", "success", 0.02)
	m.RecordToolExecution("read_text_file", "denied", 0.001)

	if count := testutil.CollectAndCount(m.ToolExecutionCounter); count != 2 {
		t.Errorf("expected 2 label combinations, got %d", count)
	}
}

func TestMetrics_LLMRequest(t *testing.T) {
	m := NewMetricsWithRegistry(prometheus.NewRegistry())

	m.RecordLLMRequest("anthropic", "claude-sonnet", "success", 1.5, 100, 50)

	expected := `
		# HELP owlia_llm_tokens_total Total number of tokens used by provider, model, and type
		# TYPE owlia_llm_tokens_total counter
		owlia_llm_tokens_total{model="claude-sonnet",provider="anthropic",type="completion"} 50
		owlia_llm_tokens_total{model="claude-sonnet",provider="anthropic",type="prompt"} 100
	`
	if err := testutil.CollectAndCompare(m.LLMTokensUsed, strings.NewReader(expected)); err != nil {
		t.Errorf("unexpected metric value: %v", err)
	}
}

func TestMetrics_GatewayEvents(t *testing.T) {
	m := NewMetricsWithRegistry(prometheus.NewRegistry())

	m.RecordGatewayEvent("stored")
	m.RecordGatewayEvent("stored")
	m.RecordGatewayEvent("acked")

	expected := `
		# HELP owlia_gateway_events_total Total number of gateway device events by lifecycle action
		# TYPE owlia_gateway_events_total counter
		owlia_gateway_events_total{action="acked"} 1
		owlia_gateway_events_total{action="stored"} 2
	`
	if err := testutil.CollectAndCompare(m.GatewayEventCounter, strings.NewReader(expected)); err != nil {
		t.Errorf("unexpected metric value: %v", err)
	}
}
