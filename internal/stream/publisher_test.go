package stream

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/shopspring/decimal"

	"agent-arena/pkg/types"
)

func TestNilPublisherIsSafe(t *testing.T) {
	t.Parallel()
	var p *Publisher
	p.Publish(context.Background(), types.OutcomeWager, "a1", decimal.NewFromInt(5))
	p.Close()
}

func TestEmptyURLDisables(t *testing.T) {
	t.Parallel()
	if NewPublisher("", slog.New(slog.NewTextHandler(io.Discard, nil))) != nil {
		t.Error("empty url should return the nil publisher")
	}
}

func TestEventCodes(t *testing.T) {
	t.Parallel()
	cases := map[types.TickOutcome]string{
		types.OutcomeWager:               "W",
		types.OutcomeHeartbeat:           "H",
		types.OutcomeLiquidation:         "L",
		types.OutcomeLiquidationObserved: "L",
		types.OutcomeResearch:            "R",
		types.OutcomePortfolio:           "R",
	}
	for outcome, want := range cases {
		if got := eventCode(outcome); got != want {
			t.Errorf("eventCode(%s) = %q, want %q", outcome, got, want)
		}
	}
	if got := eventCode(types.TickOutcome("UNKNOWN")); got != "" {
		t.Errorf("unknown outcome mapped to %q", got)
	}
}

func TestPayloadShape(t *testing.T) {
	t.Parallel()
	amount := -0.5234
	ev := event{Timestamp: 1756000000, Event: "H", AgentID: "a1", Amount: &amount}
	blob, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"t":1756000000,"e":"H","b":"a1","a":-0.5234}`
	if string(blob) != want {
		t.Errorf("payload = %s, want %s", blob, want)
	}

	// Zero amounts are omitted entirely.
	blob, _ = json.Marshal(event{Timestamp: 1, Event: "L", AgentID: "a2"})
	if string(blob) != `{"t":1,"e":"L","b":"a2"}` {
		t.Errorf("payload without amount = %s", blob)
	}
}
