package notify

import (
	"fmt"
	"strings"

	"github.com/alanyoungcy/tradecore/internal/domain"
)

// Render formats an event for humans.
func Render(ev domain.Event) Message {
	var b strings.Builder
	line := func(format string, args ...any) {
		fmt.Fprintf(&b, format, args...)
		b.WriteByte('\n')
	}

	switch ev.Type {
	case domain.EventEntryPlaced, domain.EventEntryFilled:
		title := "Buy placed"
		if ev.Type == domain.EventEntryFilled {
			title = "Buy filled"
		}
		line("Pair: %s", ev.Pair)
		line("Amount: %.8f", ev.Amount)
		line("Rate: %.8f", ev.Rate)
		line("Stake: %.8f %s", ev.StakeAmount, ev.StakeCurrency)
		return Message{Title: fmt.Sprintf("%s #%d %s", title, ev.PositionID, ev.Pair), Body: strings.TrimRight(b.String(), "\n")}

	case domain.EventExitPlaced, domain.EventExitFilled:
		title := "Sell placed"
		if ev.Type == domain.EventExitFilled {
			title = "Sell filled"
		}
		sev := SeverityGood
		if ev.ProfitAbs < 0 {
			sev = SeverityBad
		}
		line("Pair: %s", ev.Pair)
		line("Reason: %s", ev.SellReason)
		line("Amount: %.8f", ev.Amount)
		line("Open rate: %.8f", ev.OpenRate)
		line("Close rate: %.8f", ev.Rate)
		line("Profit: %.2f%% (%.8f %s)", ev.ProfitRatio*100, ev.ProfitAbs, ev.StakeCurrency)
		return Message{Title: fmt.Sprintf("%s #%d %s", title, ev.PositionID, ev.Pair), Body: strings.TrimRight(b.String(), "\n"), Severity: sev}

	case domain.EventEntryCancelled, domain.EventExitCancelled:
		what := "buy"
		if ev.Type == domain.EventExitCancelled {
			what = "sell"
		}
		body := fmt.Sprintf("Unfilled %s order for %s cancelled", what, ev.Pair)
		if ev.Status != "" {
			body += ": " + ev.Status
		}
		return Message{Title: fmt.Sprintf("Order cancelled #%d %s", ev.PositionID, ev.Pair), Body: body}

	case domain.EventError:
		return Message{Title: "Error", Body: ev.Error, Severity: SeverityBad}

	default:
		return Message{Title: "Status", Body: ev.Status}
	}
}
