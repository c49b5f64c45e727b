package api

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"sentinel-oracle/internal/status"
)

// Responder answers free-text questions about the monitored assets.
type Responder interface {
	Respond(ctx context.Context, message string, asset status.AssetStatus, snap status.Snapshot) (string, error)
}

// RuleResponder matches keywords against the tracker state.
type RuleResponder struct{}

var _ Responder = RuleResponder{}

// Respond implements Responder. Rules are checked in order; the first match wins.
func (RuleResponder) Respond(_ context.Context, message string, st status.AssetStatus, snap status.Snapshot) (string, error) {
	msg := strings.ToLower(message)
	asset := st.Asset
	price := deref(st.LastPrice)

	switch {
	case containsAny(msg, "status", "how"):
		if st.IsAnomalous {
			return fmt.Sprintf("ALERT: anomaly detected in %s. %s. The current price is $%.2f. Proceed with caution.", asset, st.LastReason, price), nil
		}
		return fmt.Sprintf("Everything looks normal for %s. Price is $%.2f with a z-score of %.2f. No anomalies detected.", asset, price, deref(st.LastZScore)), nil

	case containsAny(msg, "safe", "risk"):
		if st.IsAnomalous {
			return fmt.Sprintf("HIGH RISK: %s shows anomalous behavior. Consider enabling stop-loss protection.", asset), nil
		}
		return fmt.Sprintf("LOW RISK: %s market conditions appear stable.", asset), nil

	case containsAny(msg, "why", "explain"):
		if st.IsAnomalous {
			return fmt.Sprintf("%s was flagged because: %s. The price deviates %.2f standard deviations from the window mean.", asset, st.LastReason, math.Abs(deref(st.LastZScore))), nil
		}
		return fmt.Sprintf("The current %s price is within normal ranges for the recent window. No significant deviation.", asset), nil

	case strings.Contains(msg, "price") || mentionsAsset(msg, snap.SupportedAssets):
		updated := "never"
		if st.LastUpdate != nil {
			updated = st.LastUpdate.UTC().Format(time.RFC3339)
		}
		return fmt.Sprintf("The current %s price is $%.2f. Last updated: %s", asset, price, updated), nil

	case containsAny(msg, "hello", "hi"):
		return fmt.Sprintf("Hello! I'm Sentinel, the oracle guardian. I monitor %d assets: %s. Ask me about price status, risks, or anomalies!",
			len(snap.SupportedAssets), strings.Join(snap.SupportedAssets, ", ")), nil

	case strings.Contains(msg, "help"):
		return fmt.Sprintf("I can help you with:\n"+
			"- Current status: \"How is %[1]s doing?\"\n"+
			"- Risk assessment: \"Is my %[1]s position safe?\"\n"+
			"- Explanations: \"Why did you flag an anomaly?\"\n"+
			"- Price info: \"What's the current %[1]s price?\"\n"+
			"- Overview: \"Show me all assets\"", asset), nil

	case containsAny(msg, "all", "overview"):
		var b strings.Builder
		b.WriteString("Multi-asset overview:\n")
		for _, sym := range snap.SupportedAssets {
			other := snap.Assets[sym]
			state := "normal"
			if other.IsAnomalous {
				state = "ANOMALOUS"
			}
			fmt.Fprintf(&b, "- %s: $%.2f (%s)\n", sym, deref(other.LastPrice), state)
		}
		return b.String(), nil
	}

	return fmt.Sprintf("I'm monitoring %s. Current price: $%.2f. Ask me about status, risks, or anomalies!", asset, price), nil
}

func containsAny(msg string, words ...string) bool {
	for _, w := range words {
		if strings.Contains(msg, w) {
			return true
		}
	}
	return false
}

func mentionsAsset(msg string, symbols []string) bool {
	for _, sym := range symbols {
		base := strings.ToLower(strings.SplitN(sym, "/", 2)[0])
		if base != "" && strings.Contains(msg, base) {
			return true
		}
	}
	return false
}

func deref(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}
