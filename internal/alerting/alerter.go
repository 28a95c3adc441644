package alerting

import (
	"context"
	"fmt"
	"strings"

	"CoverLedger/internal/core"
	"CoverLedger/internal/event"
	"CoverLedger/internal/ledger"
	"CoverLedger/internal/observability"
	"CoverLedger/internal/query"

	"github.com/rs/zerolog"
)

// Alert kinds, also the metric label.
const (
	KindClaim         = "claim"
	KindForcedExpiry  = "forced_expiry"
	KindClaimRejected = "claim_rejected"
)

type Alert struct {
	Kind     string
	Sequence int64
	Text     string
}

// Alerter turns committed outputs into operator alerts. It hangs off the
// persistence commit hook and never blocks it.
type Alerter struct {
	sender  Sender
	queue   chan Alert
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewAlerter(sender Sender, queueSize int, metrics *observability.Metrics) *Alerter {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Alerter{
		sender:  sender,
		queue:   make(chan Alert, queueSize),
		metrics: metrics,
		logger:  observability.NewLogger("alerting"),
	}
}

// Enqueue inspects committed outputs and queues any alerts they raise.
func (a *Alerter) Enqueue(outputs []core.CoreOutput) {
	for _, out := range outputs {
		for _, alert := range AlertsFor(out) {
			select {
			case a.queue <- alert:
			default:
				a.logger.Warn().Str("kind", alert.Kind).Int64("seq", alert.Sequence).Msg("alert queue full, alert dropped")
				if a.metrics != nil {
					a.metrics.AlertErrors.Inc()
				}
			}
		}
	}
}

// Run delivers queued alerts until ctx is cancelled.
func (a *Alerter) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case alert := <-a.queue:
			if err := a.sender.Send(alert.Text); err != nil {
				a.logger.Error().Err(err).Str("kind", alert.Kind).Int64("seq", alert.Sequence).Msg("alert not delivered")
				if a.metrics != nil {
					a.metrics.AlertErrors.Inc()
				}
				continue
			}
			if a.metrics != nil {
				a.metrics.AlertsSent.WithLabelValues(alert.Kind).Inc()
			}
		}
	}
}

// AlertsFor lists the alerts one output raises: a paid claim, the covers
// the claim forced to expire, or a claim payout the ledger refused.
func AlertsFor(out core.CoreOutput) []Alert {
	env := out.Envelope
	if env.EventType != event.EventTypePayoutClaim {
		return nil
	}
	seq := env.Sequence

	if env.Rejection != "" {
		return []Alert{{
			Kind:     KindClaimRejected,
			Sequence: seq,
			Text: fmt.Sprintf("⛔ *Claim payout refused*\nseq %d, key `%s`\nreason: `%s`",
				seq, escapeMarkdownV2(env.IdempotencyKey), escapeMarkdownV2(env.Rejection)),
		}}
	}

	r := out.Receipt
	if r == nil || r.Claim == nil || out.Delta == nil {
		return nil
	}
	var alerts []Alert
	for _, comp := range out.Delta.Compensations {
		if comp.ID != r.Claim.CompensationID {
			continue
		}
		asset := poolAsset(out.Delta, comp.FromPoolID)
		pools := make([]string, len(r.Claim.AffectedPools))
		for i, id := range r.Claim.AffectedPools {
			pools[i] = fmt.Sprint(id)
		}
		alerts = append(alerts, Alert{
			Kind:     KindClaim,
			Sequence: seq,
			Text: fmt.Sprintf("🚨 *Claim paid*\npool %d, cover %d\namount: *%s %s*\nratio: %s\naffected pools: %s",
				comp.FromPoolID, comp.CoverID,
				escapeMarkdownV2(query.FormatAmount(asset, comp.Amount)), asset,
				escapeMarkdownV2(event.FormatRay(&comp.Ratio)),
				escapeMarkdownV2(strings.Join(pools, ", "))),
		})
	}
	if len(r.Claim.ForcedExpiries) > 0 {
		ids := make([]string, len(r.Claim.ForcedExpiries))
		for i, id := range r.Claim.ForcedExpiries {
			ids[i] = fmt.Sprint(id)
		}
		alerts = append(alerts, Alert{
			Kind:     KindForcedExpiry,
			Sequence: seq,
			Text: fmt.Sprintf("⚠️ *Covers force\\-expired* after claim at seq %d\ncovers: %s",
				seq, escapeMarkdownV2(strings.Join(ids, ", "))),
		})
	}
	return alerts
}

func poolAsset(d *core.Delta, poolID uint64) string {
	for _, p := range d.Pools {
		if p.ID == poolID {
			name, _ := ledger.GetAssetName(p.AssetID)
			return name
		}
	}
	return ""
}
