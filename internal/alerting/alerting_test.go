package alerting

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"CoverLedger/internal/core"
	"CoverLedger/internal/event"
	"CoverLedger/internal/testutil"

	"github.com/stretchr/testify/require"
)

func TestEscapeMarkdownV2(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"Hello World", "Hello World"},
		{"Hello_World", "Hello\\_World"},
		{"0.04", "0\\.04"},
		{"1, 2", "1, 2"},
		{"PoolIsPaused (seq 4)", "PoolIsPaused \\(seq 4\\)"},
		{"", ""},
		{"_*[]()~`>#+-=|{}.!", "\\_\\*\\[\\]\\(\\)\\~\\`\\>\\#\\+\\-\\=\\|\\{\\}\\.\\!"},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			require.Equal(t, tt.expected, escapeMarkdownV2(tt.input))
		})
	}
}

func TestNewTelegramSender_InvalidChatID(t *testing.T) {
	_, err := NewTelegramSender("", "not-a-number", 3, time.Second)
	require.Error(t, err)
}

func TestAlertsFor_ClaimPaid(t *testing.T) {
	live, persistChan, _ := testutil.NewCore(t)
	outputs := testutil.RunScenario(t, live, persistChan)

	var alerts []Alert
	for _, out := range outputs {
		alerts = append(alerts, AlertsFor(out)...)
	}
	require.Len(t, alerts, 1)
	require.Equal(t, KindClaim, alerts[0].Kind)
	require.Contains(t, alerts[0].Text, "0\\.04 USDT")
	require.Contains(t, alerts[0].Text, "cover 0")
}

func TestAlertsFor_RefusedClaim(t *testing.T) {
	live, persistChan, _ := testutil.NewCore(t)
	testutil.RunScenario(t, live, persistChan)

	_, err := live.ProcessEvent(&event.PayoutClaim{
		Header:  event.Header{Key: "claim-bad", Source: "claims", Seq: 2, Caller: testutil.ClaimManager, Time: testutil.Start + 21*testutil.Day},
		CoverID: 99,
		Amount:  1,
	})
	var rejected *core.RejectedError
	require.ErrorAs(t, err, &rejected)

	out := <-persistChan
	alerts := AlertsFor(out)
	require.Len(t, alerts, 1)
	require.Equal(t, KindClaimRejected, alerts[0].Kind)
	require.Contains(t, alerts[0].Text, "claim\\-bad")
}

type recordingSender struct {
	mu   sync.Mutex
	sent []string
	fail bool
	done chan struct{}
}

func (s *recordingSender) Send(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer func() { s.done <- struct{}{} }()
	if s.fail {
		return errors.New("telegram down")
	}
	s.sent = append(s.sent, text)
	return nil
}

func TestAlerter_DeliversQueuedAlerts(t *testing.T) {
	live, persistChan, _ := testutil.NewCore(t)
	outputs := testutil.RunScenario(t, live, persistChan)

	sender := &recordingSender{done: make(chan struct{}, 4)}
	a := NewAlerter(sender, 4, nil)
	a.Enqueue(outputs)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	select {
	case <-sender.done:
	case <-time.After(5 * time.Second):
		t.Fatal("alert not delivered")
	}
	sender.mu.Lock()
	defer sender.mu.Unlock()
	require.Len(t, sender.sent, 1)
}
