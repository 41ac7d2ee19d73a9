package services

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingGateway struct {
	mu          sync.Mutex
	calls       map[string]int
	captureErr  error
	transferErr error
}

func (g *countingGateway) hit(op string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.calls == nil {
		g.calls = map[string]int{}
	}
	g.calls[op]++
}

func (g *countingGateway) count(op string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[op]
}

func (g *countingGateway) CreateHold(_ context.Context, req HoldRequest) (string, error) {
	g.hit("hold")
	return fmt.Sprintf("pi_%d", g.count("hold")), nil
}

func (g *countingGateway) CaptureHold(_ context.Context, holdID, _ string) (*CaptureResult, error) {
	g.hit("capture")
	if g.captureErr != nil {
		return nil, g.captureErr
	}
	return &CaptureResult{HoldID: holdID, AmountCaptured: 1000, Status: "succeeded"}, nil
}

func (g *countingGateway) CancelHold(context.Context, string, string) error {
	g.hit("cancel")
	return nil
}

func (g *countingGateway) Transfer(context.Context, TransferRequest) (string, error) {
	g.hit("transfer")
	if g.transferErr != nil {
		return "", g.transferErr
	}
	return "tr_1", nil
}

func (g *countingGateway) Refund(context.Context, RefundRequest) (string, error) {
	g.hit("refund")
	return "re_1", nil
}

func (g *countingGateway) VerifyWebhook([]byte, string) (*WebhookEvent, error) {
	return &WebhookEvent{ID: "evt"}, nil
}

func openTestJournal(t *testing.T, next PaymentGateway) *JournaledGateway {
	t.Helper()
	path := filepath.Join(t.TempDir(), "journal.db")
	j, err := OpenJournal(path, next)
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func TestJournalReplaysSucceededCalls(t *testing.T) {
	next := &countingGateway{}
	j := openTestJournal(t, next)
	ctx := context.Background()

	first, err := j.CreateHold(ctx, HoldRequest{AmountMinor: 1000, IdempotencyKey: "escrow-1-hold"})
	require.NoError(t, err)
	second, err := j.CreateHold(ctx, HoldRequest{AmountMinor: 1000, IdempotencyKey: "escrow-1-hold"})
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, next.count("hold"))

	res, err := j.CaptureHold(ctx, first, "escrow-1-capture")
	require.NoError(t, err)
	again, err := j.CaptureHold(ctx, first, "escrow-1-capture")
	require.NoError(t, err)
	assert.Equal(t, res.HoldID, again.HoldID)
	assert.Equal(t, int64(1000), again.AmountCaptured)
	assert.Equal(t, 1, next.count("capture"))

	entry, err := j.Lookup("escrow-1-capture")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, CallSucceeded, entry.State)
	assert.Equal(t, "capture", entry.Operation)
	assert.NotNil(t, entry.FinishedAt)
}

func TestJournalRefusesReissueAfterUnknownOutcome(t *testing.T) {
	next := &countingGateway{transferErr: fmt.Errorf("%w: timeout", ErrOutcomeUnknown)}
	j := openTestJournal(t, next)
	ctx := context.Background()
	req := TransferRequest{AmountMinor: 950, Destination: "acct_1", IdempotencyKey: "escrow-1-transfer"}

	_, err := j.Transfer(ctx, req)
	require.ErrorIs(t, err, ErrOutcomeUnknown)

	next.transferErr = nil
	_, err = j.Transfer(ctx, req)
	require.ErrorIs(t, err, ErrOutcomeUnknown)
	assert.Equal(t, 1, next.count("transfer"))

	unresolved, err := j.Unresolved()
	require.NoError(t, err)
	require.Len(t, unresolved, 1)
	assert.Equal(t, "escrow-1-transfer", unresolved[0].Key)
	assert.Equal(t, CallUnknown, unresolved[0].State)
	assert.Contains(t, unresolved[0].Error, "timeout")
}

func TestJournalAllowsRetryAfterDefinitiveFailure(t *testing.T) {
	next := &countingGateway{captureErr: &GatewayError{Reason: "expired", StatusCode: 400}}
	j := openTestJournal(t, next)
	ctx := context.Background()

	_, err := j.CaptureHold(ctx, "pi_1", "escrow-1-capture")
	var gerr *GatewayError
	require.True(t, errors.As(err, &gerr))

	entry, err := j.Lookup("escrow-1-capture")
	require.NoError(t, err)
	assert.Equal(t, CallFailed, entry.State)

	next.captureErr = nil
	_, err = j.CaptureHold(ctx, "pi_1", "escrow-1-capture")
	require.NoError(t, err)
	assert.Equal(t, 2, next.count("capture"))

	unresolved, err := j.Unresolved()
	require.NoError(t, err)
	assert.Empty(t, unresolved)
}

func TestJournalSurvivesReopen(t *testing.T) {
	next := &countingGateway{}
	path := filepath.Join(t.TempDir(), "journal.db")
	ctx := context.Background()

	j, err := OpenJournal(path, next)
	require.NoError(t, err)
	_, err = j.Refund(ctx, RefundRequest{HoldID: "pi_1", IdempotencyKey: "escrow-1-refund"})
	require.NoError(t, err)
	require.NoError(t, j.Close())

	j, err = OpenJournal(path, next)
	require.NoError(t, err)
	defer j.Close()

	id, err := j.Refund(ctx, RefundRequest{HoldID: "pi_1", IdempotencyKey: "escrow-1-refund"})
	require.NoError(t, err)
	assert.Equal(t, "re_1", id)
	assert.Equal(t, 1, next.count("refund"))
}

func TestJournalPassesUnkeyedCallsThrough(t *testing.T) {
	next := &countingGateway{}
	j := openTestJournal(t, next)

	require.NoError(t, j.CancelHold(context.Background(), "pi_1", ""))
	require.NoError(t, j.CancelHold(context.Background(), "pi_1", ""))
	assert.Equal(t, 2, next.count("cancel"))

	entry, err := j.Lookup("")
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestJournalReadOnlyInspection(t *testing.T) {
	next := &countingGateway{transferErr: fmt.Errorf("%w: timeout", ErrOutcomeUnknown)}
	path := filepath.Join(t.TempDir(), "journal.db")

	j, err := OpenJournal(path, next)
	require.NoError(t, err)
	_, err = j.Transfer(context.Background(), TransferRequest{AmountMinor: 950, IdempotencyKey: "escrow-1-transfer"})
	require.ErrorIs(t, err, ErrOutcomeUnknown)
	require.NoError(t, j.Close())

	first, err := OpenJournalReadOnly(path)
	require.NoError(t, err)
	defer first.Close()
	second, err := OpenJournalReadOnly(path)
	require.NoError(t, err)
	defer second.Close()

	unresolved, err := first.Unresolved()
	require.NoError(t, err)
	require.Len(t, unresolved, 1)
	assert.Equal(t, "escrow-1-transfer", unresolved[0].Key)
	assert.Equal(t, int64(950), unresolved[0].Amount)

	entry, err := second.Lookup("escrow-1-transfer")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, CallUnknown, entry.State)
}

func TestJournalLockedByWriter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	j, err := OpenJournal(path, &countingGateway{})
	require.NoError(t, err)
	defer j.Close()

	_, err = OpenJournalReadOnly(path)
	assert.ErrorIs(t, err, ErrJournalLocked)

	_, err = OpenJournal(path, &countingGateway{})
	assert.ErrorIs(t, err, ErrJournalLocked)
}
