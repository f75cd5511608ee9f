package ledger

import (
	"testing"
	"time"

	"github.com/dgraph-io/badger/v3"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/desu777/stockstorm/internal/models"
)

func openTestLedger(t *testing.T) *BadgerLedger {
	t.Helper()
	opts := badger.DefaultOptions(t.TempDir())
	opts.Logger = nil
	db, err := badger.Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewBadgerLedger(db)
}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestOpenAndCloseTrade(t *testing.T) {
	l := openTestLedger(t)

	id, err := l.RecordOpen("bot-1", "lv2", d("50"), d("2"))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	open, err := l.OpenTrade("bot-1", "lv2")
	require.NoError(t, err)
	assert.Equal(t, id, open.ID)
	assert.Equal(t, models.TradeOpen, open.Status)
	assert.True(t, open.OpenPrice.Equal(d("50")))
	assert.True(t, open.OpenVolume.Equal(d("2")))

	closedAt := time.Now().UTC()
	require.NoError(t, l.RecordClose(id, d("60"), d("19.6"), closedAt))

	_, err = l.OpenTrade("bot-1", "lv2")
	assert.ErrorIs(t, err, ErrNotFound, "closed trades no longer match as open")

	list, err := l.ListByBot("bot-1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, models.TradeSold, list[0].Status)
	assert.True(t, list[0].ClosePrice.Equal(d("60")))
	assert.True(t, list[0].Profit.Equal(d("19.6")))
}

func TestRecordCloseRejectsAlreadyClosed(t *testing.T) {
	l := openTestLedger(t)

	id, err := l.RecordOpen("bot-1", "lv1", d("100"), d("1"))
	require.NoError(t, err)
	require.NoError(t, l.RecordClose(id, d("105"), d("4.9"), time.Now().UTC()))

	err = l.RecordClose(id, d("110"), d("9.8"), time.Now().UTC())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already closed")
}

func TestRecordCloseUnknownTrade(t *testing.T) {
	l := openTestLedger(t)
	err := l.RecordClose("no-such-id", d("1"), d("0"), time.Now().UTC())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOpenTradeScopedToBotAndLevel(t *testing.T) {
	l := openTestLedger(t)

	_, err := l.RecordOpen("bot-1", "lv1", d("100"), d("1"))
	require.NoError(t, err)
	_, err = l.RecordOpen("bot-2", "lv1", d("200"), d("0.5"))
	require.NoError(t, err)

	open, err := l.OpenTrade("bot-2", "lv1")
	require.NoError(t, err)
	assert.Equal(t, "bot-2", open.BotID)
	assert.True(t, open.OpenPrice.Equal(d("200")))

	_, err = l.OpenTrade("bot-1", "lv9")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListByBotOldestFirst(t *testing.T) {
	l := openTestLedger(t)

	first, err := l.RecordOpen("bot-1", "lv3", d("45"), d("6"))
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	second, err := l.RecordOpen("bot-1", "lv2", d("50"), d("5"))
	require.NoError(t, err)
	_, err = l.RecordOpen("bot-9", "lv1", d("99"), d("1"))
	require.NoError(t, err)

	list, err := l.ListByBot("bot-1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, first, list[0].ID)
	assert.Equal(t, second, list[1].ID)
}
