package services

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func ts(s string) time.Time {
	v, _ := time.Parse(time.RFC3339, s)
	return v
}

func TestStampRunningBalances(t *testing.T) {
	events := []CashEvent{
		{Type: "repayment", ID: 2, Timestamp: ts("2026-03-01T15:00:00Z"), Amount: dec("60")},
		{Type: "loan", ID: 1, Timestamp: ts("2026-03-01T10:00:00Z"), Amount: dec("-100")},
	}

	stamped := StampRunningBalances(events, dec("1000"))

	// Chronological after stamping: the loan first, then the repayment.
	assert.Equal(t, "loan", stamped[0].Type)
	assert.True(t, stamped[0].RunningBalance.Equal(dec("900")))
	assert.Equal(t, "repayment", stamped[1].Type)
	assert.True(t, stamped[1].RunningBalance.Equal(dec("960")))
}

func TestStampRunningBalances_TiesBreakOnID(t *testing.T) {
	same := ts("2026-03-01T10:00:00Z")
	events := []CashEvent{
		{Type: "income", ID: 9, Timestamp: same, Amount: dec("5")},
		{Type: "expense", ID: 3, Timestamp: same, Amount: dec("-5")},
	}

	stamped := StampRunningBalances(events, dec("0"))

	assert.Equal(t, 3, stamped[0].ID)
	assert.True(t, stamped[0].RunningBalance.Equal(dec("-5")))
	assert.True(t, stamped[1].RunningBalance.IsZero())
}

func TestStampRunningBalances_Idempotent(t *testing.T) {
	events := []CashEvent{
		{Type: "loan", ID: 1, Timestamp: ts("2026-03-01T10:00:00Z"), Amount: dec("-100")},
		{Type: "table_fee", ID: 2, Timestamp: ts("2026-03-01T16:00:00Z"), Amount: dec("200")},
		{Type: "repayment", ID: 3, Timestamp: ts("2026-03-02T11:00:00Z"), Amount: dec("60")},
	}

	once := StampRunningBalances(events, dec("500"))
	first := make([]CashEvent, len(once))
	copy(first, once)

	twice := StampRunningBalances(once, dec("500"))
	for i := range twice {
		assert.Equal(t, first[i].ID, twice[i].ID)
		assert.True(t, first[i].RunningBalance.Equal(twice[i].RunningBalance))
	}
	assert.True(t, twice[len(twice)-1].RunningBalance.Equal(dec("660")))
}

func TestSortDescending(t *testing.T) {
	events := []CashEvent{
		{ID: 1, Timestamp: ts("2026-03-01T10:00:00Z")},
		{ID: 3, Timestamp: ts("2026-03-02T10:00:00Z")},
		{ID: 2, Timestamp: ts("2026-03-02T10:00:00Z")},
	}

	out := sortDescending(events)

	assert.Equal(t, 3, out[0].ID, "same instant breaks on id, newest first")
	assert.Equal(t, 2, out[1].ID)
	assert.Equal(t, 1, out[2].ID)
}

func TestParseRange(t *testing.T) {
	t.Run("bare dates", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/cash-flow?start=2026-03-01&end=2026-03-05", nil)
		from, to, err := parseRange(req)
		assert.NoError(t, err)
		assert.Equal(t, ts("2026-03-01T00:00:00Z"), from.UTC())
		// A bare end date means the whole day inclusive.
		assert.Equal(t, ts("2026-03-06T00:00:00Z"), to.UTC())
	})

	t.Run("rfc3339", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/cash-flow?start=2026-03-01T09:30:00Z&end=2026-03-01T18:00:00Z", nil)
		from, to, err := parseRange(req)
		assert.NoError(t, err)
		assert.Equal(t, ts("2026-03-01T09:30:00Z"), from.UTC())
		assert.Equal(t, ts("2026-03-01T18:00:00Z"), to.UTC())
	})

	t.Run("inverted range", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/cash-flow?start=2026-03-05&end=2026-03-01", nil)
		_, _, err := parseRange(req)
		assert.Error(t, err)
	})

	t.Run("garbage", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/cash-flow?start=yesterday", nil)
		_, _, err := parseRange(req)
		assert.Error(t, err)
	})
}
