package transaction

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/fraudguard/internal/validation"
)

var now = time.Date(2024, 1, 15, 10, 30, 5, 0, time.UTC)

func validInput() Input {
	return Input{
		UserID:           "u1",
		Amount:           "150.00",
		Merchant:         "Online Store",
		MerchantCategory: "Retail",
		Timestamp:        "2024-01-15T10:30:00Z",
	}
}

func TestNew_Valid(t *testing.T) {
	tx, err := New(validInput(), now)
	require.NoError(t, err)

	assert.NotEmpty(t, tx.ID)
	assert.Equal(t, "u1", tx.UserID)
	assert.Equal(t, "150", tx.Amount.String())
	assert.Equal(t, "retail", tx.MerchantCategory)
	assert.Equal(t, StatusPending, tx.Status)
	assert.Nil(t, tx.FraudProbability)
	assert.Equal(t, time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC), tx.Timestamp)
	assert.Equal(t, now, tx.IngestedAt)
}

func TestNew_KeepsCallerID(t *testing.T) {
	in := validInput()
	in.ID = "txn_client_1"
	tx, err := New(in, now)
	require.NoError(t, err)
	assert.Equal(t, "txn_client_1", tx.ID)
}

func TestNew_NegativeAmount(t *testing.T) {
	in := validInput()
	in.Amount = "-10"

	_, err := New(in, now)
	var verrs validation.Errors
	require.ErrorAs(t, err, &verrs)
	require.Len(t, verrs, 1)
	assert.Equal(t, "amount", verrs[0].Field)
	assert.Equal(t, "must be positive number", verrs[0].Constraint)
}

func TestNew_ListsEveryFailingField(t *testing.T) {
	_, err := New(Input{Amount: "0", Timestamp: "yesterday", ID: "bad id"}, now)

	var verrs validation.Errors
	require.ErrorAs(t, err, &verrs)
	for _, f := range []string{"transaction_id", "user_id", "amount", "merchant", "timestamp"} {
		assert.True(t, verrs.Has(f), "expected %s to fail", f)
	}
	assert.False(t, verrs.Has("merchant_category"))
}

func TestNew_AmountPrecision(t *testing.T) {
	in := validInput()
	in.Amount = "1.2345"
	tx, err := New(in, now)
	require.NoError(t, err, "%d decimal places are accepted", MaxAmountDecimals)
	assert.Equal(t, "1.2345", tx.Amount.String())

	in.Amount = "1.23456"
	_, err = New(in, now)

	var verrs validation.Errors
	require.ErrorAs(t, err, &verrs)
	require.Len(t, verrs, 1)
	assert.Equal(t, validation.ConstraintDecimalPlaces, verrs[0].Constraint)
}

func TestNew_NormalizesMerchant(t *testing.T) {
	in := validInput()
	in.Merchant = "  Cafe\u0301 Paris\x00 "

	tx, err := New(in, now)
	require.NoError(t, err)
	assert.Equal(t, "Caf\u00e9 Paris", tx.Merchant)
}

func TestParseStatus(t *testing.T) {
	s, ok := ParseStatus("HELD")
	assert.True(t, ok)
	assert.Equal(t, StatusHeld, s)

	_, ok = ParseStatus("cancelled")
	assert.False(t, ok)
}

func TestClone_IsDeep(t *testing.T) {
	p := 0.4
	d := now
	tx := &Transaction{ID: "txn_1", FraudProbability: &p, DecidedAt: &d}

	cp := tx.Clone()
	*cp.FraudProbability = 0.9
	*cp.DecidedAt = d.Add(time.Hour)

	assert.Equal(t, 0.4, *tx.FraudProbability)
	assert.Equal(t, now, *tx.DecidedAt)
}

func TestInput_UnmarshalAmount(t *testing.T) {
	tests := []struct {
		body string
		want string
	}{
		{`{"amount":150.00}`, "150.00"},
		{`{"amount":"150.00"}`, "150.00"},
		{`{"amount":-10}`, "-10"},
		{`{"amount":null}`, ""},
		{`{}`, ""},
	}
	for _, tt := range tests {
		var in Input
		require.NoError(t, json.Unmarshal([]byte(tt.body), &in), tt.body)
		assert.Equal(t, tt.want, in.Amount, tt.body)
	}

	var in Input
	require.NoError(t, json.Unmarshal([]byte(`{"user_id":"u1","merchant":"Shop","amount":5}`), &in))
	assert.Equal(t, "u1", in.UserID)
	assert.Equal(t, "Shop", in.Merchant)
}
