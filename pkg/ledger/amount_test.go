package ledger

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAmountRepeatedDeductionsDoNotDrift(t *testing.T) {
	bal := FromCredits(1)
	price := FromCredits(0.1)
	for i := 0; i < 10; i++ {
		bal -= price
	}
	assert.Equal(t, Amount(0), bal)
}

func TestParseAmount(t *testing.T) {
	a, err := ParseAmount("0.05")
	require.NoError(t, err)
	assert.Equal(t, Amount(50_000), a)
	assert.Equal(t, "0.05", a.String())

	_, err = ParseAmount("NaN")
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = ParseAmount("abc")
	assert.Error(t, err)
}

func TestAmountJSON(t *testing.T) {
	var b Balance
	require.NoError(t, json.Unmarshal([]byte(`{"account_id":"a","balance":2.5,"reserved":0.01,"total_spent":0}`), &b))
	assert.Equal(t, FromCredits(2.5), b.Balance)
	assert.Equal(t, Amount(10_000), b.Reserved)

	raw, err := json.Marshal(b)
	require.NoError(t, err)
	assert.JSONEq(t, `{"account_id":"a","balance":2.5,"reserved":0.01,"total_spent":0}`, string(raw))
}
