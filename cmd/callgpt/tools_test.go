package main

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryanm/call-gpt/pkg/tools"
)

type recordingTransferer struct {
	callSID, to string
	err         error
}

func (r *recordingTransferer) TransferCall(_ context.Context, callSID, to string) error {
	r.callSID, r.to = callSID, to
	return r.err
}

func decode(t *testing.T, s string) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(s), &out))
	return out
}

func TestStoreCatalogDefinitions(t *testing.T) {
	c := NewStoreCatalog(tools.Options{}, nil, "")
	assert.Equal(t, []string{"checkInventory", "checkPrice", "placeOrder", "transferCall"}, c.Names())
	for _, name := range c.Names() {
		tool, ok := c.Lookup(name)
		require.True(t, ok)
		assert.NotEmpty(t, tool.Filler, name)
	}
}

func TestInventoryAndPrice(t *testing.T) {
	c := NewStoreCatalog(tools.Options{}, nil, "")
	ctx := context.Background()

	out, err := c.Invoke(ctx, "checkInventory", map[string]any{"model": "airpods max"})
	require.NoError(t, err)
	assert.EqualValues(t, 0, decode(t, out)["stock"])

	out, err = c.Invoke(ctx, "checkPrice", map[string]any{"model": "airpods pro"})
	require.NoError(t, err)
	assert.EqualValues(t, 249, decode(t, out)["price"])
}

func TestPlaceOrderAddsTax(t *testing.T) {
	c := NewStoreCatalog(tools.Options{}, nil, "")
	out, err := c.Invoke(context.Background(), "placeOrder", map[string]any{"model": "airpods", "quantity": float64(2)})
	require.NoError(t, err)
	res := decode(t, out)
	assert.EqualValues(t, 321, res["price"])
	assert.GreaterOrEqual(t, res["orderNumber"].(float64), float64(1000000))
}

func TestSchemaRejectsUnknownModel(t *testing.T) {
	c := NewStoreCatalog(tools.Options{}, nil, "")
	_, err := c.Invoke(context.Background(), "checkPrice", map[string]any{"model": "earbuds"})
	require.Error(t, err)
}

func TestTransferCall(t *testing.T) {
	tr := &recordingTransferer{}
	c := NewStoreCatalog(tools.Options{}, tr, "+15550100")
	out, err := c.Invoke(context.Background(), "transferCall", map[string]any{"callSid": "CA42"})
	require.NoError(t, err)
	assert.Contains(t, out, "transferred successfully")
	assert.Equal(t, "CA42", tr.callSID)
	assert.Equal(t, "+15550100", tr.to)

	tr.err = errors.New("twilio down")
	_, err = c.Invoke(context.Background(), "transferCall", map[string]any{"callSid": "CA42"})
	assert.Error(t, err)
}

func TestTransferCallWithoutNumber(t *testing.T) {
	c := NewStoreCatalog(tools.Options{}, nil, "")
	out, err := c.Invoke(context.Background(), "transferCall", map[string]any{"callSid": "CA42"})
	require.NoError(t, err)
	assert.Contains(t, out, "No live agent")
}
