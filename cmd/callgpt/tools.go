package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"

	"github.com/ryanm/call-gpt/pkg/tools"
	"github.com/ryanm/call-gpt/pkg/transports"
)

const salesTaxRate = 0.079

var modelEnum = []string{"airpods", "airpods pro", "airpods max"}

var modelSchema = map[string]any{
	"type":        "string",
	"enum":        modelEnum,
	"description": "The model of airpods, either the airpods, airpods pro or airpods max",
}

// NewStoreCatalog returns the tools offered by the airpods store agent.
// transferTo may be empty, in which case transferCall reports that no one
// is available.
func NewStoreCatalog(opts tools.Options, transferer transports.CallTransferer, transferTo string) *tools.Catalog {
	return tools.NewCatalog(opts).MustRegister(
		tools.Tool{
			Name:        "checkInventory",
			Description: "Check the inventory of airpods, airpods pro or airpods max.",
			Filler:      "Let me check our inventory right now.",
			Schema: map[string]any{
				"type":       "object",
				"properties": map[string]any{"model": modelSchema},
				"required":   []string{"model"},
			},
			Handler: checkInventory,
		},
		tools.Tool{
			Name:        "checkPrice",
			Description: "Check the price of given model of airpods, airpods pro or airpods max.",
			Filler:      "Let me check the price, one moment.",
			Schema: map[string]any{
				"type":       "object",
				"properties": map[string]any{"model": modelSchema},
				"required":   []string{"model"},
			},
			Handler: checkPrice,
		},
		tools.Tool{
			Name:        "placeOrder",
			Description: "Places an order for a set of airpods.",
			Filler:      "All right, I'm just going to ring that up in our system.",
			Schema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"model": modelSchema,
					"quantity": map[string]any{
						"type":        "integer",
						"minimum":     1,
						"description": "The number of airpods they want to order",
					},
				},
				"required": []string{"model", "quantity"},
			},
			Handler: placeOrder,
		},
		tools.Tool{
			Name:        "transferCall",
			Description: "Transfers the customer to a live agent in case they request help from a real person.",
			Filler:      "One moment while I transfer your call.",
			Schema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"callSid": map[string]any{
						"type":        "string",
						"description": "The unique identifier for the active phone call.",
					},
				},
				"required": []string{"callSid"},
			},
			Handler: transferCall(transferer, transferTo),
		},
	)
}

func modelArg(args map[string]any) string {
	v, _ := args["model"].(string)
	return strings.ToLower(strings.TrimSpace(v))
}

func unitPrice(model string) int {
	switch {
	case strings.Contains(model, "pro"):
		return 249
	case strings.Contains(model, "max"):
		return 549
	default:
		return 149
	}
}

func checkInventory(_ context.Context, args map[string]any) (string, error) {
	model := modelArg(args)
	stock := 100
	switch {
	case strings.Contains(model, "pro"):
		stock = 10
	case strings.Contains(model, "max"):
		stock = 0
	}
	return toJSON(map[string]any{"stock": stock})
}

func checkPrice(_ context.Context, args map[string]any) (string, error) {
	return toJSON(map[string]any{"price": unitPrice(modelArg(args))})
}

func placeOrder(_ context.Context, args map[string]any) (string, error) {
	qty, ok := args["quantity"].(float64)
	if !ok || qty < 1 || qty != math.Trunc(qty) {
		return "", fmt.Errorf("quantity must be a positive whole number")
	}
	total := float64(unitPrice(modelArg(args))) * qty * (1 + salesTaxRate)
	return toJSON(map[string]any{
		"orderNumber": 1000000 + rand.Intn(9000000),
		"price":       math.Floor(total),
	})
}

func transferCall(transferer transports.CallTransferer, to string) tools.Handler {
	return func(ctx context.Context, args map[string]any) (string, error) {
		callSID, _ := args["callSid"].(string)
		if transferer == nil || strings.TrimSpace(to) == "" {
			return "No live agent is available right now, apologise and offer to keep helping.", nil
		}
		if strings.TrimSpace(callSID) == "" {
			return "", errors.New("callSid is required")
		}
		if err := transferer.TransferCall(ctx, callSID, to); err != nil {
			return "", err
		}
		return "The call was transferred successfully, say goodbye to the customer.", nil
	}
}

func toJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
