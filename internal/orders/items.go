package orders

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/angelmondragon/grubhaul-backend/pkg/db/models"
	pkgerrors "github.com/angelmondragon/grubhaul-backend/pkg/errors"
)

func validateItems(items []LineItemInput) error {
	if len(items) == 0 {
		return pkgerrors.New(pkgerrors.CodeValidation, "validation failed").
			WithDetails(map[string]string{"items": "at least one item is required"})
	}
	fields := map[string]string{}
	for i, item := range items {
		if item.Quantity < 1 {
			fields[fmt.Sprintf("items[%d].quantity", i)] = "must be at least 1"
		}
		if item.UnitPrice.IsNegative() {
			fields[fmt.Sprintf("items[%d].unit_price", i)] = "must be non-negative"
		}
		if item.Name == "" {
			fields[fmt.Sprintf("items[%d].name", i)] = "is required"
		}
	}
	if len(fields) > 0 {
		return pkgerrors.New(pkgerrors.CodeValidation, "validation failed").WithDetails(fields)
	}
	return nil
}

// snapshotItems copies the submitted prices onto line items and sums the total.
// The total is fixed here and never recomputed.
func snapshotItems(items []LineItemInput) ([]models.OrderLineItem, decimal.Decimal) {
	total := decimal.Zero
	out := make([]models.OrderLineItem, 0, len(items))
	for _, item := range items {
		price := item.UnitPrice.Round(2)
		total = total.Add(price.Mul(decimal.NewFromInt(int64(item.Quantity))))
		out = append(out, models.OrderLineItem{
			MenuItemID:   item.MenuItemID,
			Name:         item.Name,
			UnitPrice:    price,
			Quantity:     item.Quantity,
			Instructions: item.Instructions,
		})
	}
	return out, total.Round(2)
}
