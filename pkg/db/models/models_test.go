package models

import (
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/angelmondragon/grubhaul-backend/pkg/enums"
	"github.com/angelmondragon/grubhaul-backend/pkg/types"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&Order{}, &OrderLineItem{}, &DeliveryAssignment{}, &Payment{}))
	return db
}

func TestOrderRoundTripKeepsSnapshotTotals(t *testing.T) {
	db := openTestDB(t)

	order := Order{
		CustomerID:        uuid.New(),
		CustomerName:      "Ada",
		CustomerEmail:     "ada@example.com",
		RestaurantID:      uuid.New(),
		RestaurantName:    "Noodle Bar",
		RestaurantOwnerID: uuid.New(),
		TotalAmount:       decimal.RequireFromString("22.97"),
		Status:            enums.OrderStatusPending,
		PaymentStatus:     enums.OrderPaymentStatusPending,
		PaymentMethod:     enums.PaymentMethodCard,
		DeliveryAddress:   types.Address{Line1: "1 Main St", City: "Austin", PostalCode: "78701"},
		Items: []OrderLineItem{
			{MenuItemID: uuid.New(), Name: "Ramen", UnitPrice: decimal.RequireFromString("12.99"), Quantity: 1},
		},
	}
	require.NoError(t, db.Create(&order).Error)
	assert.NotEqual(t, uuid.Nil, order.ID)
	assert.NotEqual(t, uuid.Nil, order.Items[0].ID)

	var loaded Order
	require.NoError(t, db.Preload("Items").First(&loaded, "id = ?", order.ID).Error)
	assert.True(t, loaded.TotalAmount.Equal(decimal.RequireFromString("22.97")))
	assert.Equal(t, "Austin", loaded.DeliveryAddress.City)
	require.Len(t, loaded.Items, 1)
	assert.True(t, loaded.Items[0].UnitPrice.Equal(decimal.RequireFromString("12.99")))
}

func TestDeliveryAssignmentOrderIsUnique(t *testing.T) {
	db := openTestDB(t)
	orderID := uuid.New()

	first := DeliveryAssignment{OrderID: orderID, CustomerID: uuid.New(), RestaurantOwnerID: uuid.New(), Status: enums.DeliveryStatusPending}
	require.NoError(t, db.Create(&first).Error)

	second := DeliveryAssignment{OrderID: orderID, CustomerID: uuid.New(), RestaurantOwnerID: uuid.New(), Status: enums.DeliveryStatusPending}
	assert.Error(t, db.Create(&second).Error)
}

func TestPaymentRefundableAmount(t *testing.T) {
	p := Payment{Amount: decimal.RequireFromString("20.00"), RefundedAmount: decimal.RequireFromString("7.50")}
	assert.True(t, p.RefundableAmount().Equal(decimal.RequireFromString("12.50")))
}

func TestUserDisplayName(t *testing.T) {
	assert.Equal(t, "Ada Lovelace", User{FirstName: "Ada", LastName: "Lovelace"}.DisplayName())
	assert.Equal(t, "Ada", User{FirstName: "Ada"}.DisplayName())
}
