package models

// All lists every persisted model in dependency order.
func All() []any {
	return []any{
		&User{},
		&Restaurant{},
		&MenuItem{},
		&Order{},
		&OrderLineItem{},
		&OrderStatusHistory{},
		&Payment{},
		&DeliveryAssignment{},
		&Notification{},
		&OutboxEvent{},
		&OutboxDLQ{},
	}
}
