package domain

import "time"

// Broadcast channel names.
const (
	ChannelInventory   = "inventory"
	ChannelPointOfSale = "point-of-sale"
)

const (
	EventInventoryChanged     = "inventory.changed"
	EventTransactionCompleted = "transaction.completed"
	EventTransactionVoided    = "transaction.voided"
	EventPaymentAdded         = "transaction.payment_added"
)

type Event struct {
	Channel string    `json:"channel"`
	Type    string    `json:"type"`
	At      time.Time `json:"at"`
	Payload any       `json:"payload"`
}

type InventoryChanged struct {
	Type          string `json:"type"`
	ProductID     string `json:"product_id"`
	ProductName   string `json:"product_name"`
	SKU           string `json:"sku"`
	OldQuantity   int    `json:"old_quantity"`
	NewQuantity   int    `json:"new_quantity"`
	Delta         int    `json:"delta"`
	Cause         string `json:"cause"`
	Reason        string `json:"reason"`
	Actor         string `json:"actor"`
	TransactionID string `json:"transaction_id,omitempty"`
}

func NewInventoryEvent(m StockMovement, at time.Time) Event {
	return Event{
		Channel: ChannelInventory,
		Type:    EventInventoryChanged,
		At:      at,
		Payload: InventoryChanged{
			Type:          EventInventoryChanged,
			ProductID:     m.ProductID,
			ProductName:   m.ProductName,
			SKU:           m.ProductSKU,
			OldQuantity:   m.OldQuantity,
			NewQuantity:   m.NewQuantity,
			Delta:         m.Delta,
			Cause:         m.Cause,
			Reason:        m.Reason,
			Actor:         m.Actor,
			TransactionID: m.TransactionID,
		},
	}
}

func NewTransactionEvent(eventType string, tx Transaction, at time.Time) Event {
	return Event{
		Channel: ChannelPointOfSale,
		Type:    eventType,
		At:      at,
		Payload: tx,
	}
}
