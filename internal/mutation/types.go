package mutation

// Type identifies the business action a mutation records.
type Type string

const (
	TypeOpenTab       Type = "OPEN_TAB"
	TypeAddItem       Type = "ADD_ITEM"
	TypeUpdateItemQty Type = "UPDATE_ITEM_QTY"
	TypeRemoveItem    Type = "REMOVE_ITEM"
	TypeKitchenPrint  Type = "KITCHEN_PRINT"
	TypeCloseTabPaid  Type = "CLOSE_TAB_PAID"
	TypeCancelTab     Type = "CANCEL_TAB"

	// Sale-side mutations share the outbox but are produced outside the tab flow.
	TypeSaleCreate  Type = "SALE_CREATE"
	TypeSaleReprint Type = "SALE_REPRINT"
	TypeSaleCancel  Type = "SALE_CANCEL"
)

var validTypes = map[Type]bool{
	TypeOpenTab:       true,
	TypeAddItem:       true,
	TypeUpdateItemQty: true,
	TypeRemoveItem:    true,
	TypeKitchenPrint:  true,
	TypeCloseTabPaid:  true,
	TypeCancelTab:     true,
	TypeSaleCreate:    true,
	TypeSaleReprint:   true,
	TypeSaleCancel:    true,
}

// Valid reports whether t is a known mutation type.
func (t Type) Valid() bool {
	return validTypes[t]
}

// Status is the delivery state of an outbox row.
//
//	PENDING -> SENT -> ACKED            terminal success
//	PENDING|SENT -> FAILED              retried on the next tick
//	PENDING|SENT|FAILED -> CONFLICT     needs external resolution
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusSent     Status = "SENT"
	StatusAcked    Status = "ACKED"
	StatusFailed   Status = "FAILED"
	StatusConflict Status = "CONFLICT"
)

// AllStatuses lists every outbox status in lifecycle order.
var AllStatuses = []Status{StatusPending, StatusSent, StatusAcked, StatusFailed, StatusConflict}

// Valid reports whether s is a known outbox status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusSent, StatusAcked, StatusFailed, StatusConflict:
		return true
	}
	return false
}
