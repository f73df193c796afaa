package define

// OrderPayload is the client submitted order request.
type OrderPayload struct {
	ItemName  string  `json:"itemName"`
	Quantity  int     `json:"quantity"`
	TotalCost float64 `json:"totalCost"`
}

// OrderNotification carries a human readable progress message to the notifier.
type OrderNotification struct {
	Message string `json:"message"`
}

// InventoryItem is one stocked item in the state store, keyed by name.
type InventoryItem struct {
	ItemName    string  `json:"itemName"`
	PerItemCost float64 `json:"perItemCost"`
	Quantity    int     `json:"quantity"`
}

// InventoryRequest asks for a reservation check or a decrement of stock.
type InventoryRequest struct {
	RequestId string `json:"requestId"`
	ItemName  string `json:"itemName"`
	Quantity  int    `json:"quantity"`
}

// InventoryResult reports the outcome of an inventory check or update.
// Success false is a business result, not an activity fault.
type InventoryResult struct {
	Success bool           `json:"success"`
	Item    *InventoryItem `json:"item,omitempty"`
}

// OrderPaymentRequest is a payment attempt for an order.
type OrderPaymentRequest struct {
	RequestId string  `json:"requestId"`
	ItemName  string  `json:"itemName"`
	Amount    float64 `json:"amount"`
	Quantity  int     `json:"quantity"`
}

// OrderResult is the terminal outcome of one order saga.
type OrderResult struct {
	Success bool `json:"success"`
}
