package define

// StartOrderRequest starts one order saga. Id is optional, the service mints
// one when it is empty. Starting twice with the same id is rejected.
type StartOrderRequest struct {
	Id    string       `json:"id"`
	Order OrderPayload `json:"order"`
}

type StartOrderResponse struct {
	Id            string `json:"id"`
	RuntimeStatus string `json:"runtimeStatus"`
	Msg           string `json:"msg,omitempty"`
}

// ApprovalRequest is the external approval decision for a running instance.
type ApprovalRequest struct {
	Approved bool `json:"approved"`
}

// OrderStatusResponse is served to the polling client. Updates is the decoded
// custom status projection, CustomStatus the raw serialized document.
type OrderStatusResponse struct {
	Id            string         `json:"id"`
	RuntimeStatus string         `json:"runtimeStatus"`
	Output        *OrderResult   `json:"output,omitempty"`
	FailureReason string         `json:"failureReason,omitempty"`
	CustomStatus  string         `json:"customStatus,omitempty"`
	Updates       []StatusUpdate `json:"updates,omitempty"`
	Msg           string         `json:"msg,omitempty"`
}

// InventorySeedRequest stocks one item in the state store.
type InventorySeedRequest struct {
	ItemName    string  `json:"itemName"`
	PerItemCost float64 `json:"perItemCost"`
	Quantity    int     `json:"quantity"`
}
