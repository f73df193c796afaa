package order

import (
	"encoding/json"
	"time"

	"github.com/wfchen/durable/define"
)

const (
	StageOrderProcessing = "order_processing"
	StageInventoryCheck  = "inventory_check"
	StageApproval        = "approval"
	StagePayment         = "payment"
	StageInventoryUpdate = "inventory_update"
)

// timestamps inside the status document use ISO-8601 with milliseconds
const isoTimestamp = "2006-01-02T15:04:05.000Z"

var stageDescriptions = map[string]string{
	StageOrderProcessing: "Processing the order through various stages including inventory check, approval, payment, and inventory update",
	StageInventoryCheck:  "Verifying if requested items are available in sufficient quantity",
	StageApproval:        "Getting approval for high-value orders exceeding $5000",
	StagePayment:         "Processing payment for the order",
	StageInventoryUpdate: "Updating inventory levels after successful payment",
}

// statusTracker builds the custom status projection of one saga run. Stages
// appear in the order they are first reached, their message lists only grow,
// and a stage leaving the running status gets its completion time stamped.
type statusTracker struct {
	updates []define.StatusUpdate
}

func newStatusTracker() *statusTracker {
	return &statusTracker{}
}

func (t *statusTracker) add(stage string, now time.Time, message string, status string) *define.StatusDocument {
	timestamp := now.UTC().Format(isoTimestamp)

	idx := -1
	for i := range t.updates {
		if t.updates[i].Stage == stage {
			idx = i
			break
		}
	}

	if idx == -1 {
		description, ok := stageDescriptions[stage]
		if !ok {
			description = "No description available"
		}
		update := define.StatusUpdate{
			Stage:       stage,
			Description: description,
			Status:      status,
			Messages: []define.StatusMessage{{
				Text:      message,
				Timestamp: timestamp,
			}},
			StartedAt: timestamp,
		}
		if status != define.StageStatusRunning {
			update.CompletedAt = timestamp
		}
		t.updates = append(t.updates, update)
	} else {
		update := &t.updates[idx]
		update.Messages = append(update.Messages, define.StatusMessage{
			Text:      message,
			Timestamp: timestamp,
		})
		if status != define.StageStatusRunning {
			update.Status = status
			update.CompletedAt = timestamp
		}
	}

	return &define.StatusDocument{Updates: t.updates}
}

// DecodeStatus parses a serialized status projection back into its stage
// updates. An empty projection decodes to no updates.
func DecodeStatus(raw string) ([]define.StatusUpdate, error) {
	if raw == "" {
		return nil, nil
	}
	doc := &define.StatusDocument{}
	if err := json.Unmarshal([]byte(raw), doc); err != nil {
		return nil, err
	}
	return doc.Updates, nil
}
