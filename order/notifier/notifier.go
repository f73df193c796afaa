// Package notifier delivers human readable order progress messages.
package notifier

import (
	"context"

	logutil "github.com/wfchen/durable/common/log"
	"github.com/wfchen/durable/common/metrics"
	"github.com/wfchen/durable/define"
)

var (
	notifyCounter = metrics.NewCounterVec("durable", "order_notify", "order notifications", []string{"driver"})
)

type Notifier interface {
	Notify(ctx context.Context, n *define.OrderNotification) error
}

// logNotifier writes notifications to the service log.
type logNotifier struct{}

func NewLogNotifier() Notifier {
	return &logNotifier{}
}

func (ln *logNotifier) Notify(ctx context.Context, n *define.OrderNotification) error {
	notifyCounter.Inc("log")
	logutil.Logger(ctx).Sugar().Infof("order notification : %s", n.Message)
	return nil
}
