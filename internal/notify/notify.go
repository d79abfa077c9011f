package notify

import (
	"context"
	"errors"
	"time"
)

// ErrDeliveryFailed marks a transient transport failure. The scheduler
// retries these on later ticks while the reminder stays in its window.
var ErrDeliveryFailed = errors.New("delivery failed")

// Delivery is one reminder handed to a sink. The core supplies structured
// fields only; rendering the message text is the sink's concern.
type Delivery struct {
	RecipientID int64
	InstanceID  string
	Title       string
	StartUTC    time.Time
	Place       string
	Offset      time.Duration // how long before the event start this reminder fires
}

// Sink delivers reminder messages. Implementations must return nil only on
// confirmed success; the scheduler records the ledger entry based on that.
type Sink interface {
	Deliver(ctx context.Context, d Delivery) error
}
