package domain

// Signal is produced inside a committed transaction and dispatched afterwards.
type Signal interface {
	signal()
}

type CardPaymentProcessingStarted struct {
	PaymentKey string
	OrderID    int64
}

type PointPaymentRequested struct {
	PaymentKey string
	OrderID    int64
}

func (CardPaymentProcessingStarted) signal() {}
func (PointPaymentRequested) signal()        {}
