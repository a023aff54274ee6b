package delivery

// ForwardWorker implements the Forward{service} delivery route of §4.5:
// the message is not delivered here at all, it is re-published onto the
// named downstream service's own delivery queue (§3.5's routing-key
// dispatch), and this hop always reports Relayed.
type ForwardWorker struct {
	service string
}

// NewForwardWorker builds a ForwardWorker targeting the named service.
func NewForwardWorker(service string) *ForwardWorker { return &ForwardWorker{service: service} }

// Deliver marks every recipient Relayed; the actual hand-off happens at
// the broker layer when the worker publishes this attempt's outcome.
func (w *ForwardWorker) Deliver(recipients []string) Attempt {
	per := make([]DeliveredRecipient, 0, len(recipients))
	for _, addr := range recipients {
		per = append(per, DeliveredRecipient{
			Address:    addr,
			Action:     ActionRelayed,
			Diagnostic: "relayed to service " + w.service,
		})
	}
	return Attempt{Recipients: recipients, PerRecipient: per}
}
