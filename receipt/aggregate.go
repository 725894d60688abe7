package receipt

import "fmt"

// Status is the outward delivery status of a message or of one attachment, derived from all of its
// recipients. Later values rank higher and a derived status never moves down, since every input
// only ever gains stages.
type Status uint8

const (
	// not every recipient has it as sent yet
	StatusProcessing Status = iota
	StatusSent
	// delivered to at least one recipient
	StatusDelivered
	StatusDeliveredAll
	// read by at least one recipient
	StatusRead
	StatusReadAll
)

func (s Status) String() string {
	switch s {
	case StatusProcessing:
		return "processing"
	case StatusSent:
		return "sent"
	case StatusDelivered:
		return "delivered"
	case StatusDeliveredAll:
		return "delivered-all"
	case StatusRead:
		return "read"
	case StatusReadAll:
		return "read-all"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

type Aggregate struct {
	Message     Status
	Attachments []Status
}

// AggregateRecords derives message and attachment statuses from the delivery records of one
// message. It depends on nothing but its arguments.
func AggregateRecords(records []*RecipientDeliveryRecord, attachmentCount int) Aggregate {
	a := Aggregate{
		Message: derive(records,
			func(r *RecipientDeliveryRecord) bool { return r.SentAt.IsSet() },
			func(r *RecipientDeliveryRecord) bool { return r.DeliveredAt.IsSet() },
			func(r *RecipientDeliveryRecord) bool { return r.ReadAt.IsSet() },
		),
		Attachments: make([]Status, attachmentCount),
	}
	for i := 0; i != attachmentCount; i++ {
		idx := i
		a.Attachments[i] = derive(records,
			func(r *RecipientDeliveryRecord) bool { return r.SentAt.IsSet() },
			func(r *RecipientDeliveryRecord) bool { return r.AttachmentDeliveredTo(idx) },
			func(r *RecipientDeliveryRecord) bool { return r.AttachmentReadBy(idx) },
		)
	}
	return a
}

func derive(records []*RecipientDeliveryRecord, sent, delivered, read func(*RecipientDeliveryRecord) bool) Status {
	n := len(records)
	if n == 0 {
		return StatusProcessing
	}
	var sentCount, deliveredCount, readCount int
	for _, r := range records {
		if sent(r) {
			sentCount++
		}
		if delivered(r) {
			deliveredCount++
		}
		if read(r) {
			readCount++
		}
	}
	switch {
	case readCount == n:
		return StatusReadAll
	case readCount > 0:
		return StatusRead
	case deliveredCount == n:
		return StatusDeliveredAll
	case deliveredCount > 0:
		return StatusDelivered
	case sentCount == n:
		return StatusSent
	default:
		return StatusProcessing
	}
}
