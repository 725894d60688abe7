package receipt

import "fmt"

// changes records which columns of a delivery record a merge touched.
type changes uint8

const (
	changedSentAt changes = 1 << iota
	changedDeliveredAt
	changedReadAt
	changedEngineMessageRef
	changedAttachmentDelivered
	changedAttachmentRead
)

func (c changes) any() bool {
	return c != 0
}

func (c changes) has(o changes) bool {
	return c&o != 0
}

// Apply merges one receipt into the record and reports whether anything changed. Every field is
// first-write-wins: a stage that is already set is never overwritten, whatever the incoming time.
// Setting a later stage back-fills unset earlier stages as known-unspecified. With an attachment
// index only that attachment's sets are touched.
func (r *RecipientDeliveryRecord) Apply(kind Kind, attachmentIndex *int, at Timestamp) (bool, error) {
	c, err := r.apply(kind, attachmentIndex, at)
	return c.any(), err
}

func (r *RecipientDeliveryRecord) apply(kind Kind, attachmentIndex *int, at Timestamp) (changes, error) {
	if kind != KindDelivered && kind != KindRead {
		return 0, fmt.Errorf("%w %d", ErrUnknownKind, kind)
	}
	if attachmentIndex != nil {
		i := *attachmentIndex
		if i < 0 || i > maxAttachmentIndex {
			return 0, fmt.Errorf("%w: attachment index %d", ErrMalformedReceipt, i)
		}
		if kind == KindDelivered {
			return r.markAttachmentDelivered(i), nil
		}
		return r.markAttachmentRead(i), nil
	}
	if !at.IsSet() {
		at = KnownUnspecified()
	}

	var c changes
	switch kind {
	case KindDelivered:
		if r.DeliveredAt.IsSet() {
			return 0, nil
		}
		r.DeliveredAt = at
		c |= changedDeliveredAt
	case KindRead:
		if r.ReadAt.IsSet() {
			return 0, nil
		}
		r.ReadAt = at
		c |= changedReadAt
		if !r.DeliveredAt.IsSet() {
			r.DeliveredAt = KnownUnspecified()
			c |= changedDeliveredAt
		}
	}
	if r.EngineMessageRef == nil {
		r.EngineMessageRef = &[]byte{}
		c |= changedEngineMessageRef
	}
	if !r.SentAt.IsSet() {
		r.SentAt = KnownUnspecified()
		c |= changedSentAt
	}
	return c, nil
}

func (r *RecipientDeliveryRecord) markAttachmentDelivered(i int) changes {
	if r.AttachmentDelivered.Set(i, true) {
		return changedAttachmentDelivered
	}
	return 0
}

func (r *RecipientDeliveryRecord) markAttachmentRead(i int) changes {
	var c changes
	if r.AttachmentRead.Set(i, true) {
		c |= changedAttachmentRead
	}
	return c | r.markAttachmentDelivered(i)
}
