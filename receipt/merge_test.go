package receipt

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func intp(i int) *int {
	return &i
}

func TestApplyDeliveredBackfillsSent(t *testing.T) {
	require := require.New(t)
	r := &RecipientDeliveryRecord{}

	changed, err := r.Apply(KindDelivered, nil, At(1000))
	require.Nil(err)
	require.True(changed)
	require.Equal(At(1000), r.DeliveredAt)
	require.Equal(KnownUnspecified(), r.SentAt)
	require.Equal(Unknown(), r.ReadAt)
	require.NotNil(r.EngineMessageRef)
	require.Empty(*r.EngineMessageRef)
}

func TestApplyReadBackfillsEverything(t *testing.T) {
	require := require.New(t)
	r := &RecipientDeliveryRecord{}

	changed, err := r.Apply(KindRead, nil, At(2000))
	require.Nil(err)
	require.True(changed)
	require.Equal(At(2000), r.ReadAt)
	require.Equal(KnownUnspecified(), r.DeliveredAt)
	require.Equal(KnownUnspecified(), r.SentAt)
}

func TestApplyKeepsExistingEngineRef(t *testing.T) {
	require := require.New(t)
	ref := []byte{1, 2, 3}
	r := &RecipientDeliveryRecord{SentAt: At(10), EngineMessageRef: &ref}

	c, err := r.apply(KindDelivered, nil, At(20))
	require.Nil(err)
	require.Equal(changedDeliveredAt, c)
	require.Equal([]byte{1, 2, 3}, *r.EngineMessageRef)
	require.Equal(At(10), r.SentAt)
}

func TestApplyIsIdempotent(t *testing.T) {
	require := require.New(t)
	r := &RecipientDeliveryRecord{}

	_, err := r.Apply(KindDelivered, nil, At(1000))
	require.Nil(err)
	once := *r
	changed, err := r.Apply(KindDelivered, nil, At(1000))
	require.Nil(err)
	require.False(changed)
	require.Equal(once, *r)

	_, err = r.Apply(KindRead, intp(3), At(1500))
	require.Nil(err)
	withAttachment := *r
	withAttachment.AttachmentDelivered = r.AttachmentDelivered.Clone()
	withAttachment.AttachmentRead = r.AttachmentRead.Clone()
	changed, err = r.Apply(KindRead, intp(3), At(1500))
	require.Nil(err)
	require.False(changed)
	require.Equal(withAttachment, *r)
}

func TestApplyIsMonotonic(t *testing.T) {
	require := require.New(t)
	r := &RecipientDeliveryRecord{}

	_, err := r.Apply(KindRead, nil, At(2000))
	require.Nil(err)
	for _, ts := range []int64{0, 1, 1999, 2000, 5000} {
		changed, err := r.Apply(KindDelivered, nil, At(ts))
		require.Nil(err)
		require.False(changed)
		changed, err = r.Apply(KindRead, nil, At(ts))
		require.Nil(err)
		require.False(changed)
	}
	require.Equal(At(2000), r.ReadAt)
	require.Equal(KnownUnspecified(), r.DeliveredAt)
}

func TestApplyFirstWriteWins(t *testing.T) {
	require := require.New(t)
	r := &RecipientDeliveryRecord{}

	_, err := r.Apply(KindDelivered, nil, At(1000))
	require.Nil(err)
	changed, err := r.Apply(KindDelivered, nil, At(500))
	require.Nil(err)
	require.False(changed)
	require.Equal(At(1000), r.DeliveredAt)

	_, err = r.Apply(KindRead, nil, At(2000))
	require.Nil(err)
	require.Equal(At(1000), r.DeliveredAt)
	require.Equal(At(2000), r.ReadAt)
}

func TestApplyUnsetTimestampIsUnspecified(t *testing.T) {
	require := require.New(t)
	r := &RecipientDeliveryRecord{}

	_, err := r.Apply(KindDelivered, nil, Unknown())
	require.Nil(err)
	require.Equal(KnownUnspecified(), r.DeliveredAt)
	require.True(r.DeliveredAt.IsSet())
}

func TestApplyAttachmentIndependence(t *testing.T) {
	require := require.New(t)
	r := &RecipientDeliveryRecord{SentAt: At(10)}

	c, err := r.apply(KindDelivered, intp(2), At(1000))
	require.Nil(err)
	require.Equal(changedAttachmentDelivered, c)
	require.True(r.AttachmentDeliveredTo(2))
	require.False(r.AttachmentDeliveredTo(1))
	require.False(r.AttachmentReadBy(2))
	require.Equal(Unknown(), r.DeliveredAt)
	require.Equal(Unknown(), r.ReadAt)
	require.Nil(r.EngineMessageRef)
	require.Equal(At(10), r.SentAt)
}

func TestApplyAttachmentReadMarksDelivered(t *testing.T) {
	require := require.New(t)
	r := &RecipientDeliveryRecord{}

	c, err := r.apply(KindRead, intp(0), At(1000))
	require.Nil(err)
	require.True(c.has(changedAttachmentRead))
	require.True(c.has(changedAttachmentDelivered))
	require.True(r.AttachmentReadBy(0))
	require.True(r.AttachmentDeliveredTo(0))

	c, err = r.apply(KindDelivered, intp(0), At(1000))
	require.Nil(err)
	require.False(c.any())
}

func TestApplyOrderDoesNotChangeStages(t *testing.T) {
	require := require.New(t)
	type step struct {
		kind Kind
		idx  *int
	}
	steps := []step{{KindDelivered, nil}, {KindRead, intp(1)}, {KindRead, nil}, {KindDelivered, intp(0)}}

	forward := &RecipientDeliveryRecord{}
	for _, s := range steps {
		_, err := forward.Apply(s.kind, s.idx, At(100))
		require.Nil(err)
	}
	backward := &RecipientDeliveryRecord{}
	for i := len(steps) - 1; i >= 0; i-- {
		_, err := backward.Apply(steps[i].kind, steps[i].idx, At(100))
		require.Nil(err)
	}
	require.Equal(forward.SentAt.IsSet(), backward.SentAt.IsSet())
	require.Equal(forward.DeliveredAt.IsSet(), backward.DeliveredAt.IsSet())
	require.Equal(forward.ReadAt, backward.ReadAt)
	require.Equal(forward.AttachmentDelivered.Indexes(), backward.AttachmentDelivered.Indexes())
	require.Equal(forward.AttachmentRead.Indexes(), backward.AttachmentRead.Indexes())
}

func TestApplyRejectsBadInput(t *testing.T) {
	require := require.New(t)
	r := &RecipientDeliveryRecord{}

	_, err := r.Apply(Kind(7), nil, At(1))
	require.ErrorIs(err, ErrUnknownKind)
	_, err = r.Apply(KindDelivered, intp(-1), At(1))
	require.ErrorIs(err, ErrMalformedReceipt)
	require.Equal(RecipientDeliveryRecord{}, *r)
}
