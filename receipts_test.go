package receipts

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/meow-io/go-receipts/config"
	"github.com/meow-io/go-receipts/crypto"
	"github.com/meow-io/go-receipts/ids"
	"github.com/meow-io/go-receipts/receipt"
	"github.com/meow-io/go-receipts/relay"
	heya_client "github.com/meow-io/heya/client"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

var password1 = "correct horse battery staple"

type fakeClient struct {
	sync.Mutex
	notifications chan interface{}
	bodies        map[uint64][]byte
	trimmed       []uint64
	wants         int
}

func (c *fakeClient) Notifications() chan interface{} {
	return c.notifications
}

func (c *fakeClient) Want(ctx context.Context, token []byte, seq uint64) (*heya_client.Message, error) {
	c.Lock()
	defer c.Unlock()
	c.wants++
	body, ok := c.bodies[seq]
	if !ok {
		return nil, nil
	}
	return &heya_client.Message{Body: body, Seq: seq}, nil
}

func (c *fakeClient) Trim(ctx context.Context, token []byte, seq uint64) (uint64, error) {
	c.Lock()
	defer c.Unlock()
	c.trimmed = append(c.trimmed, seq)
	return seq, nil
}

func (c *fakeClient) wanted() int {
	c.Lock()
	defer c.Unlock()
	return c.wants
}

func (c *fakeClient) trims() []uint64 {
	c.Lock()
	defer c.Unlock()
	return append([]uint64(nil), c.trimmed...)
}

func newReceipts(t *testing.T, opts ...Option) *Receipts {
	c := config.NewConfig(config.WithRootDir(t.TempDir()), config.WithLoggingPrefix("receipts"), config.WithRelayRetryMs(20))
	r, err := NewReceipts(c, append([]Option{WithRegisterer(prometheus.NewRegistry())}, opts...)...)
	require.Nil(t, err)
	key, err := r.NewKey(password1)
	require.Nil(t, err)
	require.True(t, r.New())
	require.Nil(t, r.Initialize(key))
	t.Cleanup(func() { _ = r.Shutdown() })
	return r
}

func waitFor(t *testing.T, r *Receipts, tester func(interface{}) bool) {
	timeout := time.After(5 * time.Second)
	for {
		select {
		case e := <-r.Updates():
			if tester(e) {
				return
			}
		case <-timeout:
			require.FailNow(t, "timed out waiting for update")
		}
	}
}

func sealed(t *testing.T, key, recipient []byte, kind receipt.Kind) []byte {
	b, err := receipt.NewPlaintextReceipt(recipient, kind, nil).Serialize()
	require.Nil(t, err)
	payload, err := crypto.SealReceipt(key, b)
	require.Nil(t, err)
	return payload
}

func track(t *testing.T, r *Receipts, owned, nonce, key []byte, recipients ...[]byte) ids.ID {
	msg := &receipt.TrackedMessage{ID: ids.NewID()}
	var records []*receipt.RecipientDeliveryRecord
	for _, recipient := range recipients {
		records = append(records, &receipt.RecipientDeliveryRecord{
			OwnedIdentity:      owned,
			RecipientIdentity:  recipient,
			ReturnReceiptNonce: nonce,
			ReturnReceiptKey:   key,
			SentAt:             receipt.At(500),
		})
	}
	require.Nil(t, r.Track(msg, records))
	return msg.ID
}

func TestLifecycle(t *testing.T) {
	require := require.New(t)
	c := config.NewConfig(config.WithRootDir(t.TempDir()), config.WithLoggingPrefix("receipts"))
	r, err := NewReceipts(c)
	require.Nil(err)
	key, err := r.NewKey(password1)
	require.Nil(err)

	_, err = r.Stalled()
	require.ErrorIs(err, receipt.ErrNotRunning)
	require.NotNil(r.Open(key))

	require.Nil(r.Initialize(key))
	require.True(r.Running())
	owned, nonce, rk := []byte("owned"), crypto.NewReceiptNonce(), crypto.NewReceiptKey()
	id := track(t, r, owned, nonce, rk, []byte("bob"))
	require.Nil(r.Shutdown())
	require.True(r.Initialized())

	require.Nil(r.Open(key))
	defer func() { require.Nil(r.Shutdown()) }()
	status, err := r.MessageStatus(id)
	require.Nil(err)
	require.Equal(receipt.StatusSent, status)
}

func TestReopenWithExistingDatabase(t *testing.T) {
	require := require.New(t)
	root := t.TempDir()
	c := config.NewConfig(config.WithRootDir(root), config.WithLoggingPrefix("receipts"))
	r, err := NewReceipts(c)
	require.Nil(err)
	key, err := r.NewKey(password1)
	require.Nil(err)
	require.Nil(r.Initialize(key))
	require.Nil(r.Shutdown())

	r2, err := NewReceipts(config.NewConfig(config.WithRootDir(root), config.WithLoggingPrefix("receipts")))
	require.Nil(err)
	require.True(r2.Initialized())
	key2, err := r2.NewKey(password1)
	require.Nil(err)
	require.Equal(key, key2)
	require.Nil(r2.Open(key2))
	require.Nil(r2.Shutdown())
}

func TestHandleIncomingWithoutRelay(t *testing.T) {
	require := require.New(t)
	r := newReceipts(t)
	owned, nonce, rk := []byte("owned"), crypto.NewReceiptNonce(), crypto.NewReceiptKey()
	bob := []byte("bob")
	id := track(t, r, owned, nonce, rk, bob)

	outcome, err := r.HandleIncoming(context.Background(), &receipt.ReceiptArrived{
		OwnedIdentity:    owned,
		ServerUID:        []byte("uid-1"),
		Nonce:            nonce,
		EncryptedPayload: sealed(t, rk, bob, receipt.KindRead),
		ServerTimestamp:  2000,
	})
	require.Nil(err)
	require.Equal(receipt.OutcomeMerged, outcome)

	waitFor(t, r, func(e interface{}) bool {
		u, ok := e.(*receipt.MessageStatusUpdate)
		return ok && u.MessageID == id && u.Status == receipt.StatusReadAll
	})
}

func TestStalledReceiptDrainsWhenTracked(t *testing.T) {
	require := require.New(t)
	r := newReceipts(t)
	owned, nonce, rk := []byte("owned"), crypto.NewReceiptNonce(), crypto.NewReceiptKey()
	bob := []byte("bob")

	outcome, err := r.HandleIncoming(context.Background(), &receipt.ReceiptArrived{
		OwnedIdentity:    owned,
		ServerUID:        []byte("uid-1"),
		Nonce:            nonce,
		EncryptedPayload: sealed(t, rk, bob, receipt.KindDelivered),
		ServerTimestamp:  2000,
	})
	require.Nil(err)
	require.Equal(receipt.OutcomeStashed, outcome)
	stats, err := r.StalledStats()
	require.Nil(err)
	require.Equal(1, stats.Count)

	id := track(t, r, owned, nonce, rk, bob)
	waitFor(t, r, func(e interface{}) bool {
		u, ok := e.(*receipt.MessageStatusUpdate)
		return ok && u.MessageID == id && u.Status == receipt.StatusDeliveredAll
	})
	require.Eventually(func() bool {
		stalled, err := r.Stalled()
		return err == nil && len(stalled) == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestReceiptsFromHeyaMailbox(t *testing.T) {
	require := require.New(t)
	client := &fakeClient{notifications: make(chan interface{}, 10), bodies: make(map[uint64][]byte)}
	r := newReceipts(t, WithRelayClient(client))
	owned, nonce, rk := []byte("owned"), crypto.NewReceiptNonce(), crypto.NewReceiptKey()
	bob := []byte("bob")
	token := bytes.Repeat([]byte{3}, 32)
	id := track(t, r, owned, nonce, rk, bob)
	require.Nil(r.AddMailbox(owned, token))

	body, err := (&relay.Envelope{Nonce: nonce, Payload: sealed(t, rk, bob, receipt.KindDelivered), Timestamp: 3000}).Serialize()
	require.Nil(err)
	client.Lock()
	client.bodies[0] = body
	client.Unlock()
	client.notifications <- &heya_client.Notification{Seq: 1, Token: token}

	waitFor(t, r, func(e interface{}) bool {
		u, ok := e.(*receipt.MessageStatusUpdate)
		return ok && u.MessageID == id && u.Status == receipt.StatusDeliveredAll
	})
	require.Eventually(func() bool {
		trims := client.trims()
		return len(trims) == 1 && trims[0] == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestAddMailboxNeedsRelayClient(t *testing.T) {
	require := require.New(t)
	r := newReceipts(t)
	require.NotNil(r.AddMailbox([]byte("owned"), bytes.Repeat([]byte{3}, 32)))
}

func TestRelayOptionsAreExclusive(t *testing.T) {
	require := require.New(t)
	c := config.NewConfig(config.WithRootDir(t.TempDir()), config.WithLoggingPrefix("receipts"))
	_, err := NewReceipts(c, WithRelayClient(&fakeClient{}), WithRelay(&countingRelay{}))
	require.NotNil(err)
}

type countingRelay struct {
	sync.Mutex
	deleted int
}

func (c *countingRelay) DeleteReceipt(ctx context.Context, ownedIdentity, serverUID []byte) error {
	c.Lock()
	defer c.Unlock()
	c.deleted++
	return nil
}

func TestCustomRelayIsAcknowledged(t *testing.T) {
	require := require.New(t)
	rel := &countingRelay{}
	r := newReceipts(t, WithRelay(rel))
	owned, nonce, rk := []byte("owned"), crypto.NewReceiptNonce(), crypto.NewReceiptKey()
	track(t, r, owned, nonce, rk, []byte("bob"))

	outcome, err := r.HandleIncoming(context.Background(), &receipt.ReceiptArrived{
		OwnedIdentity:    owned,
		ServerUID:        []byte("uid-1"),
		Nonce:            nonce,
		EncryptedPayload: sealed(t, rk, []byte("carol"), receipt.KindDelivered),
		ServerTimestamp:  2000,
	})
	require.Nil(err)
	require.Equal(receipt.OutcomeUnmatched, outcome)
	rel.Lock()
	defer rel.Unlock()
	require.Equal(1, rel.deleted)
}

func TestHeyaReceiptIsPulledAgainAfterStorageFailure(t *testing.T) {
	require := require.New(t)
	client := &fakeClient{notifications: make(chan interface{}, 10), bodies: make(map[uint64][]byte)}
	r := newReceipts(t, WithRelayClient(client))
	owned, nonce, rk := []byte("owned"), crypto.NewReceiptNonce(), crypto.NewReceiptKey()
	bob := []byte("bob")
	token := bytes.Repeat([]byte{4}, 32)
	id := track(t, r, owned, nonce, rk, bob)
	require.Nil(r.AddMailbox(owned, token))

	require.Nil(r.DB.Run("breaking status storage", func() error {
		_, err := r.DB.Tx.Exec("ALTER TABLE _message_statuses RENAME TO _message_statuses_moved")
		return err
	}))
	body, err := (&relay.Envelope{Nonce: nonce, Payload: sealed(t, rk, bob, receipt.KindDelivered), Timestamp: 3000}).Serialize()
	require.Nil(err)
	client.Lock()
	client.bodies[0] = body
	client.Unlock()
	client.notifications <- &heya_client.Notification{Seq: 1, Token: token}

	// pulled, failed, released and pulled again
	require.Eventually(func() bool { return client.wanted() >= 2 }, 5*time.Second, 10*time.Millisecond)
	require.Empty(client.trims())

	require.Nil(r.DB.Run("restoring status storage", func() error {
		_, err := r.DB.Tx.Exec("ALTER TABLE _message_statuses_moved RENAME TO _message_statuses")
		return err
	}))
	waitFor(t, r, func(e interface{}) bool {
		u, ok := e.(*receipt.MessageStatusUpdate)
		return ok && u.MessageID == id && u.Status == receipt.StatusDeliveredAll
	})
	require.Eventually(func() bool {
		trims := client.trims()
		return len(trims) == 1 && trims[0] == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestQueuedDrainSurvivesShutdown(t *testing.T) {
	require := require.New(t)
	r := newReceipts(t)
	owned, nonce, rk := []byte("owned"), crypto.NewReceiptNonce(), crypto.NewReceiptKey()
	bob := []byte("bob")

	outcome, err := r.HandleIncoming(context.Background(), &receipt.ReceiptArrived{
		OwnedIdentity:    owned,
		ServerUID:        []byte("uid-1"),
		Nonce:            nonce,
		EncryptedPayload: sealed(t, rk, bob, receipt.KindDelivered),
		ServerTimestamp:  2000,
	})
	require.Nil(err)
	require.Equal(receipt.OutcomeStashed, outcome)
	id := track(t, r, owned, nonce, rk, bob)
	require.Nil(r.Shutdown())

	key, err := r.NewKey(password1)
	require.Nil(err)
	require.Nil(r.Open(key))
	require.Eventually(func() bool {
		stalled, err := r.Stalled()
		return err == nil && len(stalled) == 0
	}, 5*time.Second, 10*time.Millisecond)
	status, err := r.MessageStatus(id)
	require.Nil(err)
	require.Equal(receipt.StatusDeliveredAll, status)
}

func TestShutdownWithoutReader(t *testing.T) {
	require := require.New(t)
	r := newReceipts(t)
	owned, rk := []byte("owned"), crypto.NewReceiptKey()
	for i := 0; i != 250; i++ {
		track(t, r, owned, crypto.NewReceiptNonce(), rk, []byte("bob"))
	}

	done := make(chan error, 1)
	go func() { done <- r.Shutdown() }()
	select {
	case err := <-done:
		require.Nil(err)
	case <-time.After(5 * time.Second):
		require.FailNow("shutdown blocked on unread updates")
	}
	require.True(r.Initialized())
}

func TestMalformedReceiptsAreListed(t *testing.T) {
	require := require.New(t)
	rel := &countingRelay{}
	r := newReceipts(t, WithRelay(rel))
	owned, nonce, rk := []byte("owned"), crypto.NewReceiptNonce(), crypto.NewReceiptKey()
	track(t, r, owned, nonce, rk, []byte("bob"))
	payload, err := crypto.SealReceipt(rk, []byte("not bencode"))
	require.Nil(err)

	outcome, err := r.HandleIncoming(context.Background(), &receipt.ReceiptArrived{
		OwnedIdentity:    owned,
		ServerUID:        []byte("uid-1"),
		Nonce:            nonce,
		EncryptedPayload: payload,
		ServerTimestamp:  2000,
	})
	require.Nil(err)
	require.Equal(receipt.OutcomeMalformed, outcome)
	malformed, err := r.Malformed()
	require.Nil(err)
	require.Len(malformed, 1)
	rel.Lock()
	defer rel.Unlock()
	require.Equal(1, rel.deleted)
}
