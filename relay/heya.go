// Package relay pulls encrypted return receipts from heya mailboxes and removes them from the
// server once they have been handled.
package relay

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/meow-io/go-receipts/bencode"
	"github.com/meow-io/go-receipts/config"
	"github.com/meow-io/go-receipts/internal/db"
	"github.com/meow-io/go-receipts/migration"
	"github.com/meow-io/go-receipts/receipt"
	heya_client "github.com/meow-io/heya/client"
	"go.uber.org/zap"
)

const tokenSize = 32

// Client is the part of a heya client the relay needs. *heya_client.Client satisfies it.
type Client interface {
	Notifications() chan interface{}
	Want(ctx context.Context, token []byte, seq uint64) (*heya_client.Message, error)
	Trim(ctx context.Context, token []byte, seq uint64) (uint64, error)
}

// Sink receives every receipt pulled from a mailbox. A receipt the sink refuses is pulled again on
// the next notification. A receipt the sink accepted but could not handle is pulled again after it
// is released with Release.
type Sink func(ctx context.Context, r *receipt.ReceiptArrived) error

// Envelope is how a receipt is stored in a mailbox.
type Envelope struct {
	Nonce     []byte `bencode:"n"`
	Payload   []byte `bencode:"p"`
	Timestamp int64  `bencode:"t"`
}

func (e *Envelope) Serialize() ([]byte, error) {
	return bencode.Serialize(e)
}

// ServerUID identifies a receipt within the relay: the mailbox token followed by the big-endian
// sequence number.
func ServerUID(token []byte, seq uint64) []byte {
	uid := make([]byte, len(token)+8)
	copy(uid, token)
	binary.BigEndian.PutUint64(uid[len(token):], seq)
	return uid
}

func parseServerUID(uid []byte) ([tokenSize]byte, uint64, error) {
	var token [tokenSize]byte
	if len(uid) != tokenSize+8 {
		return token, 0, fmt.Errorf("relay: expected server uid of length %d, got %d", tokenSize+8, len(uid))
	}
	copy(token[:], uid)
	return token, binary.BigEndian.Uint64(uid[tokenSize:]), nil
}

type mailbox struct {
	Token         []byte `db:"token"`
	OwnedIdentity []byte `db:"owned_identity"`
	AckNext       uint64 `db:"ack_next"`
	AckSparse     []byte `db:"ack_sparse"`

	acks *acks
	// next seq to fetch
	fetched uint64
	// highest seq announced by the server, exclusive
	known uint64
	// bumped by every release so that a pull in progress stops advancing
	epoch uint64
}

func (mb *mailbox) load() {
	mb.acks = newAcksFromBitmap(mb.AckNext, mb.AckSparse)
	mb.fetched = mb.acks.next
}

type Heya struct {
	config     *config.Config
	db         *db.Database
	log        *zap.SugaredLogger
	client     Client
	sink       Sink
	mailboxes  map[[tokenSize]byte]*mailbox
	retries    map[[tokenSize]byte]bool
	retry      chan struct{}
	lock       sync.Mutex
	cancelFunc context.CancelFunc
	finished   sync.WaitGroup
}

// NewHeya creates the mailbox table if needed. It must be called while holding the database lock.
func NewHeya(c *config.Config, d *db.Database, client Client, sink Sink) (*Heya, error) {
	log := c.Logger("relay/heya")

	if err := d.MigrateNoLock("_relay_heya", []*migration.Migration{
		{
			Name: "Create initial tables",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE _relay_mailboxes (
						token BLOB PRIMARY KEY,
						owned_identity BLOB NOT NULL,
						ack_next INTEGER NOT NULL,
						ack_sparse BLOB NOT NULL DEFAULT X''
					);
				`)
				return err
			},
		},
	}); err != nil {
		return nil, err
	}

	return &Heya{
		config:    c,
		db:        d,
		log:       log,
		client:    client,
		sink:      sink,
		mailboxes: make(map[[tokenSize]byte]*mailbox),
		retries:   make(map[[tokenSize]byte]bool),
		retry:     make(chan struct{}, 1),
	}, nil
}

func (h *Heya) Start() error {
	if err := h.db.Run("loading relay mailboxes", func() error {
		mailboxes, err := h.allMailboxes()
		if err != nil {
			return err
		}
		h.lock.Lock()
		defer h.lock.Unlock()
		for _, mb := range mailboxes {
			mb.load()
			h.mailboxes[[tokenSize]byte(mb.Token)] = mb
		}
		return nil
	}); err != nil {
		return err
	}

	ctx, cancelFunc := context.WithCancel(context.Background())
	h.cancelFunc = cancelFunc
	h.startNotificationProcessor(ctx)
	return nil
}

func (h *Heya) Shutdown() error {
	if h.cancelFunc != nil {
		h.cancelFunc()
		h.finished.Wait()
		h.cancelFunc = nil
	}
	return nil
}

// AddMailbox starts pulling receipts for ownedIdentity from the mailbox with token.
func (h *Heya) AddMailbox(ownedIdentity, token []byte) error {
	if len(token) != tokenSize {
		return fmt.Errorf("relay: expected token of length %d, got %d", tokenSize, len(token))
	}
	mb := &mailbox{Token: token, OwnedIdentity: ownedIdentity, AckSparse: []byte{}}
	if err := h.db.Run(fmt.Sprintf("adding mailbox %x", token), func() error {
		return h.insertMailbox(mb)
	}); err != nil {
		return err
	}
	mb.load()
	h.lock.Lock()
	defer h.lock.Unlock()
	h.mailboxes[[tokenSize]byte(token)] = mb
	return nil
}

// DeleteReceipt acknowledges one receipt. The mailbox is trimmed up to the highest sequence number
// below which everything has been acknowledged, so receipts still being processed stay on the
// server.
func (h *Heya) DeleteReceipt(ctx context.Context, ownedIdentity, serverUID []byte) error {
	token, seq, err := parseServerUID(serverUID)
	if err != nil {
		return err
	}

	var trimTo uint64
	trim := false
	if err := h.db.Run(fmt.Sprintf("acknowledging %x/%d", token, seq), func() error {
		h.lock.Lock()
		defer h.lock.Unlock()
		mb, ok := h.mailboxes[token]
		if !ok {
			return fmt.Errorf("relay: unknown mailbox %x", token)
		}
		if !bytes.Equal(mb.OwnedIdentity, ownedIdentity) {
			return fmt.Errorf("relay: mailbox %x belongs to another identity", token)
		}
		a := mb.acks.clone()
		if !a.add(seq) {
			return nil
		}
		mb.AckNext = a.next
		mb.AckSparse = a.sparseBitmap()
		if err := h.updateMailbox(mb); err != nil {
			mb.AckNext = mb.acks.next
			mb.AckSparse = mb.acks.sparseBitmap()
			return err
		}
		if a.next > mb.acks.next {
			trim = true
			trimTo = a.next - 1
		}
		mb.acks = a
		return nil
	}); err != nil {
		return err
	}

	if trim {
		if _, err := h.client.Trim(ctx, token[:], trimTo); err != nil {
			h.log.Debugf("error while running TRIM %x/%d: %v", token, trimTo, err)
		}
	}
	return nil
}

// Release makes a receipt that was handed to the sink but never acknowledged available again. The
// mailbox is pulled again from that receipt once the retry delay has passed.
func (h *Heya) Release(ownedIdentity, serverUID []byte) {
	token, seq, err := parseServerUID(serverUID)
	if err != nil {
		h.log.Debugf("not releasing receipt: %v", err)
		return
	}

	h.lock.Lock()
	defer h.lock.Unlock()
	mb, ok := h.mailboxes[token]
	if !ok || !bytes.Equal(mb.OwnedIdentity, ownedIdentity) {
		return
	}
	if mb.acks.acked(seq) {
		return
	}
	if seq < mb.fetched {
		mb.fetched = seq
	}
	mb.epoch++
	h.log.Debugf("released receipt %x/%d", token, seq)
	time.AfterFunc(time.Duration(h.config.RelayRetryMs)*time.Millisecond, func() {
		h.lock.Lock()
		h.retries[token] = true
		h.lock.Unlock()
		select {
		case h.retry <- struct{}{}:
		default:
		}
	})
}

func (h *Heya) takeRetries() [][tokenSize]byte {
	h.lock.Lock()
	defer h.lock.Unlock()
	tokens := make([][tokenSize]byte, 0, len(h.retries))
	for token := range h.retries {
		tokens = append(tokens, token)
	}
	h.retries = make(map[[tokenSize]byte]bool)
	return tokens
}

func (h *Heya) startNotificationProcessor(ctx context.Context) {
	h.finished.Add(1)
	go func() {
		defer h.finished.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case notification := <-h.client.Notifications():
				v, ok := notification.(*heya_client.Notification)
				if !ok || len(v.Token) != tokenSize {
					continue
				}
				h.pull(ctx, [tokenSize]byte(v.Token), v.Seq)
			case <-h.retry:
				for _, token := range h.takeRetries() {
					h.pull(ctx, token, 0)
				}
			}
		}
	}()
}

// pull fetches every receipt of the mailbox below upTo that is neither fetched nor acknowledged.
// upTo never goes below what the server already announced.
func (h *Heya) pull(ctx context.Context, token [tokenSize]byte, upTo uint64) {
	h.lock.Lock()
	mb, ok := h.mailboxes[token]
	var from, epoch uint64
	var owned []byte
	var skip map[uint64]bool
	if ok {
		upTo = max(upTo, mb.known)
		mb.known = upTo
		from = mb.fetched
		epoch = mb.epoch
		owned = mb.OwnedIdentity
		skip = make(map[uint64]bool, len(mb.acks.sparse))
		for s := range mb.acks.sparse {
			skip[s] = true
		}
	}
	h.lock.Unlock()
	if !ok {
		h.log.Debugf("notification for unknown mailbox %x", token)
		return
	}

	h.log.Debugf("getting receipts from %d to %d", from, upTo)
	for seq := from; seq < upTo; seq++ {
		if skip[seq] {
			if !h.advance(mb, seq, epoch) {
				return
			}
			continue
		}
		if !h.fetch(ctx, mb, owned, seq) {
			return
		}
		if !h.advance(mb, seq, epoch) {
			return
		}
	}
}

// fetch hands one receipt to the sink and reports whether pulling may continue.
func (h *Heya) fetch(ctx context.Context, mb *mailbox, owned []byte, seq uint64) bool {
	reqCtx, cancelFn := context.WithTimeout(ctx, time.Duration(h.config.RelayTimeoutMs)*time.Millisecond)
	defer cancelFn()
	message, err := h.client.Want(reqCtx, mb.Token, seq)
	if err != nil {
		h.log.Warnf("want command for %x/%d: %v", mb.Token, seq, err)
		return false
	}
	uid := ServerUID(mb.Token, seq)
	if message == nil {
		h.log.Debugf("receipt %x/%d already gone", mb.Token, seq)
		if err := h.DeleteReceipt(ctx, owned, uid); err != nil {
			h.log.Warnf("error acknowledging gone receipt: %v", err)
		}
		return true
	}

	env := &Envelope{}
	if err := bencode.Deserialize(message.Body, env); err != nil {
		h.log.Warnf("unable to deserialize receipt %x/%d, dropping: %v", mb.Token, seq, err)
		if err := h.DeleteReceipt(ctx, owned, uid); err != nil {
			h.log.Warnf("error acknowledging undecodable receipt: %v", err)
		}
		return true
	}

	if err := h.sink(ctx, &receipt.ReceiptArrived{
		OwnedIdentity:    owned,
		ServerUID:        uid,
		Nonce:            env.Nonce,
		EncryptedPayload: env.Payload,
		ServerTimestamp:  env.Timestamp,
	}); err != nil {
		h.log.Warnf("receipt %x/%d not accepted: %v", mb.Token, seq, err)
		return false
	}
	return true
}

// advance reports false when a receipt was released since the pull started.
func (h *Heya) advance(mb *mailbox, seq, epoch uint64) bool {
	h.lock.Lock()
	defer h.lock.Unlock()
	if mb.epoch != epoch {
		return false
	}
	if seq+1 > mb.fetched {
		mb.fetched = seq + 1
	}
	return true
}

func (h *Heya) allMailboxes() ([]*mailbox, error) {
	var mbs []*mailbox
	if err := h.db.Tx.Select(&mbs, "SELECT * FROM _relay_mailboxes"); err != nil {
		return nil, fmt.Errorf("relay: error getting mailboxes: %w", err)
	}
	return mbs, nil
}

func (h *Heya) insertMailbox(mb *mailbox) error {
	if _, err := h.db.Tx.NamedExec("INSERT INTO _relay_mailboxes (token, owned_identity, ack_next, ack_sparse) VALUES (:token, :owned_identity, :ack_next, :ack_sparse)", mb); err != nil {
		return fmt.Errorf("relay: error inserting mailbox: %w", err)
	}
	return nil
}

func (h *Heya) updateMailbox(mb *mailbox) error {
	if _, err := h.db.Tx.NamedExec("UPDATE _relay_mailboxes SET ack_next = :ack_next, ack_sparse = :ack_sparse WHERE token = :token", mb); err != nil {
		return fmt.Errorf("relay: error updating mailbox: %w", err)
	}
	return nil
}
