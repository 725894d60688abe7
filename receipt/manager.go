// Package receipt reconciles encrypted return receipts from the relay with the delivery records of
// sent messages. Receipts that cannot be opened yet are stashed and applied once a key for their
// nonce becomes known.
package receipt

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/meow-io/go-receipts/clock"
	"github.com/meow-io/go-receipts/config"
	"github.com/meow-io/go-receipts/ids"
	"github.com/meow-io/go-receipts/internal/bitmap"
	"github.com/meow-io/go-receipts/internal/db"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"
)

type UpdateChannel chan interface{}

// drainRequest without a key retries every key known for the nonce.
type drainRequest struct {
	ownedIdentity []byte
	nonce         []byte
	key           []byte
}

func (r *drainRequest) equal(o *drainRequest) bool {
	return bytes.Equal(r.ownedIdentity, o.ownedIdentity) && bytes.Equal(r.nonce, o.nonce) && bytes.Equal(r.key, o.key)
}

type job struct {
	arrived *ReceiptArrived
	drain   *drainRequest
}

type Manager struct {
	config     *config.Config
	db         *database
	decryptor  Decryptor
	relay      Relay
	clock      clock.Clock
	log        *zap.SugaredLogger
	metrics    *metrics
	finished   sync.WaitGroup
	runLock    sync.RWMutex
	runCtx     context.Context
	cancelFunc context.CancelFunc
	jobs       chan *job
	outbox     *outbox
	updates    UpdateChannel
}

// outbox holds committed updates until the publisher hands them out, in commit order.
type outbox struct {
	lock    sync.Mutex
	pending []interface{}
	signal  chan struct{}
}

func (o *outbox) push(us ...interface{}) {
	o.lock.Lock()
	o.pending = append(o.pending, us...)
	o.lock.Unlock()
	select {
	case o.signal <- struct{}{}:
	default:
	}
}

func (o *outbox) take() []interface{} {
	o.lock.Lock()
	defer o.lock.Unlock()
	us := o.pending
	o.pending = nil
	return us
}

// NewManager creates the receipt tables if needed. It must be called while holding the database
// lock. reg may be nil, in which case metrics are kept but not exported.
func NewManager(c *config.Config, d *db.Database, dec Decryptor, r Relay, cl clock.Clock, reg prometheus.Registerer) (*Manager, error) {
	log := c.Logger("receipt/manager")
	database, err := newDatabase(d)
	if err != nil {
		return nil, fmt.Errorf("receipt: error making manager %w", err)
	}
	met, err := newMetrics(reg)
	if err != nil {
		return nil, fmt.Errorf("receipt: error registering metrics %w", err)
	}

	return &Manager{
		config:    c,
		db:        database,
		decryptor: dec,
		relay:     r,
		clock:     cl,
		log:       log,
		metrics:   met,
		jobs:      make(chan *job, c.QueueSize),
		outbox:    &outbox{signal: make(chan struct{}, 1)},
		updates:   make(UpdateChannel, 100),
	}, nil
}

// Updates yields *MessageStatusUpdate and *AttachmentStatusUpdate values in the order their changes
// were committed. Updates are handed out only while the manager is running; nothing is dropped while
// it is stopped.
func (m *Manager) Updates() UpdateChannel {
	return m.updates
}

// Start launches the worker pool and reports stalled receipts older than the configured age. Every
// nonce with stalled receipts and a known key is retried, which picks up drains that were queued
// but never ran before the last shutdown.
func (m *Manager) Start() error {
	m.runLock.Lock()
	defer m.runLock.Unlock()
	if m.cancelFunc != nil {
		return nil
	}

	var pending []*pendingDrain
	if err := m.db.RunReadOnly("checking stalled receipts", func() error {
		var err error
		pending, err = m.db.pendingDrains()
		if err != nil {
			return err
		}

		now := m.clock.CurrentTimeMs()
		age := uint64(m.config.StalledWarnAgeMs)
		if now < age {
			return nil
		}
		old, err := m.db.stalledOlderThan(now - age)
		if err != nil {
			return err
		}
		if old != 0 {
			m.log.Warnf("%d stalled receipts waiting for a key for more than %s", old, time.Duration(age)*time.Millisecond)
		}
		return nil
	}); err != nil {
		return err
	}

	ctx, cancelFunc := context.WithCancel(context.Background())
	m.runCtx = ctx
	m.cancelFunc = cancelFunc
	m.startWorkers(ctx)
	m.startPublisher(ctx)
	if len(pending) != 0 {
		m.log.Infof("retrying stalled receipts for %d nonces", len(pending))
		m.startResume(ctx, pending)
	}
	return nil
}

// Shutdown stops the workers after their current job. Queued jobs are dropped; their receipts
// were never acknowledged and will be delivered again by the relay.
func (m *Manager) Shutdown() error {
	m.runLock.RLock()
	cancel := m.cancelFunc
	m.runLock.RUnlock()
	if cancel == nil {
		return nil
	}
	cancel()
	m.finished.Wait()

	m.runLock.Lock()
	m.cancelFunc = nil
	m.runCtx = nil
	m.runLock.Unlock()
	return nil
}

func (m *Manager) startWorkers(ctx context.Context) {
	for i := 0; i != m.config.Workers; i++ {
		m.finished.Add(1)
		go func(worker int) {
			defer m.finished.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case j := <-m.jobs:
					m.process(worker, j)
				}
			}
		}(i)
	}
}

func (m *Manager) startPublisher(ctx context.Context) {
	m.finished.Add(1)
	go func() {
		defer m.finished.Done()
		us := m.outbox.take()
		for {
			if len(us) == 0 {
				select {
				case <-ctx.Done():
					return
				case <-m.outbox.signal:
					us = m.outbox.take()
				}
				continue
			}
			select {
			case <-ctx.Done():
				// keep what was not handed out for the next start
				m.outbox.lock.Lock()
				m.outbox.pending = append(us, m.outbox.pending...)
				m.outbox.lock.Unlock()
				return
			case m.updates <- us[0]:
				us = us[1:]
			}
		}
	}()
}

// startResume queues a retry for every pending nonce. It gives up when the manager stops.
func (m *Manager) startResume(ctx context.Context, pending []*pendingDrain) {
	m.finished.Add(1)
	go func() {
		defer m.finished.Done()
		for _, p := range pending {
			select {
			case m.jobs <- &job{drain: &drainRequest{ownedIdentity: p.OwnedIdentity, nonce: p.Nonce}}:
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (m *Manager) process(worker int, j *job) {
	ctx := context.Background()
	switch {
	case j.arrived != nil:
		if _, err := m.HandleIncoming(ctx, j.arrived); err != nil {
			m.log.Debugf("worker %d: error handling receipt nonce=%x: %v", worker, j.arrived.Nonce, err)
		}
	case j.drain != nil && j.drain.key == nil:
		if _, err := m.RetryStalled(ctx, j.drain.ownedIdentity, j.drain.nonce); err != nil {
			m.log.Warnf("worker %d: error retrying nonce=%x: %v", worker, j.drain.nonce, err)
		}
	case j.drain != nil:
		if _, err := m.DrainStalled(ctx, j.drain.ownedIdentity, j.drain.nonce, j.drain.key); err != nil {
			m.log.Warnf("worker %d: error draining nonce=%x: %v", worker, j.drain.nonce, err)
		}
	}
}

// Submit queues an incoming receipt for the worker pool, blocking while the queue is full.
func (m *Manager) Submit(ctx context.Context, r *ReceiptArrived) error {
	return m.enqueue(ctx, &job{arrived: r})
}

// SubmitDrain queues a drain of the receipts stalled on nonce using key.
func (m *Manager) SubmitDrain(ctx context.Context, ownedIdentity, nonce, key []byte) error {
	return m.enqueue(ctx, &job{drain: &drainRequest{ownedIdentity: ownedIdentity, nonce: nonce, key: key}})
}

func (m *Manager) enqueue(ctx context.Context, j *job) error {
	m.runLock.RLock()
	defer m.runLock.RUnlock()
	if m.cancelFunc == nil {
		return ErrNotRunning
	}
	select {
	case m.jobs <- j:
		return nil
	case <-m.runCtx.Done():
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) running() bool {
	m.runLock.RLock()
	defer m.runLock.RUnlock()
	return m.cancelFunc != nil
}

// HandleIncoming processes one receipt from the relay. The receipt is merged into its delivery
// record, stashed, or quarantined when it opens but cannot be parsed, and in every case acknowledged
// to the relay once committed. On a storage failure nothing is acknowledged and the receipt is
// released back to the relay.
func (m *Manager) HandleIncoming(ctx context.Context, r *ReceiptArrived) (Outcome, error) {
	var outcome Outcome
	if err := m.db.Run(fmt.Sprintf("handling receipt nonce=%x", r.Nonce), func() error {
		var err error
		outcome, err = m.handleIncoming(r)
		return err
	}); err != nil {
		m.metrics.failures.WithLabelValues("storage").Inc()
		m.log.Warnf("error storing receipt nonce=%x: %v", r.Nonce, err)
		m.release(r)
		return outcome, err
	}
	m.metrics.incoming.WithLabelValues(outcome.String()).Inc()
	if outcome == OutcomeMalformed {
		m.metrics.failures.WithLabelValues("malformed").Inc()
	}

	if err := m.acknowledge(ctx, r); err != nil {
		m.metrics.failures.WithLabelValues("relay").Inc()
		m.log.Warnf("error acknowledging receipt nonce=%x: %v", r.Nonce, err)
		m.release(r)
		return outcome, err
	}
	return outcome, nil
}

func (m *Manager) release(r *ReceiptArrived) {
	if rel, ok := m.relay.(Releaser); ok {
		rel.Release(r.OwnedIdentity, r.ServerUID)
	}
}

func (m *Manager) handleIncoming(r *ReceiptArrived) (Outcome, error) {
	keys, err := m.db.candidateKeys(r.OwnedIdentity, r.Nonce)
	if err != nil {
		return OutcomeStashed, err
	}
	key, plaintext, attempts := firstDecryptable(keys, r.EncryptedPayload, m.decryptor)
	m.metrics.attempts.Add(float64(attempts))

	if key == nil {
		m.log.Debugf("none of %d keys opened receipt nonce=%x", len(keys), r.Nonce)
		inserted, err := m.db.putStalled(&StalledReceipt{
			ID:              ids.NewID(),
			OwnedIdentity:   r.OwnedIdentity,
			Nonce:           r.Nonce,
			Payload:         r.EncryptedPayload,
			ServerTimestamp: r.ServerTimestamp,
			StashedAtMs:     m.clock.CurrentTimeMs(),
		})
		if err != nil {
			return OutcomeStashed, err
		}
		if inserted {
			m.log.Infof("stashed receipt nonce=%x", r.Nonce)
		}
		return OutcomeStashed, nil
	}

	p, err := DecodePlaintext(plaintext)
	if err != nil {
		m.log.Errorf("quarantining malformed receipt nonce=%x: %v", r.Nonce, err)
		if err := m.quarantine(r.OwnedIdentity, r.Nonce, r.EncryptedPayload, r.ServerTimestamp, err); err != nil {
			return OutcomeMalformed, err
		}
		return OutcomeMalformed, nil
	}
	return m.merge(r.OwnedIdentity, r.Nonce, key, p, r.ServerTimestamp)
}

// quarantine keeps a receipt that will never parse. It must run inside a transaction.
func (m *Manager) quarantine(ownedIdentity, nonce, payload []byte, serverTimestamp int64, reason error) error {
	return m.db.putMalformed(&MalformedReceipt{
		ID:              ids.NewID(),
		OwnedIdentity:   ownedIdentity,
		Nonce:           nonce,
		Payload:         payload,
		ServerTimestamp: serverTimestamp,
		Reason:          reason.Error(),
		QuarantinedAtMs: m.clock.CurrentTimeMs(),
	})
}

func (m *Manager) acknowledge(ctx context.Context, r *ReceiptArrived) error {
	ctx, cancel := context.WithTimeout(ctx, time.Duration(m.config.RelayTimeoutMs)*time.Millisecond)
	defer cancel()
	if err := m.relay.DeleteReceipt(ctx, r.OwnedIdentity, r.ServerUID); err != nil {
		return fmt.Errorf("receipt: error deleting receipt from relay: %w", err)
	}
	return nil
}

// merge applies an opened receipt to the record of its recipient. It must run inside a
// transaction.
func (m *Manager) merge(ownedIdentity, nonce, key []byte, p *PlaintextReceipt, serverTimestamp int64) (Outcome, error) {
	rec, err := m.db.recordFor(ownedIdentity, nonce, key, p.RecipientIdentity)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			m.log.Infof("no delivery record for recipient %x nonce=%x", p.RecipientIdentity, nonce)
			return OutcomeUnmatched, nil
		}
		return OutcomeUnmatched, err
	}
	msg, err := m.db.trackedMessage(rec.MessageID)
	if err != nil {
		return OutcomeUnmatched, err
	}
	idx := p.attachmentIndex()
	if idx != nil && *idx >= msg.AttachmentCount {
		m.log.Infof("attachment %d out of range for message %s with %d attachments", *idx, msg.ID, msg.AttachmentCount)
		return OutcomeUnmatched, nil
	}

	c, err := rec.apply(Kind(p.Kind), idx, At(serverTimestamp))
	if err != nil {
		return OutcomeUnmatched, err
	}
	if !c.any() {
		return OutcomeDuplicate, nil
	}
	if err := m.db.updateRecord(rec, c); err != nil {
		return OutcomeMerged, err
	}
	if err := m.recompute(msg); err != nil {
		return OutcomeMerged, err
	}
	return OutcomeMerged, nil
}

// recompute refreshes the stored statuses of msg and queues an update for every status that moved.
// Stored statuses only ever move up. Updates are published once the transaction commits.
func (m *Manager) recompute(msg *TrackedMessage) error {
	var us []interface{}
	defer func() {
		if len(us) != 0 {
			m.db.AfterCommit(func() { m.outbox.push(us...) })
		}
	}()

	records, err := m.db.records(msg.ID)
	if err != nil {
		return err
	}
	agg := AggregateRecords(records, msg.AttachmentCount)

	prev, found, err := m.db.messageStatus(msg.ID)
	if err != nil {
		return err
	}
	if !found || agg.Message > prev {
		if err := m.db.upsertMessageStatus(msg.ID, agg.Message); err != nil {
			return err
		}
		us = append(us, &MessageStatusUpdate{MessageID: msg.ID, Status: agg.Message})
	}

	prevAttachments, err := m.db.attachmentStatuses(msg.ID)
	if err != nil {
		return err
	}
	for i, s := range agg.Attachments {
		if p, ok := prevAttachments[i]; ok && s <= p {
			continue
		}
		if err := m.db.upsertAttachmentStatus(&attachmentStatus{MessageID: msg.ID, AttachmentIndex: i, Status: s}); err != nil {
			return err
		}
		us = append(us, &AttachmentStatusUpdate{MessageID: msg.ID, AttachmentIndex: i, Status: s})
	}
	return nil
}

// DrainStalled applies every receipt stalled on nonce that key opens and removes it from the
// stash. Receipts key opens but that cannot be parsed are moved to quarantine. Receipts key does not
// open stay stashed.
func (m *Manager) DrainStalled(ctx context.Context, ownedIdentity, nonce, key []byte) (int, error) {
	return m.drain(ctx, fmt.Sprintf("draining stalled receipts nonce=%x", nonce), ownedIdentity, nonce, func() ([][]byte, error) {
		return [][]byte{key}, nil
	})
}

// RetryStalled drains the receipts stalled on nonce with every key currently known for it.
func (m *Manager) RetryStalled(ctx context.Context, ownedIdentity, nonce []byte) (int, error) {
	return m.drain(ctx, fmt.Sprintf("retrying stalled receipts nonce=%x", nonce), ownedIdentity, nonce, func() ([][]byte, error) {
		return m.db.candidateKeys(ownedIdentity, nonce)
	})
}

func (m *Manager) drain(ctx context.Context, label string, ownedIdentity, nonce []byte, keys func() ([][]byte, error)) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var drained, malformed int
	if err := m.db.Run(label, func() error {
		drained, malformed = 0, 0
		ks, err := keys()
		if err != nil {
			return err
		}
		rows, err := m.db.stalledFor(ownedIdentity, nonce)
		if err != nil {
			return err
		}
		for _, s := range rows {
			key, plaintext, attempts := firstDecryptable(ks, s.Payload, m.decryptor)
			m.metrics.attempts.Add(float64(attempts))
			if key == nil {
				continue
			}
			p, err := DecodePlaintext(plaintext)
			if err != nil {
				malformed++
				m.log.Errorf("quarantining malformed stalled receipt %s nonce=%x: %v", s.ID, nonce, err)
				if err := m.quarantine(ownedIdentity, nonce, s.Payload, s.ServerTimestamp, err); err != nil {
					return err
				}
				if err := m.db.deleteStalled(s.ID); err != nil {
					return err
				}
				continue
			}
			if _, err := m.merge(ownedIdentity, nonce, key, p, s.ServerTimestamp); err != nil {
				return err
			}
			if err := m.db.deleteStalled(s.ID); err != nil {
				return err
			}
			drained++
		}
		return nil
	}); err != nil {
		m.metrics.failures.WithLabelValues("storage").Inc()
		return 0, err
	}
	if drained != 0 {
		m.log.Debugf("drained %d stalled receipts nonce=%x", drained, nonce)
		m.metrics.drained.Add(float64(drained))
	}
	if malformed != 0 {
		m.metrics.failures.WithLabelValues("malformed").Add(float64(malformed))
	}
	return drained, nil
}

// Track records a sent message and its recipients. Every key it introduces may open receipts that
// arrived before it, so a drain is scheduled for each once the records are committed.
func (m *Manager) Track(message *TrackedMessage, records []*RecipientDeliveryRecord) error {
	if message.AttachmentCount < 0 || message.AttachmentCount > maxAttachmentIndex {
		return fmt.Errorf("receipt: invalid attachment count %d", message.AttachmentCount)
	}
	var drains []*drainRequest
	for _, r := range records {
		if len(r.OwnedIdentity) == 0 || len(r.RecipientIdentity) == 0 || len(r.ReturnReceiptNonce) == 0 || len(r.ReturnReceiptKey) == 0 {
			return fmt.Errorf("receipt: incomplete delivery record for message %s", message.ID)
		}
		r.MessageID = message.ID
		if r.AttachmentDelivered == nil {
			r.AttachmentDelivered = bitmap.Bitmap{}
		}
		if r.AttachmentRead == nil {
			r.AttachmentRead = bitmap.Bitmap{}
		}
		d := &drainRequest{ownedIdentity: r.OwnedIdentity, nonce: r.ReturnReceiptNonce, key: r.ReturnReceiptKey}
		if !slices.ContainsFunc(drains, d.equal) {
			drains = append(drains, d)
		}
	}

	if err := m.db.Run(fmt.Sprintf("tracking message %s", message.ID), func() error {
		if err := m.db.insertTrackedMessage(message); err != nil {
			return err
		}
		for _, r := range records {
			if err := m.db.insertRecord(r); err != nil {
				return err
			}
		}
		return m.recompute(message)
	}); err != nil {
		return err
	}

	for _, d := range drains {
		m.scheduleDrain(d)
	}
	return nil
}

func (m *Manager) scheduleDrain(d *drainRequest) {
	if m.running() {
		err := m.SubmitDrain(context.Background(), d.ownedIdentity, d.nonce, d.key)
		if err == nil {
			return
		}
		if !errors.Is(err, ErrNotRunning) {
			m.log.Warnf("error scheduling drain nonce=%x: %v", d.nonce, err)
			return
		}
	}
	if _, err := m.DrainStalled(context.Background(), d.ownedIdentity, d.nonce, d.key); err != nil {
		m.log.Warnf("error draining nonce=%x: %v", d.nonce, err)
	}
}

func (m *Manager) MessageStatus(messageID ids.ID) (Status, error) {
	var s Status
	if err := m.db.RunReadOnly("getting message status", func() error {
		var found bool
		var err error
		s, found, err = m.db.messageStatus(messageID)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("receipt: message %s not tracked: %w", messageID, sql.ErrNoRows)
		}
		return nil
	}); err != nil {
		return StatusProcessing, err
	}
	return s, nil
}

func (m *Manager) AttachmentStatuses(messageID ids.ID) ([]Status, error) {
	var statuses []Status
	if err := m.db.RunReadOnly("getting attachment statuses", func() error {
		msg, err := m.db.trackedMessage(messageID)
		if err != nil {
			return err
		}
		stored, err := m.db.attachmentStatuses(messageID)
		if err != nil {
			return err
		}
		statuses = make([]Status, msg.AttachmentCount)
		for i := range statuses {
			statuses[i] = stored[i]
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return statuses, nil
}

func (m *Manager) Records(messageID ids.ID) ([]*RecipientDeliveryRecord, error) {
	var records []*RecipientDeliveryRecord
	if err := m.db.RunReadOnly("getting delivery records", func() error {
		var err error
		records, err = m.db.records(messageID)
		return err
	}); err != nil {
		return nil, err
	}
	return records, nil
}

func (m *Manager) Stalled() ([]*StalledReceipt, error) {
	var rows []*StalledReceipt
	if err := m.db.RunReadOnly("getting stalled receipts", func() error {
		var err error
		rows, err = m.db.stalled()
		return err
	}); err != nil {
		return nil, err
	}
	return rows, nil
}

// Malformed lists the quarantined receipts, oldest first.
func (m *Manager) Malformed() ([]*MalformedReceipt, error) {
	var rows []*MalformedReceipt
	if err := m.db.RunReadOnly("getting malformed receipts", func() error {
		var err error
		rows, err = m.db.malformed()
		return err
	}); err != nil {
		return nil, err
	}
	return rows, nil
}

func (m *Manager) StalledStats() (*StalledStats, error) {
	var stats *StalledStats
	if err := m.db.RunReadOnly("getting stalled receipt stats", func() error {
		var err error
		stats, err = m.db.stalledStats()
		return err
	}); err != nil {
		return nil, err
	}
	return stats, nil
}
