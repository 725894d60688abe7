// Package receipts reconciles encrypted return receipts into delivered and read state for sent
// messages and their attachments.
//
// A Receipts instance owns the encrypted database, the receipt manager and, when given a heya
// client, the relay that receipts are pulled from. Sent messages are registered with Track; the
// resulting statuses can be queried or followed through Updates.
package receipts

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/meow-io/go-receipts/clock"
	"github.com/meow-io/go-receipts/config"
	"github.com/meow-io/go-receipts/crypto"
	"github.com/meow-io/go-receipts/ids"
	"github.com/meow-io/go-receipts/internal/db"
	"github.com/meow-io/go-receipts/receipt"
	"github.com/meow-io/go-receipts/relay"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const (
	// Constants for application state.
	StateNew = iota
	StateInitialized
	StateRunning
)

// An event indicating a change in the state of the instance.
type AppState struct {
	State int
}

type Option func(*Receipts)

// WithRelayClient pulls receipts from heya mailboxes through client and acknowledges them there.
func WithRelayClient(client relay.Client) Option {
	return func(r *Receipts) {
		r.client = client
	}
}

// WithRelay acknowledges receipts through rel. Receipts are expected to be handed in with
// HandleIncoming or Submit.
func WithRelay(rel receipt.Relay) Option {
	return func(r *Receipts) {
		r.relay = rel
	}
}

func WithDecryptor(d receipt.Decryptor) Option {
	return func(r *Receipts) {
		r.decryptor = d
	}
}

func WithRegisterer(reg prometheus.Registerer) Option {
	return func(r *Receipts) {
		r.registerer = reg
	}
}

func WithClock(cl clock.Clock) Option {
	return func(r *Receipts) {
		r.clock = cl
	}
}

type Receipts struct {
	DB         *db.Database
	config     *config.Config
	log        *zap.SugaredLogger
	state      int
	clock      clock.Clock
	decryptor  receipt.Decryptor
	registerer prometheus.Registerer
	client     relay.Client
	relay      receipt.Relay
	heya       *relay.Heya
	manager    *receipt.Manager
	updates    chan interface{}
	cancelFunc context.CancelFunc
	finished   sync.WaitGroup
}

// offlineRelay is used when receipts are handed in directly and nothing is kept server side.
type offlineRelay struct {
	log *zap.SugaredLogger
}

func (o *offlineRelay) DeleteReceipt(ctx context.Context, ownedIdentity, serverUID []byte) error {
	o.log.Debugf("no relay to acknowledge %x to", serverUID)
	return nil
}

// Create a receipts instance
func NewReceipts(c *config.Config, opts ...Option) (*Receipts, error) {
	log := c.Logger("")
	absRootPath, err := filepath.Abs(c.RootDir)
	if err != nil {
		return nil, err
	}
	c.RootDir = absRootPath
	log.Debugf("making receipts, using root path of %s", c.RootDir)

	if err := os.MkdirAll(c.RootDir, 0o700); err != nil {
		return nil, err
	}
	d, err := db.NewDatabase(c, path.Join(c.RootDir, "data"))
	if err != nil {
		return nil, err
	}

	state := StateNew
	if d.Initialized() {
		state = StateInitialized
	}

	r := &Receipts{
		DB:        d,
		config:    c,
		log:       log,
		state:     state,
		clock:     clock.NewSystemClock(),
		decryptor: crypto.ReceiptCipher{},
		updates:   make(chan interface{}, 100),
	}
	for _, o := range opts {
		o(r)
	}
	if r.client != nil && r.relay != nil {
		return nil, errors.New("receipts: a relay client and a relay cannot both be given")
	}
	return r, nil
}

// Makes a key from a password
func (r *Receipts) NewKey(password string) ([]byte, error) {
	return newKey(password, r.config.RootDir, "salt")
}

// Gets updates about the instance and tracked messages, in the order they happened.
// This will produce *AppState, *receipt.MessageStatusUpdate or *receipt.AttachmentStatusUpdate.
// Updates that are not read before Shutdown are lost.
func (r *Receipts) Updates() chan interface{} {
	return r.updates
}

func (r *Receipts) New() bool {
	return r.state == StateNew
}

func (r *Receipts) Initialized() bool {
	return r.state == StateInitialized
}

func (r *Receipts) Running() bool {
	return r.state == StateRunning
}

// Initialize a new instance with a given key and open it.
func (r *Receipts) Initialize(key []byte) error {
	if r.state != StateNew {
		return errors.New("receipts: cannot initialize unless in state new")
	}
	if err := r.DB.Initialize(key); err != nil {
		return err
	}
	r.setState(StateInitialized)
	return r.Open(key)
}

// Open an existing instance with a given key.
func (r *Receipts) Open(key []byte) error {
	if r.state != StateInitialized {
		return errors.New("receipts: cannot open unless in state initialized")
	}

	if err := r.DB.Open(key); err != nil {
		return err
	}

	if err := r.DB.Lock("initializing subsystems", func() error {
		rel := r.relay
		if r.client != nil {
			h, err := relay.NewHeya(r.config, r.DB, r.client, func(ctx context.Context, ra *receipt.ReceiptArrived) error {
				return r.manager.Submit(ctx, ra)
			})
			if err != nil {
				return err
			}
			r.heya = h
			rel = h
		}
		if rel == nil {
			rel = &offlineRelay{r.config.Logger("receipts/offline")}
		}
		manager, err := receipt.NewManager(r.config, r.DB, r.decryptor, rel, r.clock, r.registerer)
		if err != nil {
			return err
		}
		r.manager = manager
		return nil
	}); err != nil {
		return err
	}

	ctx, cancelFunc := context.WithCancel(context.Background())
	r.cancelFunc = cancelFunc
	if err := r.manager.Start(); err != nil {
		return err
	}
	if r.heya != nil {
		if err := r.heya.Start(); err != nil {
			return err
		}
	}

	r.setState(StateRunning)
	r.startUpdatePassing(ctx)
	return nil
}

// Gracefully stop a running instance.
func (r *Receipts) Shutdown() error {
	if r.state != StateRunning {
		return nil
	}
	// try to clean up memory after a shutdown
	defer runtime.GC()

	errs := make([]string, 0)
	r.cancelFunc()
	r.finished.Wait()

	if r.heya != nil {
		if err := r.heya.Shutdown(); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if err := r.manager.Shutdown(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := r.DB.Shutdown(); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) != 0 {
		return fmt.Errorf("receipts: error during shutdown: %s", strings.Join(errs, ", "))
	}

	r.cancelFunc = nil
	r.heya = nil
	r.manager = nil

	r.setState(StateInitialized)

	close(r.updates)
	r.updates = make(chan interface{}, 100)

	return nil
}

// Track starts reconciling receipts for a sent message. Receipts for its nonces that were stashed
// before the message was known are drained right after.
func (r *Receipts) Track(message *receipt.TrackedMessage, records []*receipt.RecipientDeliveryRecord) error {
	if r.state != StateRunning {
		return receipt.ErrNotRunning
	}
	return r.manager.Track(message, records)
}

// Process one receipt now and acknowledge it to the relay.
func (r *Receipts) HandleIncoming(ctx context.Context, ra *receipt.ReceiptArrived) (receipt.Outcome, error) {
	if r.state != StateRunning {
		return receipt.OutcomeStashed, receipt.ErrNotRunning
	}
	return r.manager.HandleIncoming(ctx, ra)
}

// Queue one receipt for the worker pool.
func (r *Receipts) Submit(ctx context.Context, ra *receipt.ReceiptArrived) error {
	if r.state != StateRunning {
		return receipt.ErrNotRunning
	}
	return r.manager.Submit(ctx, ra)
}

func (r *Receipts) DrainStalled(ctx context.Context, ownedIdentity, nonce, key []byte) (int, error) {
	if r.state != StateRunning {
		return 0, receipt.ErrNotRunning
	}
	return r.manager.DrainStalled(ctx, ownedIdentity, nonce, key)
}

// Retry every stalled receipt for a nonce with all keys currently known for it.
func (r *Receipts) RetryStalled(ctx context.Context, ownedIdentity, nonce []byte) (int, error) {
	if r.state != StateRunning {
		return 0, receipt.ErrNotRunning
	}
	return r.manager.RetryStalled(ctx, ownedIdentity, nonce)
}

// Start pulling receipts for ownedIdentity from a heya mailbox.
func (r *Receipts) AddMailbox(ownedIdentity, token []byte) error {
	if r.state != StateRunning {
		return receipt.ErrNotRunning
	}
	if r.heya == nil {
		return errors.New("receipts: no relay client configured")
	}
	return r.heya.AddMailbox(ownedIdentity, token)
}

func (r *Receipts) MessageStatus(messageID ids.ID) (receipt.Status, error) {
	if r.state != StateRunning {
		return receipt.StatusProcessing, receipt.ErrNotRunning
	}
	return r.manager.MessageStatus(messageID)
}

func (r *Receipts) AttachmentStatuses(messageID ids.ID) ([]receipt.Status, error) {
	if r.state != StateRunning {
		return nil, receipt.ErrNotRunning
	}
	return r.manager.AttachmentStatuses(messageID)
}

func (r *Receipts) Records(messageID ids.ID) ([]*receipt.RecipientDeliveryRecord, error) {
	if r.state != StateRunning {
		return nil, receipt.ErrNotRunning
	}
	return r.manager.Records(messageID)
}

func (r *Receipts) Stalled() ([]*receipt.StalledReceipt, error) {
	if r.state != StateRunning {
		return nil, receipt.ErrNotRunning
	}
	return r.manager.Stalled()
}

// Malformed lists receipts that opened with a known key but could not be parsed.
func (r *Receipts) Malformed() ([]*receipt.MalformedReceipt, error) {
	if r.state != StateRunning {
		return nil, receipt.ErrNotRunning
	}
	return r.manager.Malformed()
}

func (r *Receipts) StalledStats() (*receipt.StalledStats, error) {
	if r.state != StateRunning {
		return nil, receipt.ErrNotRunning
	}
	return r.manager.StalledStats()
}

func (r *Receipts) startUpdatePassing(ctx context.Context) {
	r.finished.Add(1)
	go func() {
		defer r.finished.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case e := <-r.manager.Updates():
				switch v := e.(type) {
				case *receipt.MessageStatusUpdate, *receipt.AttachmentStatusUpdate:
					r.log.Debugf("passing update: %#v", v)
					select {
					case r.updates <- v:
					case <-ctx.Done():
						return
					}
				default:
					r.log.Infof("Unpassed event %#v", e)
				}
			}
		}
	}()
}

func (r *Receipts) setState(state int) {
	r.state = state
	select {
	case r.updates <- &AppState{state}:
	default:
		r.log.Warnf("updates are not being read, dropping state change to %d", state)
	}
}
