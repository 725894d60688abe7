package receipt

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"

	"github.com/meow-io/go-receipts/bencode"
	"github.com/meow-io/go-receipts/ids"
	"github.com/meow-io/go-receipts/internal/bitmap"
)

// Kind is what a return receipt acknowledges.
type Kind uint8

const (
	KindDelivered Kind = 1
	KindRead      Kind = 2
)

func (k Kind) String() string {
	switch k {
	case KindDelivered:
		return "delivered"
	case KindRead:
		return "read"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

var (
	ErrUnknownKind      = errors.New("receipt: unknown receipt kind")
	ErrMalformedReceipt = errors.New("receipt: malformed receipt")
	ErrNotRunning       = errors.New("receipt: manager not running")
)

// maxAttachmentIndex bounds how far a single receipt can grow an attachment set.
const maxAttachmentIndex = 1 << 16

type timestampState uint8

const (
	stateUnknown timestampState = iota
	stateUnspecified
	stateAt
)

// Timestamp is when a delivery stage happened. A stage can be unknown, known to have happened at
// an unspecified time, or known to have happened at a specific time.
//
// In storage, NULL is unknown, 0 is known-unspecified and a positive value is milliseconds since
// the epoch.
type Timestamp struct {
	state timestampState
	ms    int64
}

func Unknown() Timestamp {
	return Timestamp{}
}

func KnownUnspecified() Timestamp {
	return Timestamp{state: stateUnspecified}
}

// At returns a known timestamp. Non-positive values carry no usable time and become
// known-unspecified.
func At(ms int64) Timestamp {
	if ms <= 0 {
		return KnownUnspecified()
	}
	return Timestamp{state: stateAt, ms: ms}
}

func (t Timestamp) IsSet() bool {
	return t.state != stateUnknown
}

// Ms returns the time and whether it is specified.
func (t Timestamp) Ms() (int64, bool) {
	return t.ms, t.state == stateAt
}

func (t Timestamp) String() string {
	switch t.state {
	case stateUnknown:
		return "unknown"
	case stateUnspecified:
		return "unspecified"
	default:
		return fmt.Sprintf("%d", t.ms)
	}
}

func (t *Timestamp) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*t = Unknown()
	case int64:
		*t = At(v)
	default:
		return fmt.Errorf("receipt: cannot scan %T into timestamp", src)
	}
	return nil
}

func (t Timestamp) Value() (driver.Value, error) {
	switch t.state {
	case stateUnknown:
		return nil, nil
	case stateUnspecified:
		return int64(0), nil
	default:
		return t.ms, nil
	}
}

// RecipientDeliveryRecord tracks one recipient of one sent message.
type RecipientDeliveryRecord struct {
	MessageID           ids.ID        `db:"message_id"`
	OwnedIdentity       []byte        `db:"owned_identity"`
	RecipientIdentity   []byte        `db:"recipient_identity"`
	ReturnReceiptNonce  []byte        `db:"return_receipt_nonce"`
	ReturnReceiptKey    []byte        `db:"return_receipt_key"`
	SentAt              Timestamp     `db:"sent_at"`
	DeliveredAt         Timestamp     `db:"delivered_at"`
	ReadAt              Timestamp     `db:"read_at"`
	EngineMessageRef    *[]byte       `db:"engine_message_ref"`
	AttachmentDelivered bitmap.Bitmap `db:"attachment_delivered"`
	AttachmentRead      bitmap.Bitmap `db:"attachment_read"`
}

// AttachmentDeliveredTo reports whether attachment i reached this recipient.
func (r *RecipientDeliveryRecord) AttachmentDeliveredTo(i int) bool {
	return r.AttachmentDelivered.Get(i)
}

func (r *RecipientDeliveryRecord) AttachmentReadBy(i int) bool {
	return r.AttachmentRead.Get(i)
}

// TrackedMessage is a sent message whose receipts are being reconciled.
type TrackedMessage struct {
	ID              ids.ID `db:"id"`
	AttachmentCount int    `db:"attachment_count"`
}

// StalledReceipt is a receipt no known key could open yet.
type StalledReceipt struct {
	ID              ids.ID `db:"id"`
	OwnedIdentity   []byte `db:"owned_identity"`
	Nonce           []byte `db:"nonce"`
	Payload         []byte `db:"payload"`
	ServerTimestamp int64  `db:"server_timestamp"`
	StashedAtMs     uint64 `db:"stashed_at_ms"`
}

// MalformedReceipt is a receipt that opened with a known key but whose body could not be parsed.
// It is kept for inspection and the relay copy is acknowledged.
type MalformedReceipt struct {
	ID              ids.ID `db:"id"`
	OwnedIdentity   []byte `db:"owned_identity"`
	Nonce           []byte `db:"nonce"`
	Payload         []byte `db:"payload"`
	ServerTimestamp int64  `db:"server_timestamp"`
	Reason          string `db:"reason"`
	QuarantinedAtMs uint64 `db:"quarantined_at_ms"`
}

// ReceiptArrived is a receipt as handed over by the relay.
type ReceiptArrived struct {
	OwnedIdentity    []byte
	ServerUID        []byte
	Nonce            []byte
	EncryptedPayload []byte
	ServerTimestamp  int64
}

// PlaintextReceipt is the decrypted body of a receipt.
type PlaintextReceipt struct {
	RecipientIdentity []byte  `bencode:"r"`
	Kind              uint8   `bencode:"s"`
	AttachmentIndex   *uint32 `bencode:"a"`
}

func (p *PlaintextReceipt) attachmentIndex() *int {
	if p.AttachmentIndex == nil {
		return nil
	}
	i := int(*p.AttachmentIndex)
	return &i
}

func NewPlaintextReceipt(recipient []byte, kind Kind, attachmentIndex *int) *PlaintextReceipt {
	p := &PlaintextReceipt{RecipientIdentity: recipient, Kind: uint8(kind)}
	if attachmentIndex != nil {
		i := uint32(*attachmentIndex)
		p.AttachmentIndex = &i
	}
	return p
}

func (p *PlaintextReceipt) Serialize() ([]byte, error) {
	return bencode.Serialize(p)
}

// DecodePlaintext parses and validates a decrypted receipt body.
func DecodePlaintext(b []byte) (*PlaintextReceipt, error) {
	p := &PlaintextReceipt{}
	if err := bencode.Deserialize(b, p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedReceipt, err)
	}
	if len(p.RecipientIdentity) == 0 {
		return nil, fmt.Errorf("%w: empty recipient identity", ErrMalformedReceipt)
	}
	if k := Kind(p.Kind); k != KindDelivered && k != KindRead {
		return nil, fmt.Errorf("%w: %w %d", ErrMalformedReceipt, ErrUnknownKind, p.Kind)
	}
	if p.AttachmentIndex != nil && *p.AttachmentIndex > maxAttachmentIndex {
		return nil, fmt.Errorf("%w: attachment index %d", ErrMalformedReceipt, *p.AttachmentIndex)
	}
	return p, nil
}

// Decryptor opens a receipt payload with one candidate key. Any error means the key did not
// work.
type Decryptor interface {
	Decrypt(key, payload []byte) ([]byte, error)
}

// Relay is told once a receipt no longer needs to be kept server side.
type Relay interface {
	DeleteReceipt(ctx context.Context, ownedIdentity, serverUID []byte) error
}

// Releaser is implemented by relays that hand receipts out only once. Release makes a receipt that
// could not be handled available again.
type Releaser interface {
	Release(ownedIdentity, serverUID []byte)
}

// Outcome is what happened to one incoming receipt.
type Outcome int

const (
	OutcomeMerged Outcome = iota
	OutcomeDuplicate
	OutcomeUnmatched
	OutcomeStashed
	OutcomeMalformed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeMerged:
		return "merged"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeUnmatched:
		return "unmatched"
	case OutcomeStashed:
		return "stashed"
	case OutcomeMalformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// MessageStatusUpdate is sent whenever the derived status of a message changes.
type MessageStatusUpdate struct {
	MessageID ids.ID
	Status    Status
}

// AttachmentStatusUpdate is sent whenever the derived status of an attachment changes.
type AttachmentStatusUpdate struct {
	MessageID       ids.ID
	AttachmentIndex int
	Status          Status
}
