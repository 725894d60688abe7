package cli

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/meow-io/go-receipts"
	"github.com/meow-io/go-receipts/config"
	"github.com/meow-io/go-receipts/crypto"
	"github.com/meow-io/go-receipts/ids"
	"github.com/meow-io/go-receipts/receipt"
	"github.com/stretchr/testify/require"
)

const password = "cli password"

type fixture struct {
	root      string
	messageID ids.ID
	owned     []byte
	nonce     []byte
	key       []byte

	malformedNonce []byte
}

// newFixture leaves a database with one tracked message, one receipt stashed under a nonce no
// record knows yet and one quarantined receipt.
func newFixture(t *testing.T) *fixture {
	require := require.New(t)
	f := &fixture{
		root:  t.TempDir(),
		owned: []byte("owned"),
		nonce: crypto.NewReceiptNonce(),
		key:   crypto.NewReceiptKey(),
	}
	r, err := receipts.NewReceipts(config.NewConfig(config.WithRootDir(f.root), config.WithLoggingPrefix("cli-test")))
	require.Nil(err)
	key, err := r.NewKey(password)
	require.Nil(err)
	require.Nil(r.Initialize(key))

	msg := &receipt.TrackedMessage{ID: ids.NewID()}
	msgNonce, msgKey := crypto.NewReceiptNonce(), crypto.NewReceiptKey()
	require.Nil(r.Track(msg, []*receipt.RecipientDeliveryRecord{{
		OwnedIdentity:      f.owned,
		RecipientIdentity:  []byte("bob"),
		ReturnReceiptNonce: msgNonce,
		ReturnReceiptKey:   msgKey,
		SentAt:             receipt.At(1_700_000_000_000),
	}}))
	f.messageID = msg.ID

	garbage, err := crypto.SealReceipt(msgKey, []byte("garbage"))
	require.Nil(err)
	outcome, err := r.HandleIncoming(context.Background(), &receipt.ReceiptArrived{
		OwnedIdentity:    f.owned,
		ServerUID:        []byte("uid-garbage"),
		Nonce:            msgNonce,
		EncryptedPayload: garbage,
		ServerTimestamp:  1_700_000_002_000,
	})
	require.Nil(err)
	require.Equal(receipt.OutcomeMalformed, outcome)
	f.malformedNonce = msgNonce

	body, err := receipt.NewPlaintextReceipt([]byte("carol"), receipt.KindDelivered, nil).Serialize()
	require.Nil(err)
	payload, err := crypto.SealReceipt(f.key, body)
	require.Nil(err)
	outcome, err = r.HandleIncoming(context.Background(), &receipt.ReceiptArrived{
		OwnedIdentity:    f.owned,
		ServerUID:        []byte("uid"),
		Nonce:            f.nonce,
		EncryptedPayload: payload,
		ServerTimestamp:  1_700_000_001_000,
	})
	require.Nil(err)
	require.Equal(receipt.OutcomeStashed, outcome)
	require.Nil(r.Shutdown())
	return f
}

func run(t *testing.T, args ...string) (string, error) {
	cmd := RootCmd()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestStatus(t *testing.T) {
	require := require.New(t)
	f := newFixture(t)
	t.Setenv(PasswordEnv, password)

	out, err := run(t, "status", f.messageID.String(), "--root", f.root)
	require.Nil(err)
	require.Contains(out, fmt.Sprintf("Message %s: sent", f.messageID))
	require.Contains(out, hex.EncodeToString([]byte("bob")))
	require.Contains(out, "2023-11-14T22:13:20Z")
}

func TestStalledAndDrain(t *testing.T) {
	require := require.New(t)
	f := newFixture(t)
	t.Setenv(PasswordEnv, password)

	out, err := run(t, "stalled", "--root", f.root)
	require.Nil(err)
	require.Contains(out, hex.EncodeToString(f.nonce))
	require.Contains(out, "1 stalled")

	out, err = run(t, "drain", hex.EncodeToString(f.owned), hex.EncodeToString(f.nonce), hex.EncodeToString(f.key), "--root", f.root)
	require.Nil(err)
	require.Contains(out, "drained 1 receipts")

	out, err = run(t, "stalled", "--root", f.root)
	require.Nil(err)
	require.Contains(out, "No stalled receipts.")
}

func TestMalformed(t *testing.T) {
	require := require.New(t)
	f := newFixture(t)
	t.Setenv(PasswordEnv, password)

	out, err := run(t, "malformed", "--root", f.root)
	require.Nil(err)
	require.Contains(out, hex.EncodeToString(f.malformedNonce))
	require.Contains(out, "malformed receipt")
	require.Contains(out, "1 malformed")
}

func TestDrainArguments(t *testing.T) {
	require := require.New(t)
	t.Setenv(PasswordEnv, password)

	_, err := run(t, "drain", "00", "zz", "--root", t.TempDir())
	require.NotNil(err)
	_, err = run(t, "drain", "00", "01", "--root", t.TempDir())
	require.NotNil(err)
	_, err = run(t, "drain", "00", "01", "02", "--retry", "--root", t.TempDir())
	require.NotNil(err)
}

func TestConfigFileAndMissingPassword(t *testing.T) {
	require := require.New(t)
	f := newFixture(t)
	cfg := filepath.Join(t.TempDir(), "receipts.yaml")
	require.Nil(os.WriteFile(cfg, []byte(fmt.Sprintf("root_dir: %s\nworkers: 2\n", f.root)), 0o600))

	t.Setenv(PasswordEnv, password)
	out, err := run(t, "stalled", "--config", cfg)
	require.Nil(err)
	require.Contains(out, "1 stalled")

	require.Nil(os.Unsetenv(PasswordEnv))
	_, err = run(t, "stalled", "--config", cfg)
	require.NotNil(err)
}

func TestMissingDatabase(t *testing.T) {
	require := require.New(t)
	t.Setenv(PasswordEnv, password)
	_, err := run(t, "stalled", "--root", t.TempDir())
	require.NotNil(err)
}
