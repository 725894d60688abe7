package crypto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSealOpen(t *testing.T) {
	require := require.New(t)
	key := NewReceiptKey()
	require.Equal(32, len(key))

	sealed, err := SealReceipt(key, []byte("delivered"))
	require.Nil(err)
	opened, err := ReceiptCipher{}.Decrypt(key, sealed)
	require.Nil(err)
	require.Equal([]byte("delivered"), opened)
}

func TestOpenWrongKey(t *testing.T) {
	require := require.New(t)
	sealed, err := SealReceipt(NewReceiptKey(), []byte("read"))
	require.Nil(err)
	_, err = OpenReceipt(NewReceiptKey(), sealed)
	require.NotNil(err)
}

func TestOpenBadInputs(t *testing.T) {
	require := require.New(t)
	_, err := OpenReceipt([]byte{1, 2, 3}, []byte("whatever"))
	require.NotNil(err)
	_, err = OpenReceipt(NewReceiptKey(), []byte("short"))
	require.ErrorIs(err, ErrShortPayload)
}

func TestNoncesDiffer(t *testing.T) {
	require := require.New(t)
	require.Equal(ReceiptNonceSize, len(NewReceiptNonce()))
	require.NotEqual(NewReceiptNonce(), NewReceiptNonce())
}
