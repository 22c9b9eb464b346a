package spake2p

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runExchange(t *testing.T, proverPassword, verifierPassword []byte) (*Party, *Party, error) {
	t.Helper()
	salt := []byte("0123456789abcdef")

	w0, w1 := DeriveW0W1(proverPassword, salt, 1000)
	prover := NewProver([]byte("ctx"), nil, nil, w0, w1)

	vw0, vw1 := DeriveW0W1(verifierPassword, salt, 1000)
	verifier, err := NewVerifier([]byte("ctx"), nil, nil, vw0, ComputeL(vw1))
	require.NoError(t, err)

	y, err := verifier.Share()
	require.NoError(t, err)
	x, err := prover.Share()
	require.NoError(t, err)

	require.NoError(t, prover.Finish(y))
	cA, err := prover.Confirmation()
	require.NoError(t, err)

	require.NoError(t, verifier.Finish(x))
	if err := verifier.VerifyPeer(cA); err != nil {
		return prover, verifier, err
	}
	cB, err := verifier.Confirmation()
	require.NoError(t, err)
	return prover, verifier, prover.VerifyPeer(cB)
}

func TestExchange_SamePassword(t *testing.T) {
	prover, verifier, err := runExchange(t, []byte("secret"), []byte("secret"))
	require.NoError(t, err)

	assert.Len(t, prover.SharedSecret(), SecretSize)
	assert.Equal(t, prover.SharedSecret(), verifier.SharedSecret())
}

func TestExchange_WrongPassword(t *testing.T) {
	_, _, err := runExchange(t, []byte("secret"), []byte("guess"))
	assert.ErrorIs(t, err, ErrConfirmationMismatch)
}

func TestParty_OutOfOrder(t *testing.T) {
	w0, w1 := DeriveW0W1([]byte("pw"), []byte("salt-salt-salt!!"), 1000)
	p := NewProver(nil, nil, nil, w0, w1)

	_, err := p.Confirmation()
	assert.ErrorIs(t, err, ErrBadState)
	assert.ErrorIs(t, p.Finish(make([]byte, PointSize)), ErrBadState)

	_, err = p.Share()
	require.NoError(t, err)
	assert.ErrorIs(t, p.Finish([]byte{0x04, 0x01}), ErrInvalidPoint)
}

func TestParty_WipeClearsSecret(t *testing.T) {
	prover, _, err := runExchange(t, []byte("pw"), []byte("pw"))
	require.NoError(t, err)
	prover.Wipe()
	assert.Nil(t, prover.SharedSecret())
}
