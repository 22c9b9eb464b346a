// Package spake2p implements the SPAKE2+ exchange (RFC 9383,
// P256-SHA256-HKDF-HMAC) used by the PASE handshake.
//
//	Prover (initiator)               Verifier (responder)
//	NewProver(w0, w1)                NewVerifier(w0, L)
//	                      <--- Y --- Y = Share()
//	X = Share()
//	Finish(Y)
//	cA = Confirmation()  -- X,cA --> Finish(X); VerifyPeer(cA)
//	VerifyPeer(cB)       <--- cB --- cB = Confirmation()
package spake2p

import (
	"crypto/elliptic"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"io"
	"math/big"

	"github.com/mrjerryjohns/openweave-core/pkg/crypto"
)

const (
	// ScalarSize is the size of a P-256 scalar.
	ScalarSize = 32

	// PointSize is the size of an uncompressed P-256 point.
	PointSize = 65

	// ConfirmationSize is the HMAC-SHA256 confirmation length.
	ConfirmationSize = 32

	// SecretSize is the length of the shared secret Ke.
	SecretSize = 16

	// wsSize is the PBKDF2 output per scalar, oversized to reduce bias.
	wsSize = ScalarSize + 8
)

var (
	ErrInvalidPoint         = errors.New("spake2p: invalid point")
	ErrBadState             = errors.New("spake2p: operation out of order")
	ErrConfirmationMismatch = errors.New("spake2p: confirmation mismatch")
)

// M and N from RFC 9383 section 4 for P-256.
var (
	encodedM = []byte{
		0x04, 0x88, 0x6e, 0x2f, 0x97, 0xac, 0xe4, 0x6e, 0x55, 0xba, 0x9d, 0xd7, 0x24, 0x25, 0x79, 0xf2, 0x99,
		0x3b, 0x64, 0xe1, 0x6e, 0xf3, 0xdc, 0xab, 0x95, 0xaf, 0xd4, 0x97, 0x33, 0x3d, 0x8f, 0xa1, 0x2f, 0x5f,
		0xf3, 0x55, 0x16, 0x3e, 0x43, 0xce, 0x22, 0x4e, 0x0b, 0x0e, 0x65, 0xff, 0x02, 0xac, 0x8e, 0x5c, 0x7b,
		0xe0, 0x94, 0x19, 0xc7, 0x85, 0xe0, 0xca, 0x54, 0x7d, 0x55, 0xa1, 0x2e, 0x2d, 0x20,
	}
	encodedN = []byte{
		0x04, 0xd8, 0xbb, 0xd6, 0xc6, 0x39, 0xc6, 0x29, 0x37, 0xb0, 0x4d, 0x99, 0x7f, 0x38, 0xc3, 0x77, 0x07,
		0x19, 0xc6, 0x29, 0xd7, 0x01, 0x4d, 0x49, 0xa2, 0x4b, 0x4f, 0x98, 0xba, 0xa1, 0x29, 0x2b, 0x49, 0x07,
		0xd6, 0x0a, 0xa6, 0xbf, 0xad, 0xe4, 0x50, 0x08, 0xa6, 0x36, 0x33, 0x7f, 0x51, 0x68, 0xc6, 0x4d, 0x9b,
		0xd3, 0x60, 0x34, 0x80, 0x8c, 0xd5, 0x64, 0x49, 0x0b, 0x1e, 0x65, 0x6e, 0xdb, 0xe7,
	}

	curve  = elliptic.P256()
	pointM = mustDecode(encodedM)
	pointN = mustDecode(encodedN)
)

type point struct{ x, y *big.Int }

// DeriveW0W1 derives the SPAKE2+ password scalars from a password:
// PBKDF2-SHA256 to 80 bytes, each half reduced modulo the group order.
func DeriveW0W1(password, salt []byte, iterations int) (w0, w1 []byte) {
	ws := crypto.PBKDF2SHA256(password, salt, iterations, 2*wsSize)
	defer crypto.Zeroize(ws)

	n := curve.Params().N
	w0 = make([]byte, ScalarSize)
	w1 = make([]byte, ScalarSize)
	new(big.Int).Mod(new(big.Int).SetBytes(ws[:wsSize]), n).FillBytes(w0)
	new(big.Int).Mod(new(big.Int).SetBytes(ws[wsSize:]), n).FillBytes(w1)
	return w0, w1
}

// ComputeL returns the verifier registration point L = w1*P.
func ComputeL(w1 []byte) []byte {
	x, y := curve.ScalarBaseMult(w1)
	return encode(&point{x, y})
}

// Party is one side of a SPAKE2+ exchange.
type Party struct {
	prover  bool
	context []byte
	idP     []byte
	idV     []byte
	w0      *big.Int
	w1      *big.Int // prover only
	l       *point   // verifier only
	rand    io.Reader

	secret    *big.Int
	myShare   []byte
	peerShare []byte

	ke, kcA, kcB []byte
}

// NewProver creates the password-holding side.
func NewProver(context, idP, idV, w0, w1 []byte) *Party {
	return &Party{
		prover:  true,
		context: context,
		idP:     idP,
		idV:     idV,
		w0:      new(big.Int).SetBytes(w0),
		w1:      new(big.Int).SetBytes(w1),
		rand:    rand.Reader,
	}
}

// NewVerifier creates the side holding (w0, L).
func NewVerifier(context, idP, idV, w0, l []byte) (*Party, error) {
	lp, err := decode(l)
	if err != nil {
		return nil, err
	}
	return &Party{
		context: context,
		idP:     idP,
		idV:     idV,
		w0:      new(big.Int).SetBytes(w0),
		l:       lp,
		rand:    rand.Reader,
	}, nil
}

// SetRandom replaces the random source.
func (p *Party) SetRandom(r io.Reader) {
	p.rand = r
}

// Share generates the local public share: X = x*P + w0*M for the prover,
// Y = y*P + w0*N for the verifier.
func (p *Party) Share() ([]byte, error) {
	if p.myShare != nil {
		return nil, ErrBadState
	}
	k, err := randomScalar(p.rand)
	if err != nil {
		return nil, err
	}
	gen := pointN
	if p.prover {
		gen = pointM
	}
	x, y := curve.ScalarBaseMult(k.Bytes())
	wx, wy := curve.ScalarMult(gen.x, gen.y, p.w0.Bytes())
	sx, sy := curve.Add(x, y, wx, wy)

	p.secret = k
	p.myShare = encode(&point{sx, sy})
	return append([]byte(nil), p.myShare...), nil
}

// Finish processes the peer's share and derives the session keys.
func (p *Party) Finish(peerShare []byte) error {
	if p.myShare == nil || p.ke != nil {
		return ErrBadState
	}
	peer, err := decode(peerShare)
	if err != nil {
		return err
	}

	// Remove the password blinding from the peer share.
	gen := pointM
	if p.prover {
		gen = pointN
	}
	bx, by := curve.ScalarMult(gen.x, gen.y, p.w0.Bytes())
	negY := new(big.Int).Sub(curve.Params().P, by)
	ux, uy := curve.Add(peer.x, peer.y, bx, negY)

	zx, zy := curve.ScalarMult(ux, uy, p.secret.Bytes())
	var vx, vy *big.Int
	if p.prover {
		vx, vy = curve.ScalarMult(ux, uy, p.w1.Bytes())
	} else {
		vx, vy = curve.ScalarMult(p.l.x, p.l.y, p.secret.Bytes())
	}

	p.peerShare = append([]byte(nil), peerShare...)
	return p.deriveKeys(encode(&point{zx, zy}), encode(&point{vx, vy}))
}

func (p *Party) deriveKeys(z, v []byte) error {
	x, y := p.myShare, p.peerShare
	if !p.prover {
		x, y = y, x
	}
	w0 := make([]byte, ScalarSize)
	p.w0.FillBytes(w0)

	var tt []byte
	for _, part := range [][]byte{p.context, p.idP, p.idV, encodedM, encodedN, x, y, z, v, w0} {
		tt = binary.LittleEndian.AppendUint64(tt, uint64(len(part)))
		tt = append(tt, part...)
	}

	kae := crypto.SHA256.Sum(tt)
	ka := kae[:16]
	p.ke = append([]byte(nil), kae[16:]...)

	kc, err := crypto.HKDF(crypto.SHA256, ka, nil, []byte("ConfirmationKeys"), 32)
	if err != nil {
		return err
	}
	p.kcA, p.kcB = kc[:16], kc[16:]
	crypto.Zeroize(kae)
	return nil
}

// Confirmation returns the local key confirmation: HMAC(KcA, Y) for the
// prover, HMAC(KcB, X) for the verifier.
func (p *Party) Confirmation() ([]byte, error) {
	if p.ke == nil {
		return nil, ErrBadState
	}
	if p.prover {
		return crypto.HMAC(crypto.SHA256, p.kcA, p.peerShare), nil
	}
	return crypto.HMAC(crypto.SHA256, p.kcB, p.peerShare), nil
}

// VerifyPeer checks the peer's key confirmation.
func (p *Party) VerifyPeer(confirmation []byte) error {
	if p.ke == nil {
		return ErrBadState
	}
	var expected []byte
	if p.prover {
		expected = crypto.HMAC(crypto.SHA256, p.kcB, p.myShare)
	} else {
		expected = crypto.HMAC(crypto.SHA256, p.kcA, p.myShare)
	}
	if !crypto.HMACEqual(expected, confirmation) {
		return ErrConfirmationMismatch
	}
	return nil
}

// SharedSecret returns Ke, or nil before Finish.
func (p *Party) SharedSecret() []byte {
	if p.ke == nil {
		return nil
	}
	return append([]byte(nil), p.ke...)
}

// Wipe clears all secret state.
func (p *Party) Wipe() {
	for _, b := range [][]byte{p.ke, p.kcA, p.kcB} {
		crypto.Zeroize(b)
	}
	if p.secret != nil {
		p.secret.SetInt64(0)
	}
	p.w0.SetInt64(0)
	if p.w1 != nil {
		p.w1.SetInt64(0)
	}
	p.ke, p.kcA, p.kcB = nil, nil, nil
}

func randomScalar(r io.Reader) (*big.Int, error) {
	n := curve.Params().N
	buf := make([]byte, ScalarSize)
	for {
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		k := new(big.Int).SetBytes(buf)
		if k.Sign() > 0 && k.Cmp(n) < 0 {
			return k, nil
		}
	}
}

func decode(data []byte) (*point, error) {
	if len(data) != PointSize || data[0] != 0x04 {
		return nil, ErrInvalidPoint
	}
	x := new(big.Int).SetBytes(data[1:33])
	y := new(big.Int).SetBytes(data[33:])
	if !curve.IsOnCurve(x, y) {
		return nil, ErrInvalidPoint
	}
	return &point{x, y}, nil
}

func mustDecode(data []byte) *point {
	p, err := decode(data)
	if err != nil {
		panic(err)
	}
	return p
}

func encode(p *point) []byte {
	out := make([]byte, PointSize)
	out[0] = 0x04
	p.x.FillBytes(out[1:33])
	p.y.FillBytes(out[33:])
	return out
}
