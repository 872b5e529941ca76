package ledger

import (
	"crypto/ed25519"
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
)

// Wire sizes.
const (
	SignatureSize = 64
	PublicKeySize = 32
	HashSize      = 32
)

// LegacyVersion marks a message without a version prefix.
const LegacyVersion = -1

var (
	ErrShortBuffer      = errors.New("ledger: transaction truncated")
	ErrNoSignatures     = errors.New("ledger: transaction has no signatures")
	ErrBadCompactLength = errors.New("ledger: malformed compact-u16 length")
	ErrUnsupported      = errors.New("ledger: unsupported message version")
)

// MessageHeader describes which account keys sign and which are read-only.
type MessageHeader struct {
	RequiredSignatures     uint8
	ReadonlySignedAccounts uint8
	ReadonlyUnsigned       uint8
}

// Transaction is a decoded wire transaction. Only the parts needed to
// identify and verify it are parsed; instructions stay inside Message.
type Transaction struct {
	Signatures      [][]byte
	Version         int
	Header          MessageHeader
	AccountKeys     [][]byte
	RecentBlockhash []byte

	// Message is the signed payload.
	Message []byte
}

// Decode parses a serialized legacy or v0 transaction.
func Decode(raw []byte) (*Transaction, error) {
	r := &reader{buf: raw}

	n, err := r.compactU16()
	if err != nil {
		return nil, fmt.Errorf("signature count: %w", err)
	}
	if n == 0 {
		return nil, ErrNoSignatures
	}

	tx := &Transaction{Signatures: make([][]byte, 0, n), Version: LegacyVersion}
	for i := 0; i < n; i++ {
		sig, err := r.readBytes(SignatureSize)
		if err != nil {
			return nil, fmt.Errorf("signature %d: %w", i, err)
		}
		tx.Signatures = append(tx.Signatures, sig)
	}

	tx.Message = raw[r.pos:]

	prefix, err := r.readByte()
	if err != nil {
		return nil, fmt.Errorf("message header: %w", err)
	}
	if prefix&0x80 != 0 {
		tx.Version = int(prefix & 0x7f)
		if tx.Version != 0 {
			return nil, fmt.Errorf("%w: %d", ErrUnsupported, tx.Version)
		}
		if prefix, err = r.readByte(); err != nil {
			return nil, fmt.Errorf("message header: %w", err)
		}
	}

	hdr, err := r.readBytes(2)
	if err != nil {
		return nil, fmt.Errorf("message header: %w", err)
	}
	tx.Header = MessageHeader{
		RequiredSignatures:     prefix,
		ReadonlySignedAccounts: hdr[0],
		ReadonlyUnsigned:       hdr[1],
	}

	keys, err := r.compactU16()
	if err != nil {
		return nil, fmt.Errorf("account key count: %w", err)
	}
	tx.AccountKeys = make([][]byte, 0, keys)
	for i := 0; i < keys; i++ {
		key, err := r.readBytes(PublicKeySize)
		if err != nil {
			return nil, fmt.Errorf("account key %d: %w", i, err)
		}
		tx.AccountKeys = append(tx.AccountKeys, key)
	}

	if tx.RecentBlockhash, err = r.readBytes(HashSize); err != nil {
		return nil, fmt.Errorf("recent blockhash: %w", err)
	}
	return tx, nil
}

// Signature returns the transaction id: the base58 first signature.
func (tx *Transaction) Signature() string {
	if len(tx.Signatures) == 0 {
		return ""
	}
	return base58.Encode(tx.Signatures[0])
}

// Accounts returns the static account keys in base58.
func (tx *Transaction) Accounts() []string {
	out := make([]string, len(tx.AccountKeys))
	for i, k := range tx.AccountKeys {
		out[i] = base58.Encode(k)
	}
	return out
}

// Blockhash returns the recent blockhash in base58.
func (tx *Transaction) Blockhash() string {
	return base58.Encode(tx.RecentBlockhash)
}

// Verify checks every required signature against its signer key.
func (tx *Transaction) Verify() error {
	required := int(tx.Header.RequiredSignatures)
	if required > len(tx.Signatures) || required > len(tx.AccountKeys) {
		return fmt.Errorf("ledger: %d required signatures, have %d signatures and %d keys",
			required, len(tx.Signatures), len(tx.AccountKeys))
	}
	for i := 0; i < required; i++ {
		if !ed25519.Verify(ed25519.PublicKey(tx.AccountKeys[i]), tx.Message, tx.Signatures[i]) {
			return fmt.Errorf("ledger: signature %d does not match %s", i, base58.Encode(tx.AccountKeys[i]))
		}
	}
	return nil
}

type reader struct {
	buf []byte
	pos int
}

func (r *reader) readByte() (byte, error) {
	if r.pos >= len(r.buf) {
		return 0, ErrShortBuffer
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

func (r *reader) readBytes(n int) ([]byte, error) {
	if len(r.buf)-r.pos < n {
		return nil, ErrShortBuffer
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

// compactU16 reads a length encoded in 1 to 3 bytes, 7 bits per byte.
func (r *reader) compactU16() (int, error) {
	v := 0
	for i := 0; i < 3; i++ {
		b, err := r.readByte()
		if err != nil {
			return 0, err
		}
		v |= int(b&0x7f) << (7 * i)
		if b&0x80 == 0 {
			if v > 0xffff {
				return 0, ErrBadCompactLength
			}
			return v, nil
		}
	}
	return 0, ErrBadCompactLength
}

// EncodeCompactU16 appends n in compact-u16 form.
func EncodeCompactU16(dst []byte, n int) []byte {
	for {
		b := byte(n & 0x7f)
		n >>= 7
		if n == 0 {
			return append(dst, b)
		}
		dst = append(dst, b|0x80)
	}
}
