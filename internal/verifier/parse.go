// Package verifier inspects raw transaction bytes to confirm that a payment
// transfers what was promised, independent of what the client claims.
package verifier

import (
	"encoding/binary"
	"errors"
	"fmt"

	"agentspend/go-backend/internal/apperr"
	"agentspend/go-backend/internal/chain"

	"github.com/mr-tron/base58/base58"
)

const (
	signatureSize = 64
	hashSize      = 32
	headerSize    = 3

	versionPrefixMask = 0x80

	// TransferChecked: [12][amount u64 LE][decimals u8]
	transferCheckedOpcode  = 12
	transferCheckedDataLen = 10
	transferCheckedMinKeys = 4
)

var ErrMalformedTransaction = errors.New("verifier: malformed transaction")

// VerifiedTransfer is one TransferChecked instruction decoded from a
// transaction.
type VerifiedTransfer struct {
	Source      string `json:"source"`
	Mint        string `json:"mint"`
	Destination string `json:"destination"`
	Authority   string `json:"authority"`
	Amount      uint64 `json:"amount"`
	Decimals    uint8  `json:"decimals"`
	ProgramID   string `json:"programId"`
}

// ParseTransferInstructions extracts every TransferChecked instruction of
// either token program. Account indexes resolve against accountKeys; when it
// is empty the message's own static keys are used. No matching instruction
// yields an empty slice, not an error.
func ParseTransferInstructions(raw []byte, accountKeys []string) ([]VerifiedTransfer, error) {
	msg, err := decodeMessage(raw)
	if err != nil {
		return nil, apperr.Validation(err)
	}
	keys := accountKeys
	if len(keys) == 0 {
		keys = msg.accountKeys
	}

	transfers := []VerifiedTransfer{}
	for i, inst := range msg.instructions {
		if int(inst.programIndex) >= len(keys) {
			return nil, apperr.Validation(fmt.Errorf("%w: instruction %d program index %d out of range", ErrMalformedTransaction, i, inst.programIndex))
		}
		programID := keys[inst.programIndex]
		if !chain.IsTokenProgram(programID) {
			continue
		}
		if len(inst.data) < transferCheckedDataLen || inst.data[0] != transferCheckedOpcode {
			continue
		}
		if len(inst.accounts) < transferCheckedMinKeys {
			return nil, apperr.Validation(fmt.Errorf("%w: instruction %d has %d accounts", ErrMalformedTransaction, i, len(inst.accounts)))
		}
		resolved := make([]string, transferCheckedMinKeys)
		for j := range resolved {
			index := int(inst.accounts[j])
			if index >= len(keys) {
				return nil, apperr.Validation(fmt.Errorf("%w: instruction %d account index %d out of range", ErrMalformedTransaction, i, index))
			}
			resolved[j] = keys[index]
		}
		transfers = append(transfers, VerifiedTransfer{
			Source:      resolved[0],
			Mint:        resolved[1],
			Destination: resolved[2],
			Authority:   resolved[3],
			Amount:      binary.LittleEndian.Uint64(inst.data[1:9]),
			Decimals:    inst.data[9],
			ProgramID:   programID,
		})
	}
	return transfers, nil
}

// FeePayer returns the first static account key, which pays the fee and
// holds the first signature slot.
func FeePayer(raw []byte) (string, error) {
	msg, err := decodeMessage(raw)
	if err != nil {
		return "", apperr.Validation(err)
	}
	if len(msg.accountKeys) == 0 {
		return "", apperr.Validation(fmt.Errorf("%w: no account keys", ErrMalformedTransaction))
	}
	return msg.accountKeys[0], nil
}

type compiledInstruction struct {
	programIndex uint8
	accounts     []uint8
	data         []byte
}

type message struct {
	accountKeys  []string
	instructions []compiledInstruction
}

// decodeMessage walks the wire layout: signatures, optional version prefix,
// header, static account keys, blockhash and instructions. Address lookup
// tables of v0 messages are not read.
func decodeMessage(raw []byte) (*message, error) {
	r := &reader{buf: raw}
	sigCount, err := r.shortVec()
	if err != nil {
		return nil, err
	}
	if err := r.skip(sigCount * signatureSize); err != nil {
		return nil, err
	}

	prefix, err := r.peek()
	if err != nil {
		return nil, err
	}
	if prefix&versionPrefixMask != 0 {
		if version := prefix &^ versionPrefixMask; version != 0 {
			return nil, fmt.Errorf("%w: unsupported message version %d", ErrMalformedTransaction, version)
		}
		_ = r.skip(1)
	}

	if err := r.skip(headerSize); err != nil {
		return nil, err
	}
	msg := &message{}

	keyCount, err := r.shortVec()
	if err != nil {
		return nil, err
	}
	msg.accountKeys = make([]string, 0, keyCount)
	for i := 0; i < keyCount; i++ {
		key, err := r.bytes(chain.AddressSize)
		if err != nil {
			return nil, err
		}
		msg.accountKeys = append(msg.accountKeys, base58.Encode(key))
	}
	if err := r.skip(hashSize); err != nil {
		return nil, err
	}

	instCount, err := r.shortVec()
	if err != nil {
		return nil, err
	}
	msg.instructions = make([]compiledInstruction, 0, instCount)
	for i := 0; i < instCount; i++ {
		programIndex, err := r.readByte()
		if err != nil {
			return nil, err
		}
		accountCount, err := r.shortVec()
		if err != nil {
			return nil, err
		}
		accounts, err := r.bytes(accountCount)
		if err != nil {
			return nil, err
		}
		dataLen, err := r.shortVec()
		if err != nil {
			return nil, err
		}
		data, err := r.bytes(dataLen)
		if err != nil {
			return nil, err
		}
		msg.instructions = append(msg.instructions, compiledInstruction{
			programIndex: programIndex,
			accounts:     accounts,
			data:         data,
		})
	}
	return msg, nil
}

type reader struct {
	buf []byte
	off int
}

func (r *reader) truncated(want int) error {
	return fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrMalformedTransaction, want, r.off, len(r.buf)-r.off)
}

func (r *reader) peek() (byte, error) {
	if r.off >= len(r.buf) {
		return 0, r.truncated(1)
	}
	return r.buf[r.off], nil
}

func (r *reader) readByte() (byte, error) {
	b, err := r.peek()
	if err != nil {
		return 0, err
	}
	r.off++
	return b, nil
}

func (r *reader) bytes(n int) ([]byte, error) {
	if n < 0 || n > len(r.buf)-r.off {
		return nil, r.truncated(n)
	}
	out := r.buf[r.off : r.off+n]
	r.off += n
	return out, nil
}

func (r *reader) skip(n int) error {
	_, err := r.bytes(n)
	return err
}

// shortVec decodes the compact-u16 length prefix: 7 bits per byte, at most
// three bytes.
func (r *reader) shortVec() (int, error) {
	value := 0
	for i := 0; i < 3; i++ {
		b, err := r.readByte()
		if err != nil {
			return 0, err
		}
		value |= int(b&0x7f) << (7 * i)
		if b&0x80 == 0 {
			if value > 0xffff {
				return 0, fmt.Errorf("%w: compact length %d overflows u16", ErrMalformedTransaction, value)
			}
			return value, nil
		}
	}
	return 0, fmt.Errorf("%w: compact length longer than 3 bytes", ErrMalformedTransaction)
}
