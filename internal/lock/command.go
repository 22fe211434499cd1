// Package lock implements a replicated lock table with fencing tokens.
//
// Lock state lives inside the consensus state machine: every acquire,
// release, renew and reap rides the replicated log, so all nodes agree
// on who holds what. Each grant carries a fencing token that increases
// strictly per resource and never repeats, letting downstream services
// reject writes from a holder whose lease has already been reassigned.
//
// Lease expiry is evaluated against the leader clock stamp carried by
// the command being applied, never against a node's local clock, so an
// expired lease is reclaimed at the same log index on every replica.
package lock

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/KilimcininKorOglu/divan/internal/raft"
)

// Command kinds carried in the raft command envelope.
const (
	KindAcquire uint8 = iota + 1
	KindRelease
	KindRenew
	KindReap
)

// AggregatePrefix namespaces lock resources on the commit stream.
const AggregatePrefix = "locks/"

// payload is the serialized body of a lock command.
// Format: [flags:1][ttl:8][token:8][ownerLen:2][owner:N]
type payload struct {
	Owner string // Owner identity
	TTL   int64  // Lease duration in nanoseconds (0 = no expiry)
	Token uint64 // Fencing token (release/renew only)
	Wait  bool   // Acquire: queue instead of failing when held
}

const flagWait = 1

func (p *payload) encode() []byte {
	var buf bytes.Buffer

	var flags byte
	if p.Wait {
		flags |= flagWait
	}
	buf.WriteByte(flags)

	binary.Write(&buf, binary.LittleEndian, p.TTL)
	binary.Write(&buf, binary.LittleEndian, p.Token)

	owner := []byte(p.Owner)
	binary.Write(&buf, binary.LittleEndian, uint16(len(owner)))
	buf.Write(owner)

	return buf.Bytes()
}

func decodePayload(data []byte) (*payload, error) {
	if len(data) < 19 {
		return nil, ErrCorrupted
	}

	buf := bytes.NewReader(data)
	p := &payload{}

	flags, err := buf.ReadByte()
	if err != nil {
		return nil, ErrCorrupted
	}
	p.Wait = flags&flagWait != 0

	if err := binary.Read(buf, binary.LittleEndian, &p.TTL); err != nil {
		return nil, ErrCorrupted
	}
	if err := binary.Read(buf, binary.LittleEndian, &p.Token); err != nil {
		return nil, ErrCorrupted
	}

	var ownerLen uint16
	if err := binary.Read(buf, binary.LittleEndian, &ownerLen); err != nil {
		return nil, ErrCorrupted
	}
	owner := make([]byte, ownerLen)
	if _, err := io.ReadFull(buf, owner); err != nil {
		return nil, ErrCorrupted
	}
	p.Owner = string(owner)

	return p, nil
}

// newCommand builds the raft command envelope for a lock operation.
func newCommand(kind uint8, requestID, resource string, p *payload) *raft.Command {
	return &raft.Command{
		RequestID: requestID,
		Kind:      kind,
		Aggregate: AggregatePrefix + resource,
		Data:      p.encode(),
	}
}
