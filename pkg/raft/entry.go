package raft

import (
    "encoding/binary"
    "fmt"

    "github.com/cespare/xxhash/v2"
)

// EntryKind tags the payload of a log entry.
type EntryKind uint8

const (
    KindData EntryKind = iota + 1
    KindConfiguration
    KindNoOp
)

func (k EntryKind) String() string {
    switch k {
    case KindData:
        return "data"
    case KindConfiguration:
        return "configuration"
    case KindNoOp:
        return "noop"
    default:
        return fmt.Sprintf("kind(%d)", uint8(k))
    }
}

// Entry is one position of the replicated log.
type Entry struct {
    Index    uint64    `json:"index"`
    Term     uint64    `json:"term"`
    Kind     EntryKind `json:"kind"`
    Data     []byte    `json:"data,omitempty"`
    Checksum uint64    `json:"checksum"`
}

// LogID names a log position by index and term.
type LogID struct {
    Index uint64 `json:"index"`
    Term  uint64 `json:"term"`
}

// entryChecksum hashes the entry identity together with its payload so that a
// payload moved to another position does not verify.
func entryChecksum(index, term uint64, kind EntryKind, data []byte) uint64 {
    var hdr [17]byte
    binary.BigEndian.PutUint64(hdr[0:8], index)
    binary.BigEndian.PutUint64(hdr[8:16], term)
    hdr[16] = byte(kind)
    d := xxhash.New()
    _, _ = d.Write(hdr[:])
    _, _ = d.Write(data)
    return d.Sum64()
}

// Seal computes and stores the checksum.
func (e *Entry) Seal() { e.Checksum = entryChecksum(e.Index, e.Term, e.Kind, e.Data) }

// Verify reports whether the stored checksum matches the entry.
func (e *Entry) Verify() bool {
    return e.Checksum == entryChecksum(e.Index, e.Term, e.Kind, e.Data)
}

// confPayload is the payload of a KindConfiguration entry.
type confPayload struct {
    Conf Configuration `json:"conf"`
    Old  Configuration `json:"old"`
}
