package notify

import (
	"encoding/binary"
	"fmt"
)

// QueueEntry is one record stored in a queue page (spec §3). A dummy
// padding entry carries only Length and DBOID (DBOID == InvalidDBOID); the
// remaining fields are meaningless for it and are left zero.
type QueueEntry struct {
	Length  uint32
	DBOID   uint32
	XID     uint64
	PID     int32
	Channel string
	Payload string
}

// IsDummy reports whether e is page-slack padding rather than a real
// notification.
func (e QueueEntry) IsDummy() bool {
	return e.DBOID == InvalidDBOID
}

// align rounds n up to the next multiple of entryAlignment.
func align(n int) int {
	if rem := n % entryAlignment; rem != 0 {
		n += entryAlignment - rem
	}
	return n
}

// encodedLen returns the aligned on-wire length of a real (non-dummy)
// entry carrying channel and payload.
func encodedLen(channel, payload string) int {
	// 4 (length) + 4 (dboid) + 8 (xid) + 4 (pid) + channel + NUL + payload + NUL
	return align(20 + len(channel) + 1 + len(payload) + 1)
}

// encodeEntry renders a real notification entry. Callers validate channel
// and payload lengths before calling this (validateChannel/validatePayload).
func encodeEntry(dboid uint32, xid uint64, pid int32, channel, payload string) []byte {
	n := encodedLen(channel, payload)
	buf := make([]byte, n)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(n))
	binary.LittleEndian.PutUint32(buf[4:8], dboid)
	binary.LittleEndian.PutUint64(buf[8:16], xid)
	binary.LittleEndian.PutUint32(buf[16:20], uint32(pid))
	off := 20
	copy(buf[off:], channel)
	off += len(channel)
	buf[off] = 0
	off++
	copy(buf[off:], payload)
	off += len(payload)
	buf[off] = 0
	// trailing bytes up to the aligned length are already zero (make
	// zero-initializes), which keeps a later decode unambiguous.
	return buf
}

// encodeDummy renders a padding entry that fills exactly remaining bytes.
// remaining must be >= MinEntrySize and a multiple of entryAlignment.
func encodeDummy(remaining int) []byte {
	buf := make([]byte, remaining)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(remaining))
	binary.LittleEndian.PutUint32(buf[4:8], InvalidDBOID)
	return buf
}

// decodeEntry parses one entry starting at the front of buf. It returns the
// entry and the number of bytes consumed (== entry.Length). buf must
// contain at least MinEntrySize bytes.
func decodeEntry(buf []byte) (QueueEntry, int, error) {
	if len(buf) < MinEntrySize {
		return QueueEntry{}, 0, fmt.Errorf("notify: short entry header (%d bytes)", len(buf))
	}
	length := binary.LittleEndian.Uint32(buf[0:4])
	dboid := binary.LittleEndian.Uint32(buf[4:8])
	if length < MinEntrySize || int(length) > len(buf) {
		return QueueEntry{}, 0, fmt.Errorf("notify: corrupt entry length %d", length)
	}
	if dboid == InvalidDBOID {
		return QueueEntry{Length: length, DBOID: InvalidDBOID}, int(length), nil
	}
	if length < 20 {
		return QueueEntry{}, 0, fmt.Errorf("notify: corrupt entry length %d for non-dummy entry", length)
	}
	xid := binary.LittleEndian.Uint64(buf[8:16])
	pid := int32(binary.LittleEndian.Uint32(buf[16:20]))
	body := buf[20:length]
	chanEnd := indexNUL(body)
	if chanEnd < 0 {
		return QueueEntry{}, 0, fmt.Errorf("notify: channel not NUL-terminated")
	}
	channel := string(body[:chanEnd])
	rest := body[chanEnd+1:]
	payEnd := indexNUL(rest)
	if payEnd < 0 {
		return QueueEntry{}, 0, fmt.Errorf("notify: payload not NUL-terminated")
	}
	payload := string(rest[:payEnd])
	return QueueEntry{
		Length:  length,
		DBOID:   dboid,
		XID:     xid,
		PID:     pid,
		Channel: channel,
		Payload: payload,
	}, int(length), nil
}

func indexNUL(b []byte) int {
	for i, c := range b {
		if c == 0 {
			return i
		}
	}
	return -1
}

// validateChannel enforces spec §6's channel constraint.
func validateChannel(channel string) error {
	if channel == "" || len(channel) > MaxChannelLen-1 {
		return fmt.Errorf("%w: channel must be 1..%d bytes", ErrInvalidParameter, MaxChannelLen-1)
	}
	return nil
}

// validatePayload enforces spec §6's payload constraint.
func validatePayload(payload string) error {
	if len(payload) > MaxPayloadLen-1 {
		return fmt.Errorf("%w: payload must be at most %d bytes", ErrInvalidParameter, MaxPayloadLen-1)
	}
	return nil
}
