// Package reassemble turns a raw byte stream into an aligned sequence of
// 188-byte MPEG-TS packets, resynchronizing on sync-byte loss.
package reassemble

import (
	"bufio"
	"errors"
	"fmt"
	"io"

	"github.com/ts-splice/mpegts"
)

// ErrUnrecoverableSyncLoss is returned when no sync byte could be found
// within the configured scan window, meaning the stream is not (or is no
// longer) MPEG-TS and reconnecting the input is the only recourse.
var ErrUnrecoverableSyncLoss = errors.New("reassemble: unrecoverable sync loss")

// maxResyncScan bounds how many bytes are scanned looking for two
// sync bytes 188 apart before giving up. 8 packets' worth of slack
// comfortably survives a single corrupted packet without scanning forever.
const maxResyncScan = mpegts.PacketSize * 8

// Reassembler reads a byte stream and yields aligned TS packets, recovering
// from transient misalignment by searching for two sync bytes spaced
// exactly PacketSize apart. Grounded on the teacher's packetBuffer, but
// restructured from a one-shot autodetect-then-read-fixed-size loop into a
// continuously running resync loop: a live feed can lose alignment mid
// stream (dropped bytes, truncated write) and must recover without
// restarting the reader.
type Reassembler struct {
	r   *bufio.Reader
	buf []byte
}

// New wraps r for packet-aligned reads.
func New(r io.Reader) *Reassembler {
	return &Reassembler{
		r:   bufio.NewReaderSize(r, mpegts.PacketSize*256),
		buf: make([]byte, mpegts.PacketSize),
	}
}

// Next returns the next aligned packet, resynchronizing first if necessary.
// Returns io.EOF when the underlying reader is exhausted cleanly, and
// ErrUnrecoverableSyncLoss if alignment could not be recovered.
func (re *Reassembler) Next() (*mpegts.Packet, error) {
	if err := re.ensureAligned(); err != nil {
		return nil, err
	}

	if _, err := io.ReadFull(re.r, re.buf); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("reassemble: reading packet: %w", err)
	}

	p, err := mpegts.ParsePacket(re.buf)
	if err != nil {
		if errors.Is(err, mpegts.ErrPacketMustStartWithASyncByte) {
			return re.resyncAndRetry()
		}
		return nil, fmt.Errorf("reassemble: parsing packet: %w", err)
	}
	return p, nil
}

// ensureAligned peeks the next byte and, if it isn't a sync byte, attempts
// to resynchronize before the caller does its fixed-size read.
func (re *Reassembler) ensureAligned() error {
	b, err := re.r.Peek(1)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return io.EOF
		}
		return fmt.Errorf("reassemble: peeking sync byte: %w", err)
	}
	if b[0] == mpegts.SyncByte {
		return nil
	}
	return re.resync()
}

func (re *Reassembler) resyncAndRetry() (*mpegts.Packet, error) {
	if err := re.resync(); err != nil {
		return nil, err
	}
	return re.Next()
}

// resync discards bytes until a sync byte is found at the start of a
// packet-sized stride, confirmed by a second sync byte PacketSize later.
func (re *Reassembler) resync() error {
	scanned := 0
	for scanned < maxResyncScan {
		b, err := re.r.Peek(mpegts.PacketSize + 1)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				// Not enough buffered to confirm a second sync byte; fall
				// back to a single-byte scan for the tail of the stream.
				return re.resyncSingleByte()
			}
			return fmt.Errorf("reassemble: peeking during resync: %w", err)
		}
		if b[0] == mpegts.SyncByte && b[mpegts.PacketSize] == mpegts.SyncByte {
			return nil
		}
		if _, err := re.r.Discard(1); err != nil {
			return fmt.Errorf("reassemble: discarding during resync: %w", err)
		}
		scanned++
	}
	return ErrUnrecoverableSyncLoss
}

func (re *Reassembler) resyncSingleByte() error {
	scanned := 0
	for scanned < maxResyncScan {
		b, err := re.r.Peek(1)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return io.EOF
			}
			return fmt.Errorf("reassemble: peeking during tail resync: %w", err)
		}
		if b[0] == mpegts.SyncByte {
			return nil
		}
		if _, err := re.r.Discard(1); err != nil {
			return fmt.Errorf("reassemble: discarding during tail resync: %w", err)
		}
		scanned++
	}
	return ErrUnrecoverableSyncLoss
}
