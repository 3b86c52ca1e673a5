package batch

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"time"
)

const (
	// HeaderLen is the fixed size of a record header in bytes.
	HeaderLen = 28

	// MaxEntryLen is the largest list length accepted from a header.
	MaxEntryLen = math.MaxUint32 / 4

	// absentLen marks both lengths of a side that was not observed.
	absentLen = math.MaxUint32

	// maxPrealloc caps slice preallocation so a corrupt header cannot force a huge allocation.
	maxPrealloc = 1 << 16
)

// Writer encodes batches onto an underlying stream.
type Writer struct {
	w      io.Writer
	header [HeaderLen]byte
	buf    []byte
}

// NewWriter creates a writer for the given stream.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Write encodes a single batch record.
func (w *Writer) Write(b *Batch) error {
	if err := b.Validate(); err != nil {
		return fmt.Errorf("failed to encode batch for user %d: %w", b.UserID, err)
	}

	binary.BigEndian.PutUint32(w.header[0:4], uint32(b.Timestamp.Unix())) //nolint:gosec // checked by Validate
	binary.BigEndian.PutUint64(w.header[4:12], b.UserID)
	putLens(w.header[12:20], b.FollowerChange)
	putLens(w.header[20:28], b.FollowedChange)

	w.buf = w.buf[:0]
	for _, change := range []*Change{b.FollowerChange, b.FollowedChange} {
		if change == nil {
			continue
		}

		w.buf = appendIDs(w.buf, change.AdditionIDs)
		w.buf = appendIDs(w.buf, change.RemovalIDs)
	}

	if _, err := w.w.Write(w.header[:]); err != nil {
		return err
	}

	_, err := w.w.Write(w.buf)

	return err
}

// WriteAll encodes every batch and returns the number written.
func (w *Writer) WriteAll(batches []*Batch) (int, error) {
	for i, b := range batches {
		if err := w.Write(b); err != nil {
			return i, err
		}
	}

	return len(batches), nil
}

// Reader decodes batches from an underlying stream.
type Reader struct {
	r      *bufio.Reader
	header [HeaderLen]byte
}

// NewReader creates a reader for the given stream.
func NewReader(r io.Reader) *Reader {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReader(r)
	}

	return &Reader{r: br}
}

// Read decodes the next batch. It returns io.EOF when the stream ends cleanly
// on a record boundary and io.ErrUnexpectedEOF when it ends inside a record.
func (r *Reader) Read() (*Batch, error) {
	if _, err := io.ReadFull(r.r, r.header[:]); err != nil {
		return nil, err
	}

	timestamp := binary.BigEndian.Uint32(r.header[0:4])
	userID := binary.BigEndian.Uint64(r.header[4:12])

	followerLens, err := parseLens(r.header[12:20])
	if err != nil {
		return nil, fmt.Errorf("%w for user %d: follower side %w", ErrInvalidHeader, userID, err)
	}

	followedLens, err := parseLens(r.header[20:28])
	if err != nil {
		return nil, fmt.Errorf("%w for user %d: followed side %w", ErrInvalidHeader, userID, err)
	}

	b := &Batch{
		Timestamp: time.Unix(int64(timestamp), 0).UTC(),
		UserID:    userID,
	}

	if b.FollowerChange, err = r.readChange(followerLens); err != nil {
		return nil, err
	}

	if b.FollowedChange, err = r.readChange(followedLens); err != nil {
		return nil, err
	}

	return b, nil
}

// ReadAll decodes every remaining batch in the stream.
func (r *Reader) ReadAll() ([]*Batch, error) {
	var batches []*Batch

	for {
		b, err := r.Read()
		if errors.Is(err, io.EOF) {
			return batches, nil
		}

		if err != nil {
			return batches, err
		}

		batches = append(batches, b)
	}
}

// Encode returns the binary record for a single batch.
func Encode(b *Batch) ([]byte, error) {
	var buf bytes.Buffer
	if err := NewWriter(&buf).Write(b); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Decode parses exactly one binary record.
func Decode(data []byte) (*Batch, error) {
	r := NewReader(bytes.NewReader(data))

	b, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, io.ErrUnexpectedEOF
	}

	if err != nil {
		return nil, err
	}

	if _, err := r.r.ReadByte(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: trailing bytes after record", ErrInvalidHeader)
	}

	return b, nil
}

// sideLens holds the addition and removal lengths of one side, or absent.
type sideLens struct {
	additions uint32
	removals  uint32
	absent    bool
}

var (
	errInconsistentSentinel = errors.New("uses the absent sentinel for only one list")
	errLengthTooLarge       = errors.New("declares a list longer than the sanity ceiling")
)

func parseLens(buf []byte) (sideLens, error) {
	additions := binary.BigEndian.Uint32(buf[0:4])
	removals := binary.BigEndian.Uint32(buf[4:8])

	switch {
	case additions == absentLen && removals == absentLen:
		return sideLens{absent: true}, nil
	case additions == absentLen || removals == absentLen:
		return sideLens{}, errInconsistentSentinel
	case additions > MaxEntryLen || removals > MaxEntryLen:
		return sideLens{}, errLengthTooLarge
	}

	return sideLens{additions: additions, removals: removals}, nil
}

func putLens(buf []byte, change *Change) {
	if change == nil {
		binary.BigEndian.PutUint32(buf[0:4], absentLen)
		binary.BigEndian.PutUint32(buf[4:8], absentLen)

		return
	}

	binary.BigEndian.PutUint32(buf[0:4], uint32(len(change.AdditionIDs))) //nolint:gosec // bounded by MaxEntryLen in practice
	binary.BigEndian.PutUint32(buf[4:8], uint32(len(change.RemovalIDs)))  //nolint:gosec // bounded by MaxEntryLen in practice
}

func (r *Reader) readChange(lens sideLens) (*Change, error) {
	if lens.absent {
		return nil, nil //nolint:nilnil // nil change means the side was not observed
	}

	additions, err := r.readIDs(lens.additions)
	if err != nil {
		return nil, err
	}

	removals, err := r.readIDs(lens.removals)
	if err != nil {
		return nil, err
	}

	return &Change{AdditionIDs: additions, RemovalIDs: removals}, nil
}

// readIDs reads a varint list where the first value is absolute and the rest are deltas.
func (r *Reader) readIDs(count uint32) ([]uint64, error) {
	if count == 0 {
		return nil, nil
	}

	ids := make([]uint64, 0, min(count, maxPrealloc))

	var last uint64
	for i := range count {
		value, err := binary.ReadUvarint(r.r)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.ErrUnexpectedEOF
			}

			return nil, err
		}

		if i == 0 {
			last = value
		} else {
			if value == 0 || last+value < last {
				return nil, fmt.Errorf("%w: delta %d after %d", ErrUnsortedIDs, value, last)
			}

			last += value
		}

		ids = append(ids, last)
	}

	return ids, nil
}

func appendIDs(buf []byte, ids []uint64) []byte {
	var last uint64
	for i, id := range ids {
		if i == 0 {
			buf = binary.AppendUvarint(buf, id)
		} else {
			buf = binary.AppendUvarint(buf, id-last)
		}

		last = id
	}

	return buf
}
