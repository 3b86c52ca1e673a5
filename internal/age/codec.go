package age

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	ErrInvalidKey       = errors.New("invalid key")
	ErrInvalidValue     = errors.New("invalid value")
	ErrUnexpectedTag    = errors.New("unexpected key tag")
	ErrInvalidTimestamp = errors.New("timestamp does not fit in 32 bits")
	ErrInvalidDuration  = errors.New("target age does not fit in 32 bits")
)

// DecodeError reports a stored record that could not be decoded.
type DecodeError struct {
	Key []byte
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to decode record %x: %s", e.Key, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// decodeError copies key since bbolt keys are only valid inside their transaction.
func decodeError(key []byte, err error) *DecodeError {
	return &DecodeError{Key: bytes.Clone(key), Err: err}
}

// Keys start with a tag byte that separates the two record families.
// Every 4-byte time field holds big-endian epoch seconds with 0 meaning absent,
// so an urgent entry sorts before any scheduled one.
const (
	priorityTag byte = 0
	idTag       byte = 1

	priorityKeyLen   = 1 + 4 + 8
	idKeyLen         = 1 + 8
	priorityValueLen = 4 + 4
	idValueLen       = 4 + 4 + 4 + 4
)

func encodeTime(t time.Time) (uint32, error) {
	if t.IsZero() {
		return 0, nil
	}

	seconds := t.Unix()
	if seconds <= 0 || seconds > math.MaxUint32 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidTimestamp, seconds)
	}

	return uint32(seconds), nil
}

func decodeTime(value uint32) time.Time {
	if value == 0 {
		return time.Time{}
	}

	return time.Unix(int64(value), 0).UTC()
}

func encodeDuration(d time.Duration) (uint32, error) {
	seconds := int64(d / time.Second)
	if seconds < 0 || seconds > math.MaxUint32 {
		return 0, fmt.Errorf("%w: %s", ErrInvalidDuration, d)
	}

	return uint32(seconds), nil
}

func priorityKey(nextDue uint32, id uint64) []byte {
	key := make([]byte, priorityKeyLen)
	key[0] = priorityTag
	binary.BigEndian.PutUint32(key[1:5], nextDue)
	binary.BigEndian.PutUint64(key[5:], id)

	return key
}

func idKey(id uint64) []byte {
	key := make([]byte, idKeyLen)
	key[0] = idTag
	binary.BigEndian.PutUint64(key[1:], id)

	return key
}

// record is the raw form of an entry shared by both families.
type record struct {
	id           uint64
	nextDue      uint32
	targetAge    uint32
	lastObserved uint32
	leaseStarted uint32
}

func (r record) priorityKey() []byte {
	return priorityKey(r.nextDue, r.id)
}

func (r record) priorityValue() []byte {
	value := make([]byte, priorityValueLen)
	binary.BigEndian.PutUint32(value[0:4], r.lastObserved)
	binary.BigEndian.PutUint32(value[4:8], r.leaseStarted)

	return value
}

func (r record) idValue() []byte {
	value := make([]byte, idValueLen)
	binary.BigEndian.PutUint32(value[0:4], r.nextDue)
	binary.BigEndian.PutUint32(value[4:8], r.targetAge)
	binary.BigEndian.PutUint32(value[8:12], r.lastObserved)
	binary.BigEndian.PutUint32(value[12:16], r.leaseStarted)

	return value
}

func (r record) entry() Entry {
	return Entry{
		ID:           r.id,
		NextDue:      decodeTime(r.nextDue),
		LastObserved: decodeTime(r.lastObserved),
		LeaseStarted: decodeTime(r.leaseStarted),
		TargetAge:    time.Duration(r.targetAge) * time.Second,
	}
}

// decodePriority decodes a priority record. Target age is not stored there and stays zero.
func decodePriority(key, value []byte) (record, error) {
	if len(key) == 0 || key[0] != priorityTag {
		return record{}, decodeError(key, ErrUnexpectedTag)
	}

	if len(key) != priorityKeyLen {
		return record{}, decodeError(key, ErrInvalidKey)
	}

	if len(value) != priorityValueLen {
		return record{}, decodeError(key, ErrInvalidValue)
	}

	return record{
		id:           binary.BigEndian.Uint64(key[5:]),
		nextDue:      binary.BigEndian.Uint32(key[1:5]),
		lastObserved: binary.BigEndian.Uint32(value[0:4]),
		leaseStarted: binary.BigEndian.Uint32(value[4:8]),
	}, nil
}

func decodeID(key, value []byte) (record, error) {
	if len(key) == 0 || key[0] != idTag {
		return record{}, decodeError(key, ErrUnexpectedTag)
	}

	if len(key) != idKeyLen {
		return record{}, decodeError(key, ErrInvalidKey)
	}

	if len(value) != idValueLen {
		return record{}, decodeError(key, ErrInvalidValue)
	}

	return record{
		id:           binary.BigEndian.Uint64(key[1:]),
		nextDue:      binary.BigEndian.Uint32(value[0:4]),
		targetAge:    binary.BigEndian.Uint32(value[4:8]),
		lastObserved: binary.BigEndian.Uint32(value[8:12]),
		leaseStarted: binary.BigEndian.Uint32(value[12:16]),
	}, nil
}
