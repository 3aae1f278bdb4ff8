// Package id implements Nexus's snowflake-style identifier: a 128-bit
// time-sortable value (48-bit millisecond epoch : 16-bit worker id : 64-bit
// per-millisecond counter) used for every entity that needs creation-order
// pagination (users, servers, channels, messages, sessions, federation
// events).
//
// The wrapper shape (named byte-array type, Scan/Value for pgx,
// MarshalJSON/UnmarshalJSON, mutex-guarded monotonic generator) follows
// WAN-Ninjas-AmityVox's internal/models/ulid.go; the bit layout differs from
// ULID (48:80 random) because the spec calls for a worker id and a
// deterministic per-ms counter rather than random entropy, so the allocator
// itself is hand-rolled. Text encoding reuses oklog/ulid's Crockford
// base32 alphabet so the string form stays lexicographically time-ordered.
package id

import (
	"database/sql/driver"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// ID is a 128-bit time-sortable identifier: 48 bits of millisecond epoch,
// 16 bits of worker id, 64 bits of per-millisecond monotonic counter.
type ID [16]byte

// Nil is the zero-value ID, used as a "not set" sentinel for optional
// reference columns (reply_to, category_id, etc).
var Nil ID

var (
	// ErrInvalidLength is returned when decoding a text form of the wrong size.
	ErrInvalidLength = errors.New("id: invalid encoded length")
	// ErrInvalidEncoding is returned when decoding a text form with invalid
	// Crockford base32 characters.
	ErrInvalidEncoding = errors.New("id: invalid encoding")
)

// Generator allocates monotonic IDs for a single worker. Callers that need
// cluster-wide uniqueness construct one Generator per worker id (e.g. one
// per process, fed from config or a coordination service) and share it
// across goroutines; it is safe for concurrent use.
type Generator struct {
	workerID uint16

	mu      sync.Mutex
	lastMS  int64
	counter uint64
}

// NewGenerator returns a Generator for the given 16-bit worker id.
func NewGenerator(workerID uint16) *Generator {
	return &Generator{workerID: workerID}
}

// New allocates a new ID stamped with the current wall-clock millisecond.
// Within the same millisecond, the counter advances monotonically; across a
// millisecond boundary the counter resets to zero. The counter is not
// checked for overflow: past 2^64 ids within a single millisecond (never
// in practice) it wraps to zero.
func (g *Generator) New() ID {
	return g.at(time.Now())
}

func (g *Generator) at(t time.Time) ID {
	ms := t.UnixMilli()

	g.mu.Lock()
	defer g.mu.Unlock()

	if ms > g.lastMS {
		g.lastMS = ms
		g.counter = 0
	} else {
		// Clock did not advance (same ms, or went backwards); stay on the
		// last recorded ms and keep incrementing so ordering never regresses.
		ms = g.lastMS
		g.counter++
	}

	var out ID
	putMS48(out[0:6], ms)
	binary.BigEndian.PutUint16(out[6:8], g.workerID)
	binary.BigEndian.PutUint64(out[8:16], g.counter)
	return out
}

func putMS48(dst []byte, ms int64) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(ms))
	copy(dst, buf[2:8])
}

// Time returns the millisecond-epoch timestamp this ID was allocated at.
func (i ID) Time() time.Time {
	var buf [8]byte
	copy(buf[2:8], i[0:6])
	ms := int64(binary.BigEndian.Uint64(buf[:]))
	return time.UnixMilli(ms)
}

// WorkerID returns the 16-bit worker id embedded in the ID.
func (i ID) WorkerID() uint16 {
	return binary.BigEndian.Uint16(i[6:8])
}

// Counter returns the 64-bit per-millisecond counter embedded in the ID.
func (i ID) Counter() uint64 {
	return binary.BigEndian.Uint64(i[8:16])
}

// IsNil reports whether the ID is the zero value.
func (i ID) IsNil() bool {
	return i == Nil
}

// String returns the Crockford base32 encoding of the ID. Because base32
// preserves byte ordering lexicographically and the ID's bytes are already
// big-endian time-major, the text form sorts identically to the numeric
// value.
func (i ID) String() string {
	return strings.ToLower(ulid.ULID(i).String())
}

// Parse decodes the Crockford base32 text form produced by String.
func Parse(s string) (ID, error) {
	if len(s) != 26 {
		return Nil, ErrInvalidLength
	}
	u, err := ulid.ParseStrict(strings.ToUpper(s))
	if err != nil {
		return Nil, fmt.Errorf("%w: %v", ErrInvalidEncoding, err)
	}
	return ID(u), nil
}

// MustParse is like Parse but panics on error; intended for tests and
// compile-time-known constants.
func MustParse(s string) ID {
	i, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return i
}

// MarshalJSON encodes the ID as a quoted string, matching the wire
// representation clients see for every entity id.
func (i ID) MarshalJSON() ([]byte, error) {
	return []byte(`"` + i.String() + `"`), nil
}

// UnmarshalJSON decodes a quoted string produced by MarshalJSON.
func (i *ID) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*i = Nil
		return nil
	}
	if len(data) < 2 || data[0] != '"' || data[len(data)-1] != '"' {
		return ErrInvalidEncoding
	}
	parsed, err := Parse(string(data[1 : len(data)-1]))
	if err != nil {
		return err
	}
	*i = parsed
	return nil
}

// Scan implements database/sql.Scanner, reading the id back from its
// on-disk bytea form.
func (i *ID) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*i = Nil
		return nil
	case []byte:
		if len(v) != 16 {
			return ErrInvalidLength
		}
		copy(i[:], v)
		return nil
	case string:
		parsed, err := Parse(v)
		if err != nil {
			return err
		}
		*i = parsed
		return nil
	default:
		return fmt.Errorf("id: unsupported scan type %T", src)
	}
}

// Value implements database/sql/driver.Valuer, storing the id as raw bytes.
func (i ID) Value() (driver.Value, error) {
	if i.IsNil() {
		return nil, nil
	}
	return i[:], nil
}

// Compare reports -1, 0, or 1 as a is less than, equal to, or greater than
// b, matching both numeric and lexicographic-text order.
func Compare(a, b ID) int {
	for k := range a {
		if a[k] != b[k] {
			if a[k] < b[k] {
				return -1
			}
			return 1
		}
	}
	return 0
}
