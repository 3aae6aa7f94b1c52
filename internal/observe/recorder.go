package observe

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/crypto/blake2b"

	"github.com/Whoisraeen/raeen-core/internal/kernel/defs"
)

// Severity grades flight recorder events.
type Severity uint8

const (
	SevDebug Severity = iota
	SevInfo
	SevWarn
	SevError
)

func (s Severity) String() string {
	switch s {
	case SevDebug:
		return "debug"
	case SevInfo:
		return "info"
	case SevWarn:
		return "warn"
	case SevError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one flight recorder entry. Chain is the running blake2b hash
// linking the event to its predecessor: editing any dumped event breaks
// verification from that point on.
type Event struct {
	Seq       uint64   `json:"seq"`
	At        int64    `json:"at_ns"`
	Severity  Severity `json:"severity"`
	Subsystem string   `json:"subsystem"`
	Message   string   `json:"message"`
	PID       defs.PID `json:"pid,omitempty"`
	TID       defs.TID `json:"tid,omitempty"`
	Chain     []byte   `json:"chain"`
}

// Recorder is the kernel's black box: a bounded ring of events that keeps
// flying (overwriting the oldest) no matter what, so the moments before a
// failure are always on hand. It stays enabled in production.
type Recorder struct {
	clock   defs.Clock
	enabled atomic.Bool

	mu      sync.Mutex
	buf     []Event
	start   int
	size    int
	seq     uint64
	dropped uint64
	chain   [blake2b.Size256]byte
}

// NewRecorder builds a recorder with the given ring capacity. Zero picks
// defs.DefaultFlightRing. The recorder starts enabled.
func NewRecorder(capacity int, clock defs.Clock) *Recorder {
	if capacity <= 0 {
		capacity = defs.DefaultFlightRing
	}
	if clock == nil {
		clock = defs.WallClock{}
	}
	r := &Recorder{clock: clock, buf: make([]Event, capacity)}
	r.enabled.Store(true)
	return r
}

// SetEnabled turns recording on or off. The ring's contents survive a
// disable; only new events stop landing.
func (r *Recorder) SetEnabled(on bool) { r.enabled.Store(on) }

// Enabled reports whether events are currently recorded.
func (r *Recorder) Enabled() bool { return r.enabled.Load() }

// Record appends one event, overwriting the oldest when the ring is full.
func (r *Recorder) Record(sev Severity, subsystem, message string, pid defs.PID, tid defs.TID) {
	if !r.enabled.Load() {
		return
	}
	r.mu.Lock()
	r.seq++
	ev := Event{
		Seq:       r.seq,
		At:        r.clock.Now().UnixNano(),
		Severity:  sev,
		Subsystem: subsystem,
		Message:   message,
		PID:       pid,
		TID:       tid,
	}
	r.chain = chainHash(r.chain, ev)
	ev.Chain = append([]byte(nil), r.chain[:]...)
	if r.size == len(r.buf) {
		r.buf[r.start] = ev
		r.start = (r.start + 1) % len(r.buf)
		r.dropped++
	} else {
		r.buf[(r.start+r.size)%len(r.buf)] = ev
		r.size++
	}
	r.mu.Unlock()
}

// Events returns up to limit of the newest buffered events, oldest first.
// limit <= 0 returns everything.
func (r *Recorder) Events(limit int) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.eventsLocked(limit)
}

func (r *Recorder) eventsLocked(limit int) []Event {
	n := r.size
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Event, 0, n)
	for i := r.size - n; i < r.size; i++ {
		out = append(out, r.buf[(r.start+i)%len(r.buf)])
	}
	return out
}

// RecorderStats is the recorder counter snapshot.
type RecorderStats struct {
	Recorded uint64 `json:"recorded"`
	Dropped  uint64 `json:"dropped"`
	Size     int    `json:"size"`
	Capacity int    `json:"capacity"`
	Enabled  bool   `json:"enabled"`
}

func (r *Recorder) Stats() RecorderStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return RecorderStats{
		Recorded: r.seq,
		Dropped:  r.dropped,
		Size:     r.size,
		Capacity: len(r.buf),
		Enabled:  r.enabled.Load(),
	}
}

// DumpHeader opens a recorder dump stream.
type DumpHeader struct {
	Version int    `json:"version"`
	Count   int    `json:"count"`
	Dropped uint64 `json:"dropped"`
}

const dumpVersion = 1

// Dump writes the buffered events as a canonical CBOR stream inside a
// zstd frame: the header first, then each event oldest to newest. The
// canonical encoding keeps byte-identical rings byte-identical on disk.
// Returns the number of events written.
func (r *Recorder) Dump(w io.Writer) (int, error) {
	r.mu.Lock()
	events := r.eventsLocked(0)
	dropped := r.dropped
	r.mu.Unlock()

	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return 0, fmt.Errorf("cbor mode: %w", err)
	}
	zw, err := zstd.NewWriter(w)
	if err != nil {
		return 0, fmt.Errorf("zstd writer: %w", err)
	}
	enc := em.NewEncoder(zw)
	if err := enc.Encode(DumpHeader{Version: dumpVersion, Count: len(events), Dropped: dropped}); err != nil {
		zw.Close()
		return 0, fmt.Errorf("encode header: %w", err)
	}
	for _, ev := range events {
		if err := enc.Encode(ev); err != nil {
			zw.Close()
			return 0, fmt.Errorf("encode event %d: %w", ev.Seq, err)
		}
	}
	return len(events), zw.Close()
}

// ReadDump decodes a stream written by Dump and verifies its chain.
func ReadDump(rd io.Reader) (DumpHeader, []Event, error) {
	zr, err := zstd.NewReader(rd)
	if err != nil {
		return DumpHeader{}, nil, fmt.Errorf("zstd reader: %w", err)
	}
	defer zr.Close()

	dec := cbor.NewDecoder(zr)
	var hdr DumpHeader
	if err := dec.Decode(&hdr); err != nil {
		return DumpHeader{}, nil, fmt.Errorf("decode header: %w", err)
	}
	if hdr.Version != dumpVersion {
		return hdr, nil, fmt.Errorf("dump version %d: %w", hdr.Version, defs.ErrInvalidArgument)
	}
	events := make([]Event, 0, hdr.Count)
	for {
		var ev Event
		if err := dec.Decode(&ev); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return hdr, nil, fmt.Errorf("decode event: %w", err)
		}
		events = append(events, ev)
	}
	if err := Verify(events); err != nil {
		return hdr, events, err
	}
	return hdr, events, nil
}

// Verify checks the hash linkage of an event sequence. The first event is
// taken on trust (its predecessor lies outside the dump); any edit after
// it breaks the chain.
func Verify(events []Event) error {
	var prev [blake2b.Size256]byte
	for i := 1; i < len(events); i++ {
		copy(prev[:], events[i-1].Chain)
		want := chainHash(prev, events[i])
		if !bytes.Equal(want[:], events[i].Chain) {
			return fmt.Errorf("event %d: chain mismatch", events[i].Seq)
		}
	}
	return nil
}

// chainHash extends the running hash with one event's content. The
// event's own Chain field is the output and takes no part in the input.
func chainHash(prev [blake2b.Size256]byte, ev Event) [blake2b.Size256]byte {
	buf := make([]byte, 0, 64+len(ev.Subsystem)+len(ev.Message))
	buf = append(buf, prev[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, ev.Seq)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(ev.At))
	buf = append(buf, byte(ev.Severity))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(ev.Subsystem)))
	buf = append(buf, ev.Subsystem...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(ev.Message)))
	buf = append(buf, ev.Message...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(ev.PID))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(ev.TID))
	return blake2b.Sum256(buf)
}
