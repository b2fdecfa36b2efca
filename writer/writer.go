// Package writer orders concurrently downloaded media segments into a
// strictly ascending append stream on a single output file.
package writer

import (
	"container/heap"
	"net/http"
	"os"
	"sync"

	"github.com/rs/zerolog"

	"github.com/longbai/hlsrec/metrics"
	"github.com/longbai/hlsrec/pool"
)

type segment struct {
	seq  uint64
	body []byte
}

type segmentHeap []segment

func (h segmentHeap) Len() int            { return len(h) }
func (h segmentHeap) Less(i, j int) bool  { return h[i].seq < h[j].seq }
func (h segmentHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *segmentHeap) Push(x interface{}) { *h = append(*h, x.(segment)) }

func (h *segmentHeap) Pop() interface{} {
	old := *h
	n := len(old)
	s := old[n-1]
	old[n-1] = segment{}
	*h = old[:n-1]
	return s
}

type initState int

const (
	initNone initState = iota
	initPending
	initBuffered
	initWritten
)

// Writer downloads segments through the pool and appends their bodies to
// the output file in sequence-number order. A media initialization section,
// if one is admitted before the first segment, is written exactly once at
// the head of the file.
type Writer struct {
	mu              sync.Mutex
	out             *os.File
	ready           segmentHeap
	inProgress      map[uint64]struct{}
	lastDownloaded  uint64
	lastWritten     uint64
	init            initState
	firstSegment    bool
	writeInProgress bool

	pool *pool.Pool
	log  zerolog.Logger
	met  *metrics.Metrics
}

func New(p *pool.Pool, log zerolog.Logger, met *metrics.Metrics) *Writer {
	return &Writer{
		inProgress:   make(map[uint64]struct{}),
		firstSegment: true,
		pool:         p,
		log:          log.With().Str("component", "writer").Logger(),
		met:          met,
	}
}

// Open opens the output file for append-create-write.
func (w *Writer) Open(name string) bool {
	out, err := os.OpenFile(name, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		w.log.WithLevel(zerolog.FatalLevel).Err(err).Str("file", name).Msg("failed to open output file")
		return false
	}
	w.out = out
	return true
}

// AddSegment requests the download of segment seq unless an equal or later
// sequence number has already been admitted. Successive playlist polls
// re-announce overlapping windows; admission deduplicates them.
func (w *Writer) AddSegment(seq uint64, scheme, host, resource string) {
	if !w.admit(seq) {
		return
	}
	w.pool.Get(scheme, host, resource,
		func(resp *pool.Response) { w.onSegmentReceive(seq, resp) },
		func() { w.onSegmentError(seq) },
		0)
}

// AddSegmentURL is AddSegment for an absolute URL. An unparseable URL takes
// the error path for seq synchronously.
func (w *Writer) AddSegmentURL(seq uint64, rawurl string) {
	if !w.admit(seq) {
		return
	}
	if !w.pool.GetURL(rawurl,
		func(resp *pool.Response) { w.onSegmentReceive(seq, resp) },
		func() { w.onSegmentError(seq) },
		0) {
		w.onSegmentError(seq)
	}
}

// AddInitSection requests the media initialization section. Admitted only
// before the first segment of the first playlist has been registered.
func (w *Writer) AddInitSection(scheme, host, resource string) {
	if !w.admitInit() {
		return
	}
	w.pool.Get(scheme, host, resource, w.onInitReceive, w.onInitError, 0)
}

// AddInitSectionURL is AddInitSection for an absolute URL.
func (w *Writer) AddInitSectionURL(rawurl string) {
	if !w.admitInit() {
		return
	}
	if !w.pool.GetURL(rawurl, w.onInitReceive, w.onInitError, 0) {
		w.onInitError()
	}
}

func (w *Writer) admit(seq uint64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if seq <= w.lastDownloaded && !w.firstSegment {
		return false
	}
	w.firstSegment = false
	w.lastDownloaded = seq
	w.inProgress[seq] = struct{}{}
	return true
}

func (w *Writer) admitInit() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.firstSegment || w.init != initNone {
		return false
	}
	w.init = initPending
	return true
}

func (w *Writer) onSegmentReceive(seq uint64, resp *pool.Response) {
	if resp.StatusCode != http.StatusOK {
		w.log.Error().Int("status", resp.StatusCode).Uint64("segment", seq).
			Msg("invalid media segment response")
		w.onSegmentError(seq)
		return
	}

	w.log.Trace().Uint64("segment", seq).Int("size", len(resp.Body)).Msg("received media segment")
	w.met.IncSegmentsDownloaded()

	w.mu.Lock()
	delete(w.inProgress, seq)
	heap.Push(&w.ready, segment{seq: seq, body: resp.Body})
	w.mu.Unlock()

	w.writeSegment()
}

func (w *Writer) onSegmentError(seq uint64) {
	w.mu.Lock()
	delete(w.inProgress, seq)
	w.mu.Unlock()

	w.writeSegment()
}

func (w *Writer) onInitReceive(resp *pool.Response) {
	if resp.StatusCode != http.StatusOK {
		w.log.Error().Int("status", resp.StatusCode).Msg("invalid media initialization section response")
		w.onInitError()
		return
	}

	w.log.Trace().Int("size", len(resp.Body)).Msg("received media initialization section")

	w.mu.Lock()
	w.init = initBuffered
	w.writeInProgress = true
	w.mu.Unlock()

	n, err := w.out.Write(resp.Body)
	if err != nil || n != len(resp.Body) {
		w.log.Error().Err(err).Int("written", n).Msg("failed to write media initialization section")
	} else {
		w.log.Trace().Msg("wrote media initialization section")
		w.met.AddBytesWritten(n)
	}

	w.mu.Lock()
	w.init = initWritten
	w.writeInProgress = false
	w.mu.Unlock()

	w.writeSegment()
}

func (w *Writer) onInitError() {
	w.log.Error().Msg("failed to get the media initialization section")

	w.mu.Lock()
	w.init = initNone
	w.mu.Unlock()

	w.writeSegment()
}

// writeSegment appends every segment that is allowed to go out. A segment
// may be written only when no write is outstanding, the init section is
// neither pending nor buffered, and no earlier sequence number is still
// being fetched.
func (w *Writer) writeSegment() {
	for {
		w.mu.Lock()
		if w.writeInProgress || len(w.ready) == 0 || w.init == initPending || w.init == initBuffered {
			w.mu.Unlock()
			return
		}
		if min, ok := w.minInProgressLocked(); ok && w.ready[0].seq > min {
			w.mu.Unlock()
			return
		}

		seg := heap.Pop(&w.ready).(segment)
		w.logGapLocked(seg.seq)
		w.writeInProgress = true
		w.mu.Unlock()

		n, err := w.out.Write(seg.body)
		if err != nil || n != len(seg.body) {
			w.log.Error().Err(err).Uint64("segment", seg.seq).Int("written", n).
				Msg("failed to write media segment")
		} else {
			w.log.Trace().Uint64("segment", seg.seq).Msg("wrote media segment")
			w.met.IncSegmentsWritten()
			w.met.AddBytesWritten(n)
		}

		// A failed append to an append-only stream is unrecoverable;
		// the segment counts as written either way.
		w.mu.Lock()
		w.lastWritten = seg.seq
		w.writeInProgress = false
		w.mu.Unlock()
	}
}

func (w *Writer) minInProgressLocked() (uint64, bool) {
	var min uint64
	found := false
	for seq := range w.inProgress {
		if !found || seq < min {
			min = seq
			found = true
		}
	}
	return min, found
}

// logGapLocked reports sequence numbers skipped between the last write and
// seq. A gap before the first write is the start of stream, not a drop.
func (w *Writer) logGapLocked(seq uint64) {
	if w.lastWritten == 0 {
		return
	}
	diff := seq - w.lastWritten
	if diff <= 1 {
		return
	}
	if diff == 2 {
		w.log.Error().Uint64("segment", seq-1).Msg("dropped media segment")
	} else {
		w.log.Error().Uint64("first", w.lastWritten+1).Uint64("last", seq-1).
			Msg("dropped media segments")
	}
	w.met.AddSegmentsDropped(diff - 1)
}
