package progress

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/docker/go-units"
	"golang.org/x/time/rate"
)

// UpdateInterval defines how often progress updates are written per object
const UpdateInterval = 100 * time.Millisecond

// Update reports the transfer state of a single remote object.
type Update struct {
	ID       string // Object identifier, usually the relative path
	Complete int64  // Bytes present at the destination
	Total    int64  // Expected size, zero when unknown
}

// Send delivers u on ch without blocking. Updates are dropped when the
// receiver is not keeping up or ch is nil.
func Send(ch chan<- Update, u Update) {
	if ch == nil {
		return
	}
	select {
	case ch <- u:
	default:
	}
}

type Layer struct {
	ID      string `json:"id"`      // Object ID
	Size    uint64 `json:"size"`    // Object size
	Current uint64 `json:"current"` // Current bytes transferred
}

// Message represents a structured message for progress reporting
type Message struct {
	Type    string `json:"type"`            // "progress", "success", or "error"
	Message string `json:"message"`         // Human-readable message
	Total   uint64 `json:"total"`           // Deprecated: use Layer.Size
	Pulled  uint64 `json:"pulled"`          // Deprecated: use Layer.Current
	Layer   Layer  `json:"layer,omitempty"` // Current object information
}

type Reporter struct {
	progress chan Update
	done     chan struct{}
	once     sync.Once
	err      error
	out      io.Writer
	format   progressF
	limits   map[string]*rate.Sometimes
}

type progressF func(update Update) string

func PullMsg(update Update) string {
	if update.Total > 0 {
		return fmt.Sprintf("Downloaded %s: %s of %s", update.ID, units.HumanSize(float64(update.Complete)), units.HumanSize(float64(update.Total)))
	}
	return fmt.Sprintf("Downloaded %s: %s", update.ID, units.HumanSize(float64(update.Complete)))
}

func NewProgressReporter(w io.Writer, msgF progressF) *Reporter {
	return &Reporter{
		out:      w,
		progress: make(chan Update, 64),
		done:     make(chan struct{}),
		format:   msgF,
		limits:   make(map[string]*rate.Sometimes),
	}
}

// safeUint64 converts an int64 to uint64, ensuring the value is non-negative
func safeUint64(n int64) uint64 {
	if n < 0 {
		return 0
	}
	return uint64(n)
}

// Updates returns a channel for receiving progress Updates. The caller closes
// the channel when it is done sending. Should only be called once per Reporter.
func (r *Reporter) Updates() chan<- Update {
	r.once.Do(func() {
		go r.run()
	})
	return r.progress
}

func (r *Reporter) run() {
	defer close(r.done)
	for p := range r.progress {
		if r.out == nil || r.err != nil {
			continue // If we fail to write progress, don't try again
		}
		limit, ok := r.limits[p.ID]
		if !ok {
			limit = &rate.Sometimes{Interval: UpdateInterval}
			r.limits[p.ID] = limit
		}
		finished := p.Total > 0 && p.Complete >= p.Total
		write := func() {
			if err := WriteProgress(r.out, r.format(p), safeUint64(p.Total), safeUint64(p.Complete), p.ID); err != nil {
				r.err = err
			}
		}
		if finished {
			write()
			continue
		}
		limit.Do(write)
	}
}

// Wait waits for the progress Reporter to finish and returns any error encountered.
func (r *Reporter) Wait() error {
	<-r.done
	return r.err
}

// WriteProgress writes a progress update message
func WriteProgress(w io.Writer, msg string, total, current uint64, id string) error {
	return write(w, Message{
		Type:    "progress",
		Message: msg,
		Total:   total,
		Pulled:  current,
		Layer: Layer{
			ID:      id,
			Size:    total,
			Current: current,
		},
	})
}

// WriteSuccess writes a success message
func WriteSuccess(w io.Writer, message string) error {
	return write(w, Message{
		Type:    "success",
		Message: message,
	})
}

// WriteError writes an error message
func WriteError(w io.Writer, message string) error {
	return write(w, Message{
		Type:    "error",
		Message: message,
	})
}

// write writes a JSON-formatted progress message to the writer
func write(w io.Writer, msg Message) error {
	if w == nil {
		return nil
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "%s\n", data)
	return err
}
