// Package stats collects per-output pipeline counters in the consumer and
// serves them over gRPC to the monitor.
package stats

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"google.golang.org/protobuf/types/known/structpb"
)

// Output is the state of one output as seen by the consumer loop.
type Output struct {
	ID        int
	Width     int
	Height    int
	State     string
	FifoDepth int
	Credit    int
	Received  uint64
	Displayed uint64
	FlipAvgMs float64
	FlipMinMs float64
	FlipMaxMs float64
}

type Snapshot struct {
	Session string
	Uptime  time.Duration
	Outputs []Output
}

// Recorder holds the latest Output per id. The consumer loop writes it;
// the stats server reads it.
type Recorder struct {
	session string
	started time.Time

	mu      sync.Mutex
	outputs map[int]Output
}

func NewRecorder() *Recorder {
	return &Recorder{
		session: uuid.NewString(),
		started: time.Now(),
		outputs: make(map[int]Output),
	}
}

// Session identifies this consumer run.
func (r *Recorder) Session() string { return r.session }

func (r *Recorder) Update(o Output) {
	r.mu.Lock()
	r.outputs[o.ID] = o
	r.mu.Unlock()
}

// Snapshot returns every output ordered by id.
func (r *Recorder) Snapshot() Snapshot {
	r.mu.Lock()
	outs := make([]Output, 0, len(r.outputs))
	for _, o := range r.outputs {
		outs = append(outs, o)
	}
	r.mu.Unlock()

	sort.Slice(outs, func(i, j int) bool { return outs[i].ID < outs[j].ID })
	return Snapshot{
		Session: r.session,
		Uptime:  time.Since(r.started),
		Outputs: outs,
	}
}

func (s Snapshot) toStruct() (*structpb.Struct, error) {
	outs := make([]any, len(s.Outputs))
	for i, o := range s.Outputs {
		outs[i] = map[string]any{
			"id":          o.ID,
			"width":       o.Width,
			"height":      o.Height,
			"state":       o.State,
			"fifo_depth":  o.FifoDepth,
			"credit":      o.Credit,
			"received":    o.Received,
			"displayed":   o.Displayed,
			"flip_avg_ms": o.FlipAvgMs,
			"flip_min_ms": o.FlipMinMs,
			"flip_max_ms": o.FlipMaxMs,
		}
	}
	return structpb.NewStruct(map[string]any{
		"session":   s.Session,
		"uptime_ms": float64(s.Uptime.Milliseconds()),
		"outputs":   outs,
	})
}

func snapshotFromStruct(st *structpb.Struct) (Snapshot, error) {
	m := st.AsMap()

	var s Snapshot
	s.Session, _ = m["session"].(string)
	if ms, ok := m["uptime_ms"].(float64); ok {
		s.Uptime = time.Duration(ms) * time.Millisecond
	}

	list, ok := m["outputs"].([]any)
	if !ok && m["outputs"] != nil {
		return Snapshot{}, fmt.Errorf("outputs: unexpected %T", m["outputs"])
	}
	for _, item := range list {
		om, ok := item.(map[string]any)
		if !ok {
			return Snapshot{}, fmt.Errorf("output: unexpected %T", item)
		}
		num := func(key string) float64 {
			f, _ := om[key].(float64)
			return f
		}
		state, _ := om["state"].(string)
		s.Outputs = append(s.Outputs, Output{
			ID:        int(num("id")),
			Width:     int(num("width")),
			Height:    int(num("height")),
			State:     state,
			FifoDepth: int(num("fifo_depth")),
			Credit:    int(num("credit")),
			Received:  uint64(num("received")),
			Displayed: uint64(num("displayed")),
			FlipAvgMs: num("flip_avg_ms"),
			FlipMinMs: num("flip_min_ms"),
			FlipMaxMs: num("flip_max_ms"),
		})
	}
	return s, nil
}
