// Package trace records per-layer activation statistics as Arrow record
// batches.
package trace

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-quiver/internal/logger"
)

// Row is the activation summary of one layer in one step.
type Row struct {
	Request  string
	Step     int
	Layer    int
	Device   int
	Phase    string
	Position int
	MaxAbs   float32
	RMS      float32
	NaNs     int
	Infs     int
}

// Schema is the record layout shared by every sink.
var Schema = arrow.NewSchema([]arrow.Field{
	{Name: "request", Type: arrow.BinaryTypes.String},
	{Name: "step", Type: arrow.PrimitiveTypes.Int32},
	{Name: "layer", Type: arrow.PrimitiveTypes.Int32},
	{Name: "device", Type: arrow.PrimitiveTypes.Int32},
	{Name: "phase", Type: arrow.BinaryTypes.String},
	{Name: "position", Type: arrow.PrimitiveTypes.Int32},
	{Name: "max_abs", Type: arrow.PrimitiveTypes.Float32},
	{Name: "rms", Type: arrow.PrimitiveTypes.Float32},
	{Name: "nan", Type: arrow.PrimitiveTypes.Int32},
	{Name: "inf", Type: arrow.PrimitiveTypes.Int32},
}, nil)

// Summarize computes the largest finite magnitude, the RMS of finite values
// and the non-finite counts of an activation.
func Summarize(vals []float32) (maxAbs, rms float32, nans, infs int) {
	var sumSq float64
	n := 0
	for _, v := range vals {
		f := float64(v)
		switch {
		case math.IsNaN(f):
			nans++
			continue
		case math.IsInf(f, 0):
			infs++
			continue
		}
		if a := float32(math.Abs(f)); a > maxAbs {
			maxAbs = a
		}
		sumSq += f * f
		n++
	}
	if n > 0 {
		rms = float32(math.Sqrt(sumSq / float64(n)))
	}
	return maxAbs, rms, nans, infs
}

// Sink receives complete record batches.
type Sink interface {
	WriteRecord(rec arrow.Record) error
	Close() error
}

// Recorder buffers rows and hands a record batch to every sink once batch
// rows have accumulated. It is safe for concurrent use.
type Recorder struct {
	mu      sync.Mutex
	mem     memory.Allocator
	builder *array.RecordBuilder
	rows    int
	batch   int
	sinks   []Sink
	closed  bool
}

func NewRecorder(batch int, sinks ...Sink) *Recorder {
	if batch <= 0 {
		batch = 256
	}
	mem := memory.NewGoAllocator()
	return &Recorder{
		mem:     mem,
		builder: array.NewRecordBuilder(mem, Schema),
		batch:   batch,
		sinks:   sinks,
	}
}

func (r *Recorder) Add(row Row) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errors.New("trace recorder closed")
	}
	b := r.builder
	b.Field(0).(*array.StringBuilder).Append(row.Request)
	b.Field(1).(*array.Int32Builder).Append(int32(row.Step))
	b.Field(2).(*array.Int32Builder).Append(int32(row.Layer))
	b.Field(3).(*array.Int32Builder).Append(int32(row.Device))
	b.Field(4).(*array.StringBuilder).Append(row.Phase)
	b.Field(5).(*array.Int32Builder).Append(int32(row.Position))
	b.Field(6).(*array.Float32Builder).Append(row.MaxAbs)
	b.Field(7).(*array.Float32Builder).Append(row.RMS)
	b.Field(8).(*array.Int32Builder).Append(int32(row.NaNs))
	b.Field(9).(*array.Int32Builder).Append(int32(row.Infs))
	r.rows++
	if r.rows >= r.batch {
		return r.flushLocked()
	}
	return nil
}

// Flush emits buffered rows, if any.
func (r *Recorder) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.flushLocked()
}

func (r *Recorder) flushLocked() error {
	if r.rows == 0 {
		return nil
	}
	rec := r.builder.NewRecord()
	defer rec.Release()
	r.rows = 0
	var errs []error
	for _, s := range r.sinks {
		if err := s.WriteRecord(rec); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("write trace batch: %w", err)
	}
	logger.Log.Debug("trace batch written", "rows", rec.NumRows(), "sinks", len(r.sinks))
	return nil
}

// Close flushes and closes every sink.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	errs := []error{r.flushLocked()}
	r.closed = true
	r.builder.Release()
	for _, s := range r.sinks {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}
