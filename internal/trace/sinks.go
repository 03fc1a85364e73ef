package trace

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// FileSink writes batches to an Arrow IPC file.
type FileSink struct {
	f *os.File
	w *ipc.FileWriter
}

func NewFileSink(path string) (*FileSink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create trace file: %w", err)
	}
	w, err := ipc.NewFileWriter(f, ipc.WithSchema(Schema))
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("open trace writer: %w", err)
	}
	return &FileSink{f: f, w: w}, nil
}

func (s *FileSink) WriteRecord(rec arrow.Record) error {
	return s.w.Write(rec)
}

func (s *FileSink) Close() error {
	return errors.Join(s.w.Close(), s.f.Close())
}

// FlightSink streams batches to a Flight collector with a single DoPut.
type FlightSink struct {
	client flight.Client
	stream flight.FlightService_DoPutClient
	w      *flight.Writer
	cancel context.CancelFunc
}

// NewFlightSink connects to addr and opens a DoPut stream whose descriptor
// path is path.
func NewFlightSink(ctx context.Context, addr string, path ...string) (*FlightSink, error) {
	client, err := flight.NewClientWithMiddleware(addr, nil, nil, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("connect flight collector %s: %w", addr, err)
	}
	ctx, cancel := context.WithCancel(ctx)
	stream, err := client.DoPut(ctx)
	if err != nil {
		cancel()
		_ = client.Close()
		return nil, fmt.Errorf("open DoPut to %s: %w", addr, err)
	}
	if len(path) == 0 {
		path = []string{"activations"}
	}
	w := flight.NewRecordWriter(stream, ipc.WithSchema(Schema))
	w.SetFlightDescriptor(&flight.FlightDescriptor{Type: flight.DescriptorPATH, Path: path})
	return &FlightSink{client: client, stream: stream, w: w, cancel: cancel}, nil
}

func (s *FlightSink) WriteRecord(rec arrow.Record) error {
	return s.w.Write(rec)
}

// Close ends the stream and waits for the collector to acknowledge it.
func (s *FlightSink) Close() error {
	defer s.cancel()
	errs := []error{s.w.Close(), s.stream.CloseSend()}
	for {
		if _, err := s.stream.Recv(); err != nil {
			if !errors.Is(err, io.EOF) {
				errs = append(errs, err)
			}
			break
		}
	}
	errs = append(errs, s.client.Close())
	return errors.Join(errs...)
}
