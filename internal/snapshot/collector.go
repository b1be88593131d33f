package snapshot

import (
	"fmt"
	"sync"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/23skdu/longbow-beamkv/internal/logger"
	"github.com/23skdu/longbow-beamkv/internal/metrics"
)

// Collector is a Flight service that keeps the latest snapshot per
// session in memory and serves it back on DoGet.
type Collector struct {
	flight.BaseFlightServer

	mu       sync.RWMutex
	sessions map[string]*Snapshot
	received int
	log      *logger.Logger
	onPut    func(*Snapshot)
}

func NewCollector() *Collector {
	return &Collector{sessions: make(map[string]*Snapshot), log: logger.Log.With("collector")}
}

// OnPut registers a callback run for every snapshot received.
func (c *Collector) OnPut(fn func(*Snapshot)) {
	c.mu.Lock()
	c.onPut = fn
	c.mu.Unlock()
}

func (c *Collector) DoPut(stream flight.FlightService_DoPutServer) error {
	rdr, err := flight.NewRecordReader(stream, ipc.WithAllocator(memory.NewGoAllocator()))
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "open record stream: %v", err)
	}
	defer rdr.Release()

	for rdr.Next() {
		snap, err := FromRecord(rdr.Record())
		if err != nil {
			return status.Error(codes.InvalidArgument, err.Error())
		}
		if err := snap.Verify(); err != nil {
			return status.Error(codes.DataLoss, err.Error())
		}
		if d := rdr.LatestFlightDescriptor(); d != nil && len(d.Path) > 0 && snap.Session == "" {
			snap.Session = d.Path[0]
		}
		c.store(snap)
		if err := stream.Send(&flight.PutResult{}); err != nil {
			return err
		}
	}
	if err := rdr.Err(); err != nil {
		return status.Errorf(codes.Internal, "read record stream: %v", err)
	}
	return nil
}

func (c *Collector) store(s *Snapshot) {
	c.mu.Lock()
	c.sessions[s.Session] = s
	c.received++
	fn := c.onPut
	c.mu.Unlock()

	metrics.RecordSnapshot("collector", len(s.Rows))
	c.log.Info("snapshot received", "session", s.Session, "step", s.Step, "layout", s.Layout,
		"rows", len(s.Rows), "bytes", s.Bytes())
	if fn != nil {
		fn(s)
	}
}

func (c *Collector) DoGet(tkt *flight.Ticket, stream flight.FlightService_DoGetServer) error {
	s, ok := c.Get(string(tkt.Ticket))
	if !ok {
		return status.Errorf(codes.NotFound, "session %q", tkt.Ticket)
	}
	mem := memory.NewGoAllocator()
	rec := ToRecord(mem, s)
	defer rec.Release()

	w := flight.NewRecordWriter(stream, ipc.WithSchema(rec.Schema()), ipc.WithAllocator(mem))
	defer w.Close()
	if err := w.Write(rec); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}

func (c *Collector) Get(session string) (*Snapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.sessions[session]
	return s, ok
}

// Received counts snapshots accepted since start.
func (c *Collector) Received() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.received
}

// Serve starts a Flight server for c on addr ("host:port", port 0 picks
// one). The caller shuts it down.
func Serve(c *Collector, addr string) (flight.Server, error) {
	srv := flight.NewServerWithMiddleware(nil)
	if err := srv.Init(addr); err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	srv.RegisterFlightService(c)
	go srv.Serve()
	return srv, nil
}
