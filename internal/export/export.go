// Package export ships KV-cache snapshots to an Arrow Flight endpoint.
// Pages are converted to IEEE half floats and sent one record per layer, so
// a warm cache can be persisted or migrated between engine instances.
package export

import (
	"context"
	"fmt"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/x448/float16"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/23skdu/longbow-bodkin/internal/logger"
	"github.com/23skdu/longbow-bodkin/internal/paged"
)

// Sink receives one Arrow record per exported layer. flightSink is the
// production implementation; tests substitute their own.
type Sink interface {
	Send(ctx context.Context, name string, rec arrow.Record) error
}

// Exporter converts cache layers to Arrow records and hands them to a Sink.
type Exporter struct {
	sink    Sink
	mem     memory.Allocator
	workers int
	log     *logger.Logger
}

func NewExporter(sink Sink) *Exporter {
	return &Exporter{
		sink:    sink,
		mem:     memory.DefaultAllocator,
		workers: 4,
		log:     logger.With("export"),
	}
}

// Schema returns the record layout of one exported layer: a page id per row
// and the page's K and V planes as half-float bit patterns.
func Schema(pageElems int) *arrow.Schema {
	return arrow.NewSchema([]arrow.Field{
		{Name: "layer", Type: arrow.PrimitiveTypes.Int32},
		{Name: "page", Type: arrow.PrimitiveTypes.Int32},
		{Name: "kv", Type: arrow.FixedSizeListOf(int32(pageElems), arrow.PrimitiveTypes.Uint16)},
	}, nil)
}

// ExportCache snapshots every layer of an MHA-family cache. Records are
// built concurrently, then sent in layer order.
func (e *Exporter) ExportCache(ctx context.Context, c *paged.Cache, name string) error {
	start := time.Now()
	cfg := c.Config()
	recs := make([]arrow.Record, cfg.Layers)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for l := 0; l < cfg.Layers; l++ {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			recs[l] = e.buildLayerRecord(l, c.Layer(l))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("building export records: %w", err)
	}
	defer func() {
		for _, r := range recs {
			if r != nil {
				r.Release()
			}
		}
	}()

	for l, rec := range recs {
		if err := e.sink.Send(ctx, name, rec); err != nil {
			return fmt.Errorf("sending layer %d: %w", l, err)
		}
	}
	e.log.Info("exported cache snapshot",
		"name", name,
		"layers", cfg.Layers,
		"pages", c.NumPages(),
		"elapsed", time.Since(start).String())
	return nil
}

// buildLayerRecord packs one layer's pages into a record, one row per page.
func (e *Exporter) buildLayerRecord(layer int, s *paged.Store) arrow.Record {
	pageElems := 2 * s.KVHeads * s.PageSize * s.HeadDim
	b := array.NewRecordBuilder(e.mem, Schema(pageElems))
	defer b.Release()

	layerB := b.Field(0).(*array.Int32Builder)
	pageB := b.Field(1).(*array.Int32Builder)
	kvB := b.Field(2).(*array.FixedSizeListBuilder)
	valB := kvB.ValueBuilder().(*array.Uint16Builder)

	data := s.Data()
	for p := 0; p < s.NumPages; p++ {
		layerB.Append(int32(layer))
		pageB.Append(int32(p))
		kvB.Append(true)
		page := data[p*pageElems : (p+1)*pageElems]
		for _, v := range page {
			valB.Append(float16.Fromfloat32(v).Bits())
		}
	}
	return b.NewRecord()
}

// DecodeRecord expands an exported record back into float32 page payloads,
// returning the layer id and, per row, the page id and its elements.
func DecodeRecord(rec arrow.Record) (layer int32, pages []int32, payloads [][]float32, err error) {
	layers := rec.Column(0).(*array.Int32)
	pageCol := rec.Column(1).(*array.Int32)
	kvCol := rec.Column(2).(*array.FixedSizeList)
	vals := kvCol.ListValues().(*array.Uint16)
	width := int(kvCol.DataType().(*arrow.FixedSizeListType).Len())

	if rec.NumRows() == 0 {
		return 0, nil, nil, fmt.Errorf("empty record")
	}
	layer = layers.Value(0)
	for r := 0; r < int(rec.NumRows()); r++ {
		pages = append(pages, pageCol.Value(r))
		page := make([]float32, width)
		off := r * width
		for i := 0; i < width; i++ {
			page[i] = float16.Frombits(vals.Value(off + i)).Float32()
		}
		payloads = append(payloads, page)
	}
	return layer, pages, payloads, nil
}

// flightSink streams records to a Flight server over one DoPut per layer.
type flightSink struct {
	client flight.Client
}

// Dial connects to a Flight endpoint with plaintext transport.
func Dial(addr string) (Sink, error) {
	client, err := flight.NewClientWithMiddleware(addr, nil, nil,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("dialing flight endpoint %s: %w", addr, err)
	}
	return &flightSink{client: client}, nil
}

func (f *flightSink) Send(ctx context.Context, name string, rec arrow.Record) error {
	stream, err := f.client.DoPut(ctx)
	if err != nil {
		return fmt.Errorf("opening DoPut stream: %w", err)
	}
	w := flight.NewRecordWriter(stream, ipc.WithSchema(rec.Schema()))
	w.SetFlightDescriptor(&flight.FlightDescriptor{
		Type: flight.DescriptorPATH,
		Path: []string{name},
	})
	if err := w.Write(rec); err != nil {
		return fmt.Errorf("writing record: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("closing record writer: %w", err)
	}
	return stream.CloseSend()
}

// Close tears down the underlying Flight connection.
func (f *flightSink) Close() error {
	return f.client.Close()
}
