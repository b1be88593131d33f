package snapshot

import (
	"fmt"
	"io"
	"strconv"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

var fields = []arrow.Field{
	{Name: "name", Type: arrow.BinaryTypes.String},
	{Name: "layer", Type: arrow.PrimitiveTypes.Int32},
	{Name: "role", Type: arrow.BinaryTypes.String},
	{Name: "beam", Type: arrow.PrimitiveTypes.Int32},
	{Name: "seq_len", Type: arrow.PrimitiveTypes.Int64},
	{Name: "dtype", Type: arrow.BinaryTypes.String},
	{Name: "checksum", Type: arrow.PrimitiveTypes.Uint64},
	{Name: "data", Type: arrow.BinaryTypes.Binary},
}

// Schema returns the record schema; session, step and layout travel as
// schema metadata.
func Schema(s *Snapshot) *arrow.Schema {
	md := arrow.NewMetadata(
		[]string{"session", "step", "layout"},
		[]string{s.Session, strconv.FormatInt(s.Step, 10), s.Layout},
	)
	return arrow.NewSchema(fields, &md)
}

// ToRecord builds one Arrow record holding every row. The caller releases it.
func ToRecord(mem memory.Allocator, s *Snapshot) arrow.Record {
	b := array.NewRecordBuilder(mem, Schema(s))
	defer b.Release()

	for _, r := range s.Rows {
		b.Field(0).(*array.StringBuilder).Append(r.Name)
		b.Field(1).(*array.Int32Builder).Append(r.Layer)
		b.Field(2).(*array.StringBuilder).Append(r.Role)
		b.Field(3).(*array.Int32Builder).Append(r.Beam)
		b.Field(4).(*array.Int64Builder).Append(r.SeqLen)
		b.Field(5).(*array.StringBuilder).Append(r.DType)
		b.Field(6).(*array.Uint64Builder).Append(r.Checksum)
		b.Field(7).(*array.BinaryBuilder).Append(r.Data)
	}
	return b.NewRecord()
}

// FromRecord copies a record back into a Snapshot.
func FromRecord(rec arrow.Record) (*Snapshot, error) {
	if !sameFields(rec.Schema()) {
		return nil, fmt.Errorf("unexpected snapshot schema: %v", rec.Schema())
	}
	s := &Snapshot{}
	md := rec.Schema().Metadata()
	if i := md.FindKey("session"); i >= 0 {
		s.Session = md.Values()[i]
	}
	if i := md.FindKey("layout"); i >= 0 {
		s.Layout = md.Values()[i]
	}
	if i := md.FindKey("step"); i >= 0 {
		step, err := strconv.ParseInt(md.Values()[i], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("snapshot step: %w", err)
		}
		s.Step = step
	}

	names := rec.Column(0).(*array.String)
	layers := rec.Column(1).(*array.Int32)
	roles := rec.Column(2).(*array.String)
	beams := rec.Column(3).(*array.Int32)
	seqs := rec.Column(4).(*array.Int64)
	dtypes := rec.Column(5).(*array.String)
	sums := rec.Column(6).(*array.Uint64)
	data := rec.Column(7).(*array.Binary)

	s.Rows = make([]Row, rec.NumRows())
	for i := range s.Rows {
		s.Rows[i] = Row{
			Name:     names.Value(i),
			Layer:    layers.Value(i),
			Role:     roles.Value(i),
			Beam:     beams.Value(i),
			SeqLen:   seqs.Value(i),
			DType:    dtypes.Value(i),
			Checksum: sums.Value(i),
			Data:     append([]byte(nil), data.Value(i)...),
		}
	}
	return s, nil
}

func sameFields(schema *arrow.Schema) bool {
	if schema.NumFields() != len(fields) {
		return false
	}
	for i, f := range schema.Fields() {
		if f.Name != fields[i].Name || !arrow.TypeEqual(f.Type, fields[i].Type) {
			return false
		}
	}
	return true
}

// WriteIPC writes s as a single-record Arrow IPC stream.
func WriteIPC(w io.Writer, s *Snapshot) error {
	mem := memory.NewGoAllocator()
	rec := ToRecord(mem, s)
	defer rec.Release()

	iw := ipc.NewWriter(w, ipc.WithSchema(rec.Schema()), ipc.WithAllocator(mem))
	if err := iw.Write(rec); err != nil {
		iw.Close()
		return fmt.Errorf("write snapshot record: %w", err)
	}
	return iw.Close()
}

// ReadIPC reads every record of an Arrow IPC stream as a snapshot.
func ReadIPC(r io.Reader) ([]*Snapshot, error) {
	rdr, err := ipc.NewReader(r, ipc.WithAllocator(memory.NewGoAllocator()))
	if err != nil {
		return nil, fmt.Errorf("open snapshot stream: %w", err)
	}
	defer rdr.Release()

	var out []*Snapshot
	for rdr.Next() {
		s, err := FromRecord(rdr.Record())
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	if err := rdr.Err(); err != nil {
		return nil, fmt.Errorf("read snapshot stream: %w", err)
	}
	return out, nil
}
