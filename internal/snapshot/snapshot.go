// Package snapshot captures the past buffers of a cache as Arrow records,
// one row per (buffer, half, beam) block, and moves them through IPC
// streams or Arrow Flight.
package snapshot

import (
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"

	"github.com/23skdu/longbow-beamkv/internal/device"
	"github.com/23skdu/longbow-beamkv/internal/kvcache"
)

var ErrChecksum = errors.New("snapshot checksum mismatch")

const (
	RoleKey        = "key"
	RoleValue      = "value"
	RoleCrossKey   = "cross_key"
	RoleCrossValue = "cross_value"
)

// Row is one beam's block of one key or value tensor.
type Row struct {
	Name     string
	Layer    int32
	Role     string
	Beam     int32
	SeqLen   int64
	DType    string
	Checksum uint64
	Data     []byte
}

type Snapshot struct {
	Session string
	Step    int64
	Layout  string
	Rows    []Row
}

// crossCache is implemented by caches with cross-attention buffers.
type crossCache interface {
	CrossInputNames() []string
	Cross(i int) *device.Buffer
}

// Capture downloads every past buffer of c (and its cross buffers, if any)
// and splits it into per-beam rows.
func Capture(ctx *device.Context, c kvcache.Cache, session string, step int64) (*Snapshot, error) {
	snap := &Snapshot{Session: session, Step: step}
	names := c.InputNames()
	fused := len(names) > 0 && len(c.Past(0).Shape()) == 5
	snap.Layout = "split"
	if fused {
		snap.Layout = "fused"
	}

	for i, name := range names {
		layer, roles := int32(i), []string{RoleKey, RoleValue}
		if !fused {
			layer, roles = int32(i/2), []string{[]string{RoleKey, RoleValue}[i%2]}
		}
		rows, err := split(ctx, c.Past(i), name, layer, roles)
		if err != nil {
			return nil, fmt.Errorf("capture %s: %w", name, err)
		}
		snap.Rows = append(snap.Rows, rows...)
	}

	if cc, ok := c.(crossCache); ok {
		for i, name := range cc.CrossInputNames() {
			role := []string{RoleCrossKey, RoleCrossValue}[i%2]
			rows, err := split(ctx, cc.Cross(i), name, int32(i/2), []string{role})
			if err != nil {
				return nil, fmt.Errorf("capture %s: %w", name, err)
			}
			snap.Rows = append(snap.Rows, rows...)
		}
	}
	return snap, nil
}

// split cuts b into len(roles) halves of beams blocks each.
func split(ctx *device.Context, b *device.Buffer, name string, layer int32, roles []string) ([]Row, error) {
	data, err := ctx.Download(b)
	if err != nil {
		return nil, err
	}
	shape := b.Shape()
	beamAxis := len(roles) - 1
	beams := int(shape[beamAxis])
	seqLen := shape[len(shape)-2]
	block := 0
	if beams > 0 {
		block = len(data) / (len(roles) * beams)
	}

	rows := make([]Row, 0, len(roles)*beams)
	for h, role := range roles {
		for j := 0; j < beams; j++ {
			off := (h*beams + j) * block
			chunk := data[off : off+block]
			rows = append(rows, Row{
				Name:     name,
				Layer:    layer,
				Role:     role,
				Beam:     int32(j),
				SeqLen:   seqLen,
				DType:    b.DType().String(),
				Checksum: xxhash.Sum64(chunk),
				Data:     chunk,
			})
		}
	}
	return rows, nil
}

// Verify recomputes every row checksum.
func (s *Snapshot) Verify() error {
	for i, r := range s.Rows {
		if got := xxhash.Sum64(r.Data); got != r.Checksum {
			return fmt.Errorf("%w: row %d (%s beam %d): %016x != %016x", ErrChecksum, i, r.Name, r.Beam, got, r.Checksum)
		}
	}
	return nil
}

// Bytes is the total payload size.
func (s *Snapshot) Bytes() int {
	n := 0
	for _, r := range s.Rows {
		n += len(r.Data)
	}
	return n
}
