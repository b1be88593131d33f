//go:build linux && cuda

package device

import (
	"bytes"
	"testing"
)

func TestCUDAUploadCopyDownload(t *testing.T) {
	ctx := newCtx(t, KindCUDA, Options{})
	src, err := ctx.Alloc(Shape{4, 8}, DTypeF32)
	if err != nil {
		t.Fatal(err)
	}
	dst, _ := ctx.Alloc(Shape{4, 8}, DTypeF32)

	data := make([]byte, src.SizeBytes())
	for i := range data {
		data[i] = byte(i)
	}
	if err := ctx.Upload(src, data); err != nil {
		t.Fatal(err)
	}
	// swap the two halves
	half := len(data) / 2
	if err := ctx.Copy(dst, src, []Span{{Dst: 0, Src: half, Len: half}, {Dst: half, Src: 0, Len: half}}); err != nil {
		t.Fatal(err)
	}
	got, err := ctx.Download(dst)
	if err != nil {
		t.Fatal(err)
	}
	want := append(append([]byte{}, data[half:]...), data[:half]...)
	if !bytes.Equal(got, want) {
		t.Errorf("device copy mismatch")
	}

	ctx.Release(src)
	ctx.Release(dst)
	if err := ctx.Synchronize(); err != nil {
		t.Fatal(err)
	}
	if ctx.Allocated() != 0 {
		t.Errorf("allocated %d after release", ctx.Allocated())
	}
}
