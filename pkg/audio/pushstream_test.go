package audio_test

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/MrWong99/soundstage/pkg/audio"
	"github.com/MrWong99/soundstage/pkg/audio/mock"
)

var testCfg = audio.StreamConfig{Format: audio.Format{SampleRate: 8000, Channels: 2}, BlockSize: 4}

func TestPushStream_CutsExactBlocks(t *testing.T) {
	t.Parallel()
	ps := audio.NewPushStream(testCfg)
	defer ps.Close()

	// 8 samples per block; write 20 → 2 blocks, 4 pending.
	if err := ps.Write(make([]int16, 20)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	ctx := context.Background()
	for want := uint64(0); want < 2; want++ {
		f, err := ps.Read(ctx)
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		if f.Seq != want {
			t.Errorf("Seq = %d, want %d", f.Seq, want)
		}
		if len(f.Samples) != 8 {
			t.Errorf("len(Samples) = %d, want 8", len(f.Samples))
		}
		if f.Overrun {
			t.Error("unexpected overrun flag")
		}
	}

	// Remaining 4 samples + 4 more complete the third block.
	if err := ps.Write(make([]int16, 4)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	f, err := ps.Read(ctx)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if f.Seq != 2 {
		t.Errorf("Seq = %d, want 2", f.Seq)
	}
}

func TestPushStream_OverflowDropsOldest(t *testing.T) {
	t.Parallel()
	ps := audio.NewPushStream(testCfg, audio.WithCapacity(2))
	defer ps.Close()

	for range 4 {
		if err := ps.Write(make([]int16, 8)); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	if got := ps.Dropped(); got != 2 {
		t.Errorf("Dropped = %d, want 2", got)
	}

	ctx := context.Background()
	f, err := ps.Read(ctx)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if f.Seq != 2 {
		t.Errorf("first Seq after overflow = %d, want 2", f.Seq)
	}
	if !f.Overrun {
		t.Error("first frame after overflow should carry Overrun")
	}
	f, _ = ps.Read(ctx)
	if f.Overrun {
		t.Error("overrun flag should only be set once")
	}
}

func TestPushStream_EndErrorAfterDrain(t *testing.T) {
	t.Parallel()
	ps := audio.NewPushStream(testCfg)
	_ = ps.Write(make([]int16, 12))
	ps.CloseWithError(io.EOF)

	ctx := context.Background()
	if _, err := ps.Read(ctx); err != nil {
		t.Fatalf("buffered block should still be readable, got %v", err)
	}
	if _, err := ps.Read(ctx); !errors.Is(err, io.EOF) {
		t.Errorf("Read after end = %v, want io.EOF", err)
	}
	if err := ps.Write(make([]int16, 8)); !errors.Is(err, audio.ErrStreamClosed) {
		t.Errorf("Write after end = %v, want ErrStreamClosed", err)
	}
}

func TestPushStream_CloseIdempotent(t *testing.T) {
	t.Parallel()
	calls := 0
	ps := audio.NewPushStream(testCfg, audio.WithOnClose(func() { calls++ }))
	_ = ps.Close()
	_ = ps.Close()
	if calls != 1 {
		t.Errorf("onClose calls = %d, want 1", calls)
	}
	if _, err := ps.Read(context.Background()); !errors.Is(err, audio.ErrStreamClosed) {
		t.Errorf("Read after Close = %v, want ErrStreamClosed", err)
	}
}

func TestPushStream_ReadUnblocksOnClose(t *testing.T) {
	t.Parallel()
	ps := audio.NewPushStream(testCfg)
	errCh := make(chan error, 1)
	go func() {
		_, err := ps.Read(context.Background())
		errCh <- err
	}()
	time.Sleep(10 * time.Millisecond)
	_ = ps.Close()
	select {
	case err := <-errCh:
		if !errors.Is(err, audio.ErrStreamClosed) {
			t.Errorf("Read = %v, want ErrStreamClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Read did not return after Close")
	}
}

func TestPushStream_ReadHonoursContext(t *testing.T) {
	t.Parallel()
	ps := audio.NewPushStream(testCfg)
	defer ps.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := ps.Read(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Read = %v, want DeadlineExceeded", err)
	}
}

func TestRouter_OpenByPrefix(t *testing.T) {
	t.Parallel()
	fileSrc := &mock.Source{
		DevicesResult: []audio.Device{{ID: "file:a.wav", Kind: audio.DeviceFile}},
		StreamResult:  &mock.Stream{},
	}
	mockSrc := &mock.Source{
		DevicesResult: []audio.Device{{ID: "mock:x", Kind: audio.DeviceMock, Default: true}},
		StreamResult:  &mock.Stream{},
	}
	r := audio.NewRouter()
	r.Register("file", fileSrc)
	r.Register("mock", mockSrc)

	ctx := context.Background()
	devs, err := r.Devices(ctx)
	if err != nil {
		t.Fatalf("Devices: %v", err)
	}
	if len(devs) != 2 {
		t.Fatalf("len(Devices) = %d, want 2", len(devs))
	}

	if _, err := r.Open(ctx, "file:a.wav", testCfg); err != nil {
		t.Fatalf("Open file: %v", err)
	}
	if got := len(fileSrc.Calls()); got != 1 {
		t.Errorf("file source Open calls = %d, want 1", got)
	}

	// Empty device picks the default.
	if _, err := r.Open(ctx, "", testCfg); err != nil {
		t.Fatalf("Open default: %v", err)
	}
	if calls := mockSrc.Calls(); len(calls) != 1 || calls[0].DeviceID != "mock:x" {
		t.Errorf("default device calls = %+v, want one call for mock:x", calls)
	}

	for _, id := range []string{"nope:1", "noprefix"} {
		if _, err := r.Open(ctx, id, testCfg); !errors.Is(err, audio.ErrDeviceUnavailable) {
			t.Errorf("Open(%q) = %v, want ErrDeviceUnavailable", id, err)
		}
	}
}

func TestRouter_NoDevices(t *testing.T) {
	t.Parallel()
	r := audio.NewRouter()
	if _, err := r.Open(context.Background(), "", testCfg); !errors.Is(err, audio.ErrDeviceUnavailable) {
		t.Errorf("Open on empty router = %v, want ErrDeviceUnavailable", err)
	}
}
