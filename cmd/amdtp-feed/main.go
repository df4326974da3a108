// Command amdtp-feed is the host-side audio producer for amdtpxmitd: it
// captures from the default input device (or synthesizes a test tone)
// and pushes interleaved 32-bit frames into the daemon's shared-memory
// ring.
package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gordonklaus/portaudio"
	"github.com/spf13/pflag"

	"github.com/fwaudio/amdtp-xmit/internal/logging"
	"github.com/fwaudio/amdtp-xmit/internal/ring"
)

func main() {
	log := logging.For("amdtp-feed")

	ringName := pflag.String("ring-name", ring.DefaultName, "shared-memory ring object name to attach to")
	sampleRate := pflag.Int("sample-rate", 48000, "capture sample rate in Hz")
	channels := pflag.Int("channels", 2, "channel count")
	testTone := pflag.Bool("test-tone", false, "feed a synthesized sine tone instead of capturing audio")
	toneHz := pflag.Float64("tone-hz", 1000, "frequency of the synthesized test tone")
	pflag.Parse()

	r, err := ring.Open(*ringName, ring.Config{
		SampleRateHz: uint32(*sampleRate),
		ChannelCount: uint32(*channels),
	})
	if err != nil {
		log.Fatal("failed to attach to shared-memory ring", "err", err)
	}
	defer r.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if *testTone {
		feedTestTone(ctx, r, *sampleRate, *channels, *toneHz)
		return
	}

	if err := feedCapture(ctx, r, *sampleRate, *channels); err != nil {
		log.Fatal("capture failed", "err", err)
	}
}

// feedTestTone synthesizes a sine wave directly into the ring, bypassing
// portaudio entirely, for bring-up and CI environments with no audio
// hardware.
func feedTestTone(ctx context.Context, r *ring.Ring, sampleRate, channels int, toneHz float64) {
	const framesPerChunk = 256
	bytesPerFrame := channels * 4
	buf := make([]byte, framesPerChunk*bytesPerFrame)

	var phase float64
	step := 2 * math.Pi * toneHz / float64(sampleRate)
	period := time.Second * time.Duration(framesPerChunk) / time.Duration(sampleRate)

	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for f := 0; f < framesPerChunk; f++ {
				sample := int32(math.Sin(phase) * math.MaxInt32 / 4)
				phase += step
				for c := 0; c < channels; c++ {
					off := (f*channels + c) * 4
					binary.LittleEndian.PutUint32(buf[off:off+4], uint32(sample))
				}
			}
			r.Push(ring.Chunk{TimestampNanos: uint64(time.Now().UnixNano()), Data: buf})
		}
	}
}

// feedCapture opens the default input device via portaudio and streams
// captured frames into the ring as they arrive.
func feedCapture(ctx context.Context, r *ring.Ring, sampleRate, channels int) error {
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("portaudio init: %w", err)
	}
	defer portaudio.Terminate()

	const framesPerBuffer = 256
	in := make([]int32, framesPerBuffer*channels)

	stream, err := portaudio.OpenDefaultStream(channels, 0, float64(sampleRate), framesPerBuffer, in)
	if err != nil {
		return fmt.Errorf("open default input stream: %w", err)
	}
	defer stream.Close()

	if err := stream.Start(); err != nil {
		return fmt.Errorf("start stream: %w", err)
	}
	defer stream.Stop()

	buf := make([]byte, len(in)*4)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		if err := stream.Read(); err != nil {
			return fmt.Errorf("read stream: %w", err)
		}
		for i, s := range in {
			binary.LittleEndian.PutUint32(buf[i*4:i*4+4], uint32(s))
		}
		r.Push(ring.Chunk{TimestampNanos: uint64(time.Now().UnixNano()), Data: append([]byte(nil), buf...)})
	}
}
