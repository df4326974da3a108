// Package ring implements the single-producer/single-consumer
// shared-memory ring of audio chunks: a POSIX shared-memory mapping the
// host audio producer writes into and the packet provider reads from.
// The write/read indices live in the mapped control block and are
// advanced with atomic acquire/release semantics, since producer and
// consumer are different processes.
package ring

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ABIVersion is the control-block ABI version this package implements.
// Binding refuses any mapping whose stored version differs.
const ABIVersion = 1

// DefaultName is the default shared-memory object name.
const DefaultName = "/fwa_daemon_shm_v1"

// ChunkPayloadSize is the fixed number of interleaved 32-bit sample bytes
// carried per chunk slot.
const ChunkPayloadSize = 4096

// controlBlockSize is the fixed POD layout: 4 x uint32 header fields (abi,
// capacity, stream_active, sample_rate) + 2 x uint64 indices + 3 x uint32
// (channels, bytes_per_frame, underrun_count).
const controlBlockSize = 4 + 4 + 8 + 8 + 4 + 4 + 4 + 4 + 4 // = 44, padded below
const controlBlockLayoutSize = 64                          // page-friendly rounding

// chunk header: host timestamp (uint64) + byte count (uint32) + padding.
const chunkHeaderSize = 16

// ChunkSlotSize is the total size of one chunk slot in the mapping.
const ChunkSlotSize = chunkHeaderSize + ChunkPayloadSize

// control block field byte offsets, fixed order.
const (
	offABIVersion     = 0
	offCapacity       = 4
	offWriteIndex     = 8
	offReadIndex      = 16
	offStreamActive   = 24
	offSampleRateHz   = 28
	offChannelCount   = 32
	offBytesPerFrame  = 36
	offUnderrunCount  = 40
)

// Config describes the expected ring shape; Open refuses to attach unless
// the mapped control block matches every nonzero field.
type Config struct {
	Capacity       uint32 // must be a power of two
	SampleRateHz   uint32
	ChannelCount   uint32
	BytesPerFrame  uint32
}

func isPowerOfTwo(n uint32) bool { return n != 0 && n&(n-1) == 0 }

// Ring is a mapped view of the shared-memory ring. The zero value is not
// usable; construct with Create (producer/host side) or Open (consumer
// side).
type Ring struct {
	mem      []byte
	capacity uint32
	mask     uint32
	name     string
	owned    bool
}

func totalSize(capacity uint32) int64 {
	return controlBlockLayoutSize + int64(capacity)*ChunkSlotSize
}

// Create allocates (or truncates and reinitializes) the named shared
// memory object and initializes its control block. Used by the host audio
// driver side of the boundary.
func Create(name string, cfg Config) (*Ring, error) {
	if !isPowerOfTwo(cfg.Capacity) {
		return nil, fmt.Errorf("ring: capacity %d is not a power of two", cfg.Capacity)
	}
	path := shmPath(name)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("ring: open %s: %w", path, err)
	}
	defer f.Close()

	size := totalSize(cfg.Capacity)
	if err := f.Truncate(size); err != nil {
		return nil, fmt.Errorf("ring: truncate: %w", err)
	}

	mem, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("ring: mmap: %w", err)
	}

	r := &Ring{mem: mem, capacity: cfg.Capacity, mask: cfg.Capacity - 1, name: name, owned: true}
	binary.LittleEndian.PutUint32(mem[offABIVersion:], ABIVersion)
	binary.LittleEndian.PutUint32(mem[offCapacity:], cfg.Capacity)
	atomic.StoreUint64((*uint64)(unsafe.Pointer(&mem[offWriteIndex])), 0)
	atomic.StoreUint64((*uint64)(unsafe.Pointer(&mem[offReadIndex])), 0)
	binary.LittleEndian.PutUint32(mem[offStreamActive:], 0)
	binary.LittleEndian.PutUint32(mem[offSampleRateHz:], cfg.SampleRateHz)
	binary.LittleEndian.PutUint32(mem[offChannelCount:], cfg.ChannelCount)
	binary.LittleEndian.PutUint32(mem[offBytesPerFrame:], cfg.BytesPerFrame)
	binary.LittleEndian.PutUint32(mem[offUnderrunCount:], 0)

	return r, nil
}

// Open attaches to an existing shared-memory ring and validates its ABI
// and format fields against want. Used by the packet provider (consumer)
// side; the core refuses to bind on any mismatch.
func Open(name string, want Config) (*Ring, error) {
	path := shmPath(name)
	f, err := os.OpenFile(path, os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("ring: open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("ring: stat: %w", err)
	}
	if info.Size() < controlBlockLayoutSize {
		return nil, fmt.Errorf("ring: mapping too small")
	}

	mem, err := unix.Mmap(int(f.Fd()), 0, int(info.Size()), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("ring: mmap: %w", err)
	}

	abi := binary.LittleEndian.Uint32(mem[offABIVersion:])
	capacity := binary.LittleEndian.Uint32(mem[offCapacity:])
	rate := binary.LittleEndian.Uint32(mem[offSampleRateHz:])
	channels := binary.LittleEndian.Uint32(mem[offChannelCount:])
	bpf := binary.LittleEndian.Uint32(mem[offBytesPerFrame:])

	if abi != ABIVersion {
		unix.Munmap(mem)
		return nil, fmt.Errorf("ring: abi_version mismatch: got %d want %d", abi, ABIVersion)
	}
	if want.Capacity != 0 && capacity != want.Capacity {
		unix.Munmap(mem)
		return nil, fmt.Errorf("ring: capacity mismatch: got %d want %d", capacity, want.Capacity)
	}
	if !isPowerOfTwo(capacity) {
		unix.Munmap(mem)
		return nil, fmt.Errorf("ring: capacity %d is not a power of two", capacity)
	}
	if want.SampleRateHz != 0 && rate != want.SampleRateHz {
		unix.Munmap(mem)
		return nil, fmt.Errorf("ring: sample rate mismatch: got %d want %d", rate, want.SampleRateHz)
	}
	if want.ChannelCount != 0 && channels != want.ChannelCount {
		unix.Munmap(mem)
		return nil, fmt.Errorf("ring: channel count mismatch: got %d want %d", channels, want.ChannelCount)
	}
	if want.BytesPerFrame != 0 && bpf != want.BytesPerFrame {
		unix.Munmap(mem)
		return nil, fmt.Errorf("ring: bytes per frame mismatch: got %d want %d", bpf, want.BytesPerFrame)
	}

	return &Ring{mem: mem, capacity: capacity, mask: capacity - 1, name: name, owned: false}, nil
}

func shmPath(name string) string {
	// Linux/POSIX shared-memory objects conventionally live under /dev/shm;
	// name may already carry the leading slash.
	if len(name) > 0 && name[0] == '/' {
		return "/dev/shm" + name
	}
	return "/dev/shm/" + name
}

// Close unmaps the ring. It does not unlink the shared-memory object; the
// creator is responsible for that via Unlink.
func (r *Ring) Close() error {
	return unix.Munmap(r.mem)
}

// Unlink removes the shared-memory object from the filesystem namespace.
func (r *Ring) Unlink() error {
	return os.Remove(shmPath(r.name))
}

// SetStreamActive toggles the stream-active flag in the control block.
func (r *Ring) SetStreamActive(active bool) {
	v := uint32(0)
	if active {
		v = 1
	}
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&r.mem[offStreamActive])), v)
}

// StreamActive reads the stream-active flag.
func (r *Ring) StreamActive() bool {
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(&r.mem[offStreamActive]))) != 0
}

// UnderrunCount returns the producer-visible underrun counter.
func (r *Ring) UnderrunCount() uint32 {
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(&r.mem[offUnderrunCount])))
}

func (r *Ring) writeIndex() *uint64 { return (*uint64)(unsafe.Pointer(&r.mem[offWriteIndex])) }
func (r *Ring) readIndex() *uint64  { return (*uint64)(unsafe.Pointer(&r.mem[offReadIndex])) }
func (r *Ring) underrun() *uint32   { return (*uint32)(unsafe.Pointer(&r.mem[offUnderrunCount])) }

func (r *Ring) slot(index uint64) []byte {
	i := uint32(index) & r.mask
	start := controlBlockLayoutSize + int64(i)*ChunkSlotSize
	return r.mem[start : start+ChunkSlotSize]
}

// Chunk is a single audio chunk as read from or written to a ring slot.
type Chunk struct {
	TimestampNanos uint64
	Data           []byte // up to ChunkPayloadSize bytes of interleaved 32-bit LE samples
}

// Push writes one chunk (producer/host side). If the ring is full, it
// applies the drop-oldest policy: advance the reader index and bump the
// control block's underrun counter (the only drop counter it carries),
// then write at the now-free slot.
func (r *Ring) Push(c Chunk) {
	w := atomic.LoadUint64(r.writeIndex())
	rIdx := atomic.LoadUint64(r.readIndex())

	if w-rIdx >= uint64(r.capacity) {
		// Full: drop the oldest chunk to make room.
		atomic.AddUint64(r.readIndex(), 1)
		atomic.AddUint32(r.underrun(), 1)
	}

	s := r.slot(w)
	binary.LittleEndian.PutUint64(s[0:8], c.TimestampNanos)
	n := len(c.Data)
	if n > ChunkPayloadSize {
		n = ChunkPayloadSize
	}
	binary.LittleEndian.PutUint32(s[8:12], uint32(n))
	copy(s[chunkHeaderSize:chunkHeaderSize+n], c.Data[:n])

	atomic.StoreUint64(r.writeIndex(), w+1) // release
}

// Pop reads one chunk (consumer/packet-provider side). ok is false if the
// ring is empty, in which case the underrun counter is incremented.
func (r *Ring) Pop() (c Chunk, ok bool) {
	w := atomic.LoadUint64(r.writeIndex()) // acquire
	rIdx := atomic.LoadUint64(r.readIndex())

	if rIdx == w {
		atomic.AddUint32(r.underrun(), 1)
		return Chunk{}, false
	}

	s := r.slot(rIdx)
	ts := binary.LittleEndian.Uint64(s[0:8])
	n := binary.LittleEndian.Uint32(s[8:12])
	data := make([]byte, n)
	copy(data, s[chunkHeaderSize:chunkHeaderSize+int(n)])

	atomic.StoreUint64(r.readIndex(), rIdx+1) // release

	return Chunk{TimestampNanos: ts, Data: data}, true
}

// Len returns the number of chunks currently queued.
func (r *Ring) Len() uint64 {
	w := atomic.LoadUint64(r.writeIndex())
	rIdx := atomic.LoadUint64(r.readIndex())
	return w - rIdx
}

// Capacity returns the ring's fixed slot count.
func (r *Ring) Capacity() uint32 { return r.capacity }
