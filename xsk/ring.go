package xsk

import (
	"fmt"
	"math/bits"
	"unsafe"

	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/atomicbitops"
)

// cacheLineSize separates the producer, consumer and flags counters so
// concurrent updates from the two SPSC roles never share a cache line.
const cacheLineSize = 64

const ringHeaderSize = 3 * cacheLineSize

// RingFlagNeedWakeup mirrors XDP_RING_NEED_WAKEUP: set by a producer that
// wants an explicit wakeup notification rather than being polled eagerly.
const RingFlagNeedWakeup uint32 = 0x1

// ringSlot is the set of slot types a Ring may carry: bare frame indices for
// the fill and completion rings, or full descriptors for the rx and tx
// rings.
type ringSlot interface {
	uint32 | Descriptor
}

// Ring is a bounded, power-of-two-capacity SPSC ring backed by anonymous
// shared memory, mappable at a well-known offset the way the four AF_XDP
// rings are mapped into a real userspace process. One goroutine may act as
// producer and one as consumer; the producer and consumer counters are the
// only synchronization between them.
type Ring[T ringSlot] struct {
	mem   []byte
	slots []T

	mask     uint32
	capacity uint32

	producer *atomicbitops.Uint32
	consumer *atomicbitops.Uint32
	flags    *atomicbitops.Uint32

	cachedProducer uint32
	cachedConsumer uint32

	nbInvalid atomicbitops.Uint32

	props    Props
	propsSet bool
	validate func(T, Props) bool
}

// NewRing allocates a ring of the given power-of-two capacity. validate may
// be nil for slot types that never need descriptor-bound validation before
// BindProps is called.
func NewRing[T ringSlot](capacity uint32, validate func(T, Props) bool) (*Ring[T], error) {
	if capacity == 0 || bits.OnesCount32(capacity) != 1 {
		return nil, fmt.Errorf("xsk: ring capacity %d must be a nonzero power of two: %w", capacity, ErrInvalid)
	}
	var zero T
	slotSize := int(unsafe.Sizeof(zero))
	size := ringHeaderSize + int(capacity)*slotSize
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("xsk: mmap ring memory: %w", err)
	}
	r := &Ring[T]{
		mem:      mem,
		mask:     capacity - 1,
		capacity: capacity,
		validate: validate,
	}
	r.producer = (*atomicbitops.Uint32)(unsafe.Pointer(&mem[0]))
	r.consumer = (*atomicbitops.Uint32)(unsafe.Pointer(&mem[cacheLineSize]))
	r.flags = (*atomicbitops.Uint32)(unsafe.Pointer(&mem[2*cacheLineSize]))
	base := unsafe.Pointer(&mem[ringHeaderSize])
	r.slots = unsafe.Slice((*T)(base), int(capacity))
	return r, nil
}

// Close unmaps the ring's backing memory. The ring must not be used
// afterwards.
func (r *Ring[T]) Close() error {
	if r.mem == nil {
		return nil
	}
	err := unix.Munmap(r.mem)
	r.mem = nil
	r.slots = nil
	return err
}

// Capacity returns the ring's fixed slot count.
func (r *Ring[T]) Capacity() uint32 { return r.capacity }

// Bytes returns the ring's backing mmap allocation (header plus slots), the
// same memory a real AF_XDP socket exposes to mmap(2) at one of the four
// well-known ring offsets.
func (r *Ring[T]) Bytes() []byte { return r.mem }

// BindProps attaches a umem's frame_size/num_frames/headroom snapshot to
// this ring so that Peek can validate descriptors and frame indices.
func (r *Ring[T]) BindProps(p Props) {
	r.props = p
	r.propsSet = true
}

// IsEmpty reports whether the ring currently holds no producer-owned slots.
func (r *Ring[T]) IsEmpty() bool {
	return r.producer.Load() == r.consumer.Load()
}

// IsFull reports whether the ring holds capacity outstanding productions.
func (r *Ring[T]) IsFull() bool {
	return r.producer.Load()-r.consumer.Load() == r.capacity
}

// NumInvalid returns the monotonic count of descriptor-validation rejections
// silently skipped by Peek.
func (r *Ring[T]) NumInvalid() uint32 {
	return r.nbInvalid.Load()
}

// SetNeedWakeup toggles the RingFlagNeedWakeup bit. Nothing in this module
// sets or reads the bit on the data path: Ingress and SendMsg wake waiters
// unconditionally.
func (r *Ring[T]) SetNeedWakeup(need bool) {
	if need {
		r.flags.Store(r.flags.RacyLoad() | RingFlagNeedWakeup)
	} else {
		r.flags.Store(r.flags.RacyLoad() &^ RingFlagNeedWakeup)
	}
}

// NeedsWakeup reports whether the producer has requested an explicit
// wakeup notification instead of eager polling.
func (r *Ring[T]) NeedsWakeup() bool {
	return r.flags.Load()&RingFlagNeedWakeup != 0
}

// Reserve reports whether n slots are currently free for the producer,
// refreshing the cached consumer position from the shared counter if the
// stale cache says otherwise. It performs no side effect.
func (r *Ring[T]) Reserve(n uint32) bool {
	if r.free() >= n {
		return true
	}
	r.cachedConsumer = r.consumer.Load()
	return r.capacity-(r.cachedProducer-r.cachedConsumer) >= n
}

// NumFree returns the number of slots currently free for the producer,
// refreshing the cached consumer position if necessary.
func (r *Ring[T]) NumFree() uint32 {
	return r.free()
}

func (r *Ring[T]) free() uint32 {
	if avail := r.capacity - (r.cachedProducer - r.cachedConsumer); avail > 0 {
		return avail
	}
	r.cachedConsumer = r.consumer.Load()
	return r.capacity - (r.cachedProducer - r.cachedConsumer)
}

// ProducerIndex returns the absolute (free-running, wraparound) counter
// value of the next slot the producer may write.
func (r *Ring[T]) ProducerIndex() uint32 { return r.cachedProducer }

// Set writes v at the slot addressed by the absolute counter value index.
// index must lie in [ProducerIndex(), ProducerIndex()+reserved).
func (r *Ring[T]) Set(index uint32, v T) {
	r.slots[index&r.mask] = v
}

// Produce publishes n previously written slots by advancing the producer
// counter, making them visible to the consumer.
func (r *Ring[T]) Produce(n uint32) {
	r.cachedProducer += n
	r.producer.Store(r.cachedProducer)
}

// Peek returns the next consumer-owned slot without advancing the consumer
// counter. Invalid descriptors (once BindProps has been called) are
// silently skipped and counted in NumInvalid, and are treated as already
// consumed since their kernel-owned handoff can never be honored. Peek
// returns ok=false when the ring holds no more valid slots right now.
func (r *Ring[T]) Peek() (v T, ok bool) {
	for {
		if r.cachedConsumer == r.cachedProducer {
			r.cachedProducer = r.producer.Load()
			if r.cachedConsumer == r.cachedProducer {
				var zero T
				return zero, false
			}
		}
		v = r.slots[r.cachedConsumer&r.mask]
		if r.propsSet && r.validate != nil && !r.validate(v, r.props) {
			r.nbInvalid.Add(1)
			r.cachedConsumer++
			r.consumer.Store(r.cachedConsumer)
			continue
		}
		return v, true
	}
}

// Discard consumes the slot most recently returned by Peek, advancing the
// consumer counter and publishing it to the producer.
func (r *Ring[T]) Discard() {
	r.cachedConsumer++
	r.consumer.Store(r.cachedConsumer)
}

func uint32Valid(v uint32, p Props) bool { return indexValid(v, p) }

func descriptorValid(d Descriptor, p Props) bool { return d.valid(p) }
