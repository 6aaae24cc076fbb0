package xen

import (
	"fmt"
	"math/bits"
	"sync/atomic"
	"unsafe"
)

// Layout of struct vm_event_sring: four shared indexes, private padding,
// then the slots.
const (
	ringReqProd      = 0
	ringReqEvent     = 4
	ringRspProd      = 8
	ringRspEvent     = 12
	ringHeaderSize   = 64
	ringEntriesStart = ringHeaderSize
)

// RingEntries is the number of slots in a one-page monitor ring.
var RingEntries = ringEntries(PageSize, EventSize)

// ringEntries is __RING_SIZE: the number of slots that fit behind the
// header, rounded down to a power of two.
func ringEntries(pageSize, slotSize int) uint32 {
	n := uint32((pageSize - ringHeaderSize) / slotSize)
	if n == 0 {
		return 0
	}
	return 1 << (bits.Len32(n) - 1)
}

// sharedRing addresses the header and slots of a mapped ring page. Every
// access to an index goes through sync/atomic, so reads are never cached
// across calls.
type sharedRing struct {
	page []byte
	size uint32
}

func newSharedRing(page []byte) (sharedRing, error) {
	if len(page) < PageSize {
		return sharedRing{}, fmt.Errorf("ring page is %d bytes, want %d", len(page), PageSize)
	}
	if uintptr(unsafe.Pointer(&page[0]))%4 != 0 {
		return sharedRing{}, fmt.Errorf("ring page is not 4-byte aligned")
	}
	return sharedRing{page: page[:PageSize], size: ringEntries(PageSize, EventSize)}, nil
}

func (s sharedRing) index(off int) *uint32 {
	return (*uint32)(unsafe.Pointer(&s.page[off]))
}

func (s sharedRing) load(off int) uint32 {
	return atomic.LoadUint32(s.index(off))
}

func (s sharedRing) store(off int, v uint32) {
	atomic.StoreUint32(s.index(off), v)
}

func (s sharedRing) slot(idx uint32) []byte {
	off := ringEntriesStart + int(idx&(s.size-1))*EventSize
	return s.page[off : off+EventSize]
}

// init is SHARED_RING_INIT.
func (s sharedRing) init() {
	clear(s.page[:ringHeaderSize])
	s.store(ringReqEvent, 1)
	s.store(ringRspEvent, 1)
}

// RingStats is a snapshot of both sides' indexes.
type RingStats struct {
	Size       uint32 `json:"size"`
	ReqProd    uint32 `json:"req_prod"`
	ReqCons    uint32 `json:"req_cons"`
	RspProd    uint32 `json:"rsp_prod"`
	RspProdPvt uint32 `json:"rsp_prod_pvt"`
	ReqEvent   uint32 `json:"req_event"`
}

// EventRing is the consumer (back) side of a monitor ring. The hypervisor
// produces requests and consumes responses; EventRing consumes requests and
// produces responses in the same order.
//
// EventRing is not safe for concurrent use. Exactly one EventRing may drain
// a given page.
type EventRing struct {
	ring       sharedRing
	reqCons    uint32
	rspProdPvt uint32
	detached   bool
}

// NewEventRing initializes the shared header of page and attaches a back
// ring to it with both private cursors at zero.
func NewEventRing(page []byte) (*EventRing, error) {
	s, err := newSharedRing(page)
	if err != nil {
		return nil, err
	}
	s.init()
	return &EventRing{ring: s}, nil
}

// Size is the number of slots.
func (r *EventRing) Size() uint32 {
	return r.ring.size
}

// UnconsumedRequests is the number of requests that are both produced and
// have room for a response.
func (r *EventRing) UnconsumedRequests() uint32 {
	if r.detached {
		return 0
	}
	req := r.ring.load(ringReqProd) - r.reqCons
	rsp := r.ring.size - (r.reqCons - r.rspProdPvt)
	return min(req, rsp)
}

// HasUnconsumedRequests reports whether GetRequest may be called.
func (r *EventRing) HasUnconsumedRequests() bool {
	return r.UnconsumedRequests() != 0
}

// GetRequest consumes the next request and asks the producer to notify once
// it has produced past it. It panics when there is nothing to consume.
//
// The slot is consumed even if decoding fails; the only decode failure of a
// full slot is ErrInterfaceVersion.
func (r *EventRing) GetRequest() (*Event, error) {
	if r.detached {
		return nil, ErrClosed
	}
	if !r.HasUnconsumedRequests() {
		panic("xen: GetRequest on a ring without unconsumed requests")
	}
	e, err := DecodeEvent(r.ring.slot(r.reqCons))
	r.reqCons++
	r.ring.store(ringReqEvent, r.reqCons+1)
	return e, err
}

// PutResponse writes the response into the next slot and then publishes
// rsp_prod. It panics if there is no consumed request left to answer.
func (r *EventRing) PutResponse(e *Event) error {
	if r.detached {
		return ErrClosed
	}
	if r.rspProdPvt == r.reqCons {
		panic("xen: PutResponse without an outstanding request")
	}
	if err := EncodeEvent(e, r.ring.slot(r.rspProdPvt)); err != nil {
		return err
	}
	r.rspProdPvt++
	r.ring.store(ringRspProd, r.rspProdPvt)
	return nil
}

// Pending is the number of consumed requests still waiting for a response.
func (r *EventRing) Pending() uint32 {
	return r.reqCons - r.rspProdPvt
}

// Stats returns the current indexes.
func (r *EventRing) Stats() RingStats {
	return RingStats{
		Size:       r.ring.size,
		ReqProd:    r.ring.load(ringReqProd),
		ReqCons:    r.reqCons,
		RspProd:    r.ring.load(ringRspProd),
		RspProdPvt: r.rspProdPvt,
		ReqEvent:   r.ring.load(ringReqEvent),
	}
}

// detach stops all further access to the page before it is unmapped.
func (r *EventRing) detach() []byte {
	r.detached = true
	p := r.ring.page
	r.ring.page = nil
	return p
}

// FrontRing is the producer side of a monitor ring, the role the hypervisor
// plays. It attaches to a page already initialized by NewEventRing.
type FrontRing struct {
	ring       sharedRing
	reqProdPvt uint32
	rspCons    uint32
}

// AttachFrontRing attaches a producer to page, starting at the published
// indexes.
func AttachFrontRing(page []byte) (*FrontRing, error) {
	s, err := newSharedRing(page)
	if err != nil {
		return nil, err
	}
	return &FrontRing{
		ring:       s,
		reqProdPvt: s.load(ringReqProd),
		rspCons:    s.load(ringRspProd),
	}, nil
}

// FreeRequests is the number of slots the producer may still fill.
func (f *FrontRing) FreeRequests() uint32 {
	return f.ring.size - (f.reqProdPvt - f.rspCons)
}

// PutRequest writes a request slot and publishes req_prod. The version
// field is always InterfaceVersion.
func (f *FrontRing) PutRequest(e *Event) error {
	if f.FreeRequests() == 0 {
		return ErrRingFull
	}
	if err := EncodeEvent(e, f.ring.slot(f.reqProdPvt)); err != nil {
		return err
	}
	f.reqProdPvt++
	f.ring.store(ringReqProd, f.reqProdPvt)
	return nil
}

// PutRawRequest publishes a pre-encoded slot as is.
func (f *FrontRing) PutRawRequest(b []byte) error {
	if f.FreeRequests() == 0 {
		return ErrRingFull
	}
	if len(b) != EventSize {
		return fmt.Errorf("raw request is %d bytes, want %d", len(b), EventSize)
	}
	copy(f.ring.slot(f.reqProdPvt), b)
	f.reqProdPvt++
	f.ring.store(ringReqProd, f.reqProdPvt)
	return nil
}

// UnconsumedResponses is the number of published responses not yet read.
func (f *FrontRing) UnconsumedResponses() uint32 {
	return f.ring.load(ringRspProd) - f.rspCons
}

// GetResponse consumes the next response. ok is false when none is
// published.
func (f *FrontRing) GetResponse() (e *Event, ok bool, err error) {
	if f.UnconsumedResponses() == 0 {
		return nil, false, nil
	}
	e, err = DecodeEvent(f.ring.slot(f.rspCons))
	f.rspCons++
	return e, true, err
}

// RequestEvent is the req_event watermark last written by the consumer.
func (f *FrontRing) RequestEvent() uint32 {
	return f.ring.load(ringReqEvent)
}
