package protocol

import "sync"

// Pool size classes. A request is served from the smallest class that fits;
// oversized requests get a dedicated allocation that is pooled in the top
// class on recycle.
var poolClasses = [...]int{64, 512, MinMtu + 64, MaxPacketSize}

// PacketPool recycles packet buffers bucketed by size class so the receive
// and send hot paths allocate nothing in steady state. Safe for concurrent
// use from the socket and logic goroutines.
type PacketPool struct {
	mu   sync.Mutex
	free [len(poolClasses)][]*Packet
}

// NewPacketPool creates an empty pool.
func NewPacketPool() *PacketPool {
	return &PacketPool{}
}

func classFor(size int) int {
	for i, c := range poolClasses {
		if size <= c {
			return i
		}
	}
	return len(poolClasses) - 1
}

// GetPacket returns a packet with at least size bytes of capacity and
// Size set to size. Buffer contents are stale unless clear is set.
func (pp *PacketPool) GetPacket(size int, clear bool) *Packet {
	class := classFor(size)

	pp.mu.Lock()
	var pkt *Packet
	if list := pp.free[class]; len(list) > 0 {
		pkt = list[len(list)-1]
		list[len(list)-1] = nil
		pp.free[class] = list[:len(list)-1]
	}
	pp.mu.Unlock()

	if pkt == nil || cap(pkt.Data) < size {
		capacity := poolClasses[class]
		if size > capacity {
			capacity = size
		}
		pkt = &Packet{Data: make([]byte, capacity)}
	}
	pkt.Data = pkt.Data[:cap(pkt.Data)]
	pkt.Size = size

	if clear {
		for i := range pkt.Data[:size] {
			pkt.Data[i] = 0
		}
	}
	return pkt
}

// GetWithData builds a send-ready packet: the property byte (and zeroed
// header) followed by a copy of data[offset : offset+length].
func (pp *PacketPool) GetWithData(prop PacketProperty, data []byte, offset, length int) *Packet {
	header := HeaderSize(prop)
	pkt := pp.GetPacket(header+length, false)
	for i := 0; i < header; i++ {
		pkt.Data[i] = 0
	}
	pkt.SetProperty(prop)
	copy(pkt.Data[header:], data[offset:offset+length])
	return pkt
}

// Recycle returns a packet to the pool. The caller must not touch the
// packet afterwards.
func (pp *PacketPool) Recycle(pkt *Packet) {
	if pkt == nil {
		return
	}
	class := classFor(cap(pkt.Data))
	pkt.Size = 0

	pp.mu.Lock()
	if len(pp.free[class]) < 256 {
		pp.free[class] = append(pp.free[class], pkt)
	}
	pp.mu.Unlock()
}
