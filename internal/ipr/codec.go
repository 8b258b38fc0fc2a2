package ipr

import (
	"encoding/binary"
	"sync"
	"time"
)

// BundleFlushTimeout bounds how long small packets wait for coalescing.
const BundleFlushTimeout = 40 * time.Millisecond

// bundleSizeThreshold flushes a bundle once it would not fit more typical
// packets below the sphinx payload size.
const bundleSizeThreshold = 1500

// BundleOnePacket frames a single IP packet as a bundle.
func BundleOnePacket(pkt []byte) []byte {
	out := make([]byte, 2+len(pkt))
	binary.BigEndian.PutUint16(out, uint16(len(pkt)))
	copy(out[2:], pkt)
	return out
}

// SplitBundle unframes a bundle into its packets. Trailing garbage is
// dropped.
func SplitBundle(bundle []byte) [][]byte {
	var out [][]byte
	for len(bundle) >= 2 {
		n := int(binary.BigEndian.Uint16(bundle))
		bundle = bundle[2:]
		if n > len(bundle) {
			break
		}
		out = append(out, bundle[:n])
		bundle = bundle[n:]
	}
	return out
}

// Bundler coalesces outbound IP packets into length-prefixed bundles so
// small packets share a mixnet message. A bundle is flushed when it grows
// past the size threshold or when the oldest packet has waited 40 ms.
type Bundler struct {
	mu      sync.Mutex
	buf     []byte
	timer   *time.Timer
	flushFn func(bundle []byte)
	closed  bool
}

// NewBundler creates a bundler delivering flushed bundles to flushFn.
// flushFn is called without the bundler lock held.
func NewBundler(flushFn func(bundle []byte)) *Bundler {
	return &Bundler{flushFn: flushFn}
}

// Append adds one IP packet to the current bundle.
func (b *Bundler) Append(pkt []byte) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}

	var l [2]byte
	binary.BigEndian.PutUint16(l[:], uint16(len(pkt)))
	b.buf = append(b.buf, l[:]...)
	b.buf = append(b.buf, pkt...)

	if len(b.buf) >= bundleSizeThreshold {
		bundle := b.take()
		b.mu.Unlock()
		b.flushFn(bundle)
		return
	}

	if b.timer == nil {
		b.timer = time.AfterFunc(BundleFlushTimeout, b.Flush)
	}
	b.mu.Unlock()
}

// Flush delivers the pending bundle, if any.
func (b *Bundler) Flush() {
	b.mu.Lock()
	if b.closed || len(b.buf) == 0 {
		b.mu.Unlock()
		return
	}
	bundle := b.take()
	b.mu.Unlock()
	b.flushFn(bundle)
}

// take drains the buffer and stops the pending timer. Caller holds the lock.
func (b *Bundler) take() []byte {
	bundle := b.buf
	b.buf = nil
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	return bundle
}

// Close stops the bundler, dropping any pending packets.
func (b *Bundler) Close() {
	b.mu.Lock()
	b.closed = true
	b.buf = nil
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.mu.Unlock()
}
