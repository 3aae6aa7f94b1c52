package mem

import (
	"fmt"
	"sync"

	"github.com/Whoisraeen/raeen-core/internal/kernel/defs"
)

// framePool is the bounded physical frame allocator. Frames are reference
// counted so grant-shared mappings can pin them across address spaces; a
// frame returns to the free stack when its count reaches zero.
type framePool struct {
	mu   sync.Mutex
	free []Frame
	refs []uint16
}

func newFramePool(total uint64) *framePool {
	p := &framePool{
		free: make([]Frame, 0, total),
		refs: make([]uint16, total),
	}
	// Hand frames out low-to-high.
	for f := int64(total) - 1; f >= 0; f-- {
		p.free = append(p.free, Frame(f))
	}
	return p
}

func (p *framePool) alloc() (Frame, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) == 0 {
		return 0, fmt.Errorf("frame pool empty: %w", defs.ErrResourceExhausted)
	}
	f := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	p.refs[f] = 1
	return f, nil
}

// allocN allocates count frames or none.
func (p *framePool) allocN(count uint64) ([]Frame, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if uint64(len(p.free)) < count {
		return nil, fmt.Errorf("need %d frames, %d free: %w", count, len(p.free), defs.ErrResourceExhausted)
	}
	frames := make([]Frame, count)
	for i := range frames {
		f := p.free[len(p.free)-1]
		p.free = p.free[:len(p.free)-1]
		p.refs[f] = 1
		frames[i] = f
	}
	return frames, nil
}

// pin bumps a live frame's reference count.
func (p *framePool) pin(f Frame) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.refs[f] == 0 {
		panic("mem: pin of free frame")
	}
	p.refs[f]++
}

// release drops one reference, returning the frame to the pool at zero.
func (p *framePool) release(f Frame) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.refs[f] == 0 {
		panic("mem: release of free frame")
	}
	p.refs[f]--
	if p.refs[f] == 0 {
		p.free = append(p.free, f)
	}
}

func (p *framePool) available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}
