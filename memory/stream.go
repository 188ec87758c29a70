package memory

import (
	"golang.org/x/sync/errgroup"
)

type op struct {
	dst, src []byte
	done     chan struct{}
}

// Stream executes block copies asynchronously but in submission order,
// modeling an ordered device execution stream: a compute operation issued
// after a copy on the same stream observes the completed copy. Callers never
// block on Copy; Sync is only needed when reading back from the host side.
type Stream struct {
	ops chan op
	g   errgroup.Group
}

func NewStream(depth int) *Stream {
	if depth <= 0 {
		depth = 64
	}

	s := &Stream{ops: make(chan op, depth)}
	s.g.Go(func() error {
		for o := range s.ops {
			if o.done != nil {
				close(o.done)
				continue
			}

			copy(o.dst, o.src)
		}

		return nil
	})

	return s
}

// Copy enqueues a block copy and returns immediately.
func (s *Stream) Copy(dst, src []byte) {
	if len(dst) != len(src) {
		panic("memory: copy between blocks of different size")
	}

	s.ops <- op{dst: dst, src: src}
}

// Sync blocks until every previously enqueued copy has completed.
func (s *Stream) Sync() {
	done := make(chan struct{})
	s.ops <- op{done: done}
	<-done
}

// Close drains outstanding work and stops the stream. The stream must not be
// used after Close.
func (s *Stream) Close() error {
	close(s.ops)
	return s.g.Wait()
}
