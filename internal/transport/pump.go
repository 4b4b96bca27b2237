package transport

import (
	"io"
	"sync"

	"github.com/golang/glog"
)

const chunkQueueLen = 64

// pump owns the single read loop of a handle.
type pump struct {
	chunks chan []byte
	done   chan struct{}

	once sync.Once
	mu   sync.Mutex
	err  error
}

func newPump() *pump {
	return &pump{
		chunks: make(chan []byte, chunkQueueLen),
		done:   make(chan struct{}),
	}
}

// run reads from r until it fails or the pump is stopped. A zero-length
// read with no error is a read timeout and is ignored.
func (p *pump) run(name string, r io.Reader, bufSize int) {
	defer close(p.chunks)
	buf := make([]byte, bufSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case p.chunks <- chunk:
			case <-p.done:
				return
			}
		}
		if err != nil {
			select {
			case <-p.done:
			default:
				glog.Warningf("%s: read loop stopped: %v", name, err)
			}
			p.stop(ErrDisconnected)
			return
		}
	}
}

// stop records the first reason and closes done.
func (p *pump) stop(err error) {
	p.once.Do(func() {
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		close(p.done)
	})
}

func (p *pump) drain() {
	for {
		select {
		case _, ok := <-p.chunks:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

func (p *pump) Chunks() <-chan []byte { return p.chunks }

func (p *pump) Done() <-chan struct{} { return p.done }

func (p *pump) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *pump) closed() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}
