package emulator

import (
	"sync"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/bigbag/esp-installer/internal/transport"
)

const chunkQueueLen = 4096

// Port is one OS-level handle onto the emulated endpoint. It implements
// transport.Port.
type Port struct {
	dev *Device
	id  transport.Identity

	chunks chan []byte
	done   chan struct{}

	mu     sync.Mutex
	err    error
	closed bool
	baud   int
}

var _ transport.Port = (*Port)(nil)

func newPort(dev *Device, id transport.Identity) *Port {
	return &Port{
		dev:    dev,
		id:     id,
		chunks: make(chan []byte, chunkQueueLen),
		done:   make(chan struct{}),
		baud:   transport.DefaultBaudRate,
	}
}

func (p *Port) Identity() transport.Identity { return p.id }

func (p *Port) Capabilities() transport.Capabilities {
	if p.dev.cfg.NoControlLines {
		return transport.Capabilities{}
	}
	return transport.Capabilities{ControlLines: true, BaudRate: true}
}

func (p *Port) Chunks() <-chan []byte { return p.chunks }

func (p *Port) Done() <-chan struct{} { return p.done }

func (p *Port) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// push queues output from the device. It never blocks; the device is
// not allowed to stall on a slow reader.
func (p *Port) push(data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || len(data) == 0 {
		return
	}
	size := p.dev.cfg.ChunkSize
	if size <= 0 {
		size = len(data)
	}
	for len(data) > 0 {
		n := min(size, len(data))
		chunk := make([]byte, n)
		copy(chunk, data[:n])
		select {
		case p.chunks <- chunk:
		default:
			glog.Warningf("emulator %s: output queue full, dropping %d bytes", p.id.Name, n)
		}
		data = data[n:]
	}
}

// kill closes the handle from the device side.
func (p *Port) kill(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.err = err
	close(p.done)
	close(p.chunks)
}

func (p *Port) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Port) Write(data []byte) (int, error) {
	if p.isClosed() {
		return 0, errors.Trace(transport.ErrDisconnected)
	}
	p.dev.input(p, data)
	return len(data), nil
}

func (p *Port) SetControlLines(assertBootStrap, assertReset bool) error {
	if p.dev.cfg.NoControlLines {
		return errors.Annotatef(transport.ErrUnsupported, "%s: control lines", p.id.Name)
	}
	if p.isClosed() {
		return errors.Trace(transport.ErrDisconnected)
	}
	p.dev.setLines(p, assertBootStrap, assertReset)
	return nil
}

func (p *Port) SetBaudRate(baud int) error {
	if p.dev.cfg.NoControlLines {
		return errors.Annotatef(transport.ErrUnsupported, "%s: baud rate", p.id.Name)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.Trace(transport.ErrDisconnected)
	}
	p.baud = baud
	return nil
}

func (p *Port) BaudRate() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.baud
}

func (p *Port) Flush() error {
	for {
		select {
		case _, ok := <-p.chunks:
			if !ok {
				return nil
			}
		default:
			return nil
		}
	}
}

func (p *Port) Close() error {
	if p.isClosed() {
		return nil
	}
	p.kill(errors.Annotatef(transport.ErrDisconnected, "%s closed", p.id.Name))
	p.dev.release(p)
	return nil
}
