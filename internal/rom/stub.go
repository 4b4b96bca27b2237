package rom

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/bigbag/esp-installer/internal/protocol"
)

// Stub is a flasher stub in the JSON layout esptool publishes: entry
// point plus base64 text and data segments with their load addresses.
type Stub struct {
	Name      string `json:"-"`
	Entry     uint32 `json:"entry"`
	Text      []byte `json:"text"`
	TextStart uint32 `json:"text_start"`
	Data      []byte `json:"data"`
	DataStart uint32 `json:"data_start"`
}

// ParseStub decodes a stub image.
func ParseStub(name string, data []byte) (*Stub, error) {
	s := &Stub{Name: name}
	if err := json.Unmarshal(data, s); err != nil {
		return nil, errors.Annotatef(err, "invalid stub %s", name)
	}
	if s.Entry == 0 || len(s.Text) == 0 {
		return nil, errors.Errorf("stub %s has no entry point or text", name)
	}
	return s, nil
}

// LoadStub reads stub name from dir.
func LoadStub(dir, name string) (*Stub, error) {
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return nil, errors.Annotatef(err, "failed to read stub")
	}
	return ParseStub(name, data)
}

const greetingTimeout = time.Second

var greeting = []byte("OHAI")

// RunStub uploads s into RAM, starts it and waits for its greeting.
// Afterwards the session speaks the stub dialect.
func (c *Client) RunStub(ctx context.Context, s *Stub) error {
	segments := []struct {
		data []byte
		addr uint32
	}{
		{s.Text, s.TextStart},
		{s.Data, s.DataStart},
	}
	for _, seg := range segments {
		if len(seg.data) == 0 {
			continue
		}
		if err := c.memWrite(ctx, seg.data, seg.addr); err != nil {
			return errors.Annotatef(err, "stub %s segment @ 0x%08x", s.Name, seg.addr)
		}
	}

	glog.V(1).Infof("starting stub %s @ 0x%08x", s.Name, s.Entry)
	if _, err := c.Check(ctx, protocol.CmdMemEnd, protocol.MemEndData(s.Entry), c.DefaultTimeout()); err != nil {
		return errors.Annotatef(err, "stub %s", s.Name)
	}

	timer := time.NewTimer(greetingTimeout)
	defer timer.Stop()
	port, err := c.livePort()
	if err != nil {
		return err
	}
	for {
		frame, err := c.nextFrame(ctx, port, timer.C, greetingTimeout)
		if err != nil {
			return errors.Annotatef(err, "stub %s did not start", s.Name)
		}
		if bytes.Equal(frame, greeting) {
			break
		}
		glog.V(3).Infof("ignoring %d byte frame while waiting for stub greeting", len(frame))
	}
	c.dev.SetStub(true)
	glog.Infof("stub %s running", s.Name)
	return nil
}

func (c *Client) memWrite(ctx context.Context, data []byte, addr uint32) error {
	blocks := protocol.CalculateBlocks(len(data), protocol.MemBlockSize)
	begin := protocol.MemBeginData(uint32(len(data)), blocks, protocol.MemBlockSize, addr)
	if _, err := c.Check(ctx, protocol.CmdMemBegin, begin, c.DefaultTimeout()); err != nil {
		return err
	}
	for seq := 0; seq < int(blocks); seq++ {
		start := seq * protocol.MemBlockSize
		end := min(start+protocol.MemBlockSize, len(data))
		payload := protocol.FlashDataData(data[start:end], uint32(seq), 0)
		if _, err := c.Check(ctx, protocol.CmdMemData, payload, c.DefaultTimeout()); err != nil {
			return errors.Annotatef(err, "block %d", seq)
		}
	}
	return nil
}
