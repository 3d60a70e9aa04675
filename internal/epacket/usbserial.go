package epacket

import (
	"errors"
	"fmt"
	"io"

	"github.com/google/gousb"
)

// usbSerialPort adapts a USB CDC-ACM bulk endpoint pair to the byte
// stream the serial backend expects.
type usbSerialPort struct {
	ctx     *gousb.Context
	dev     *gousb.Device
	intf    *gousb.Interface
	release func()
	in      *gousb.InEndpoint
	out     *gousb.OutEndpoint
}

// OpenUSBSerial claims the first attached device matching vid:pid and
// returns its bulk endpoints as an io.ReadWriteCloser.
func OpenUSBSerial(vid, pid uint16) (io.ReadWriteCloser, error) {
	ctx := gousb.NewContext()

	dev, err := ctx.OpenDeviceWithVIDPID(gousb.ID(vid), gousb.ID(pid))
	if err != nil {
		ctx.Close()
		return nil, fmt.Errorf("open %04x:%04x: %w", vid, pid, err)
	}
	if dev == nil {
		ctx.Close()
		return nil, fmt.Errorf("device %04x:%04x not found", vid, pid)
	}
	if err := dev.SetAutoDetach(true); err != nil {
		dev.Close()
		ctx.Close()
		return nil, fmt.Errorf("auto detach: %w", err)
	}

	intf, release, err := dev.DefaultInterface()
	if err != nil {
		dev.Close()
		ctx.Close()
		return nil, fmt.Errorf("claim interface: %w", err)
	}

	port := &usbSerialPort{ctx: ctx, dev: dev, intf: intf, release: release}
	for _, ep := range intf.Setting.Endpoints {
		if ep.TransferType != gousb.TransferTypeBulk {
			continue
		}
		if ep.Direction == gousb.EndpointDirectionIn && port.in == nil {
			port.in, err = intf.InEndpoint(ep.Number)
		} else if ep.Direction == gousb.EndpointDirectionOut && port.out == nil {
			port.out, err = intf.OutEndpoint(ep.Number)
		}
		if err != nil {
			port.Close()
			return nil, fmt.Errorf("endpoint %d: %w", ep.Number, err)
		}
	}
	if port.in == nil || port.out == nil {
		port.Close()
		return nil, errors.New("epacket: no bulk endpoint pair on device")
	}
	return port, nil
}

func (p *usbSerialPort) Read(b []byte) (int, error)  { return p.in.Read(b) }
func (p *usbSerialPort) Write(b []byte) (int, error) { return p.out.Write(b) }

func (p *usbSerialPort) Close() error {
	if p.release != nil {
		p.release()
		p.release = nil
	}
	var firstErr error
	if p.dev != nil {
		firstErr = p.dev.Close()
		p.dev = nil
	}
	if p.ctx != nil {
		if err := p.ctx.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		p.ctx = nil
	}
	return firstErr
}
