package probe

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/karalabe/hid"

	"github.com/chaosstudygroup/dkrun/internal/dkerr"
)

// DAPLink HID vendor/product IDs, as assigned to ARM mbed DAPLink-class
// probes (the on-board debug probe shipped with nRF52840 development kits).
const (
	daplinkVendorID  = 0x0d28
	daplinkProductID = 0x0204
)

// CMSIS-DAP command bytes, per the ARM CMSIS-DAP protocol specification.
const (
	cmdConnect            = 0x02
	cmdDisconnect         = 0x03
	cmdTransferConfigure  = 0x04
	cmdTransfer           = 0x05
	cmdResetTarget        = 0x0a
	cmdSWJClock           = 0x11
	cmdSWDConfigure       = 0x13
)

const connectSWD = 0x01

// DP and AP (bank 0) register addresses, per ADIv5.
const (
	dpIDCode   = 0x00
	dpAbort    = 0x00
	dpCtrlStat = 0x04
	dpSelect   = 0x08
	dpRDBuff   = 0x0c

	apCSW = 0x00
	apTAR = 0x04
	apDRW = 0x0c
)

// transfer request bits, DAP_Transfer.
const (
	reqAPnDP = 1 << 0
	reqRnW   = 1 << 1
)

// HIDProbe is a Probe backed by a CMSIS-DAP/DAPLink debug probe reached over
// USB-HID. It implements the minimal subset of the protocol dkrun needs:
// SWD connect, AHB-AP word transfers, halt/run/reset, and ELF flashing
// through word writes to the nRF52840's memory-mapped NVMC (see FlashElf).
type HIDProbe struct {
	dev *hid.Device
}

// OpenHIDProbe enumerates attached DAPLink-class probes and opens the first
// one found.
func OpenHIDProbe() (*HIDProbe, error) {
	infos, err := hid.Enumerate(daplinkVendorID, daplinkProductID)
	if err != nil {
		return nil, fmt.Errorf("%w: enumerating HID devices: %v", dkerr.ErrNoProbe, err)
	}
	if len(infos) == 0 {
		return nil, fmt.Errorf("%w: no DAPLink probe found", dkerr.ErrNoProbe)
	}
	dev, err := infos[0].Open()
	if err != nil {
		return nil, fmt.Errorf("%w: opening HID device: %v", dkerr.ErrNoProbe, err)
	}
	return &HIDProbe{dev: dev}, nil
}

// AttachChip brings the SWD line up and powers the debug domain. The chip
// name is accepted for symmetry with the Probe interface but otherwise
// unused: a DAPLink probe talks SWD to whatever is wired to it, and dkrun is
// built for exactly one preconfigured target.
func (p *HIDProbe) AttachChip(ctx context.Context, chip string) error {
	if _, err := p.cmd(cmdConnect, []byte{connectSWD}); err != nil {
		return fmt.Errorf("%w: connect: %v", dkerr.ErrProbeIO, err)
	}
	if _, err := p.cmd(cmdSWJClock, le32(4_000_000)); err != nil {
		return fmt.Errorf("%w: set clock: %v", dkerr.ErrProbeIO, err)
	}
	if _, err := p.cmd(cmdSWDConfigure, []byte{0x00}); err != nil {
		return fmt.Errorf("%w: configure swd: %v", dkerr.ErrProbeIO, err)
	}
	if _, err := p.cmd(cmdTransferConfigure, append([]byte{0x00}, append(le16(100), le32(0)...)...)); err != nil {
		return fmt.Errorf("%w: configure transfer: %v", dkerr.ErrProbeIO, err)
	}

	// Power up the debug domain: write CDBGPWRUPREQ|CSYSPWRUPREQ to
	// CTRL/STAT and wait for the ACK bits to come back set.
	if err := p.writeDP(dpCtrlStat, 0x50000000); err != nil {
		return fmt.Errorf("%w: power up debug domain: %v", dkerr.ErrProbeIO, err)
	}
	for {
		v, err := p.readDP(dpCtrlStat)
		if err != nil {
			return fmt.Errorf("%w: power up debug domain: %v", dkerr.ErrProbeIO, err)
		}
		if v&0xa0000000 == 0xa0000000 { // CDBGPWRUPACK|CSYSPWRUPACK
			break
		}
	}

	// Select AHB-AP bank 0 and configure CSW for 32-bit auto-incrementing
	// accesses, the access width every read/write in this package assumes.
	if err := p.writeDP(dpSelect, 0x00000000); err != nil {
		return fmt.Errorf("%w: select ap: %v", dkerr.ErrProbeIO, err)
	}
	if err := p.writeAP(apCSW, 0x23000052); err != nil {
		return fmt.Errorf("%w: configure csw: %v", dkerr.ErrProbeIO, err)
	}
	return nil
}

// AttachCore returns a Session for the given core. DAPLink probes on
// single-core Cortex-M parts expose exactly one session per chip; core must
// be 0.
func (p *HIDProbe) AttachCore(ctx context.Context, core int) (Session, error) {
	if core != 0 {
		return nil, fmt.Errorf("%w: only core 0 is supported", dkerr.ErrNoProbe)
	}
	return &hidSession{probe: p}, nil
}

func (p *HIDProbe) writeDP(addr byte, value uint32) error {
	return p.transferWrite(0, addr, value)
}

func (p *HIDProbe) writeAP(addr byte, value uint32) error {
	return p.transferWrite(reqAPnDP, addr, value)
}

func (p *HIDProbe) readDP(addr byte) (uint32, error) {
	return p.transferRead(0, addr)
}

func (p *HIDProbe) transferWrite(apnpd byte, addr byte, value uint32) error {
	req := []byte{0x00, 0x01, apnpd | (addr & 0x0c)}
	req = append(req, le32(value)...)
	resp, err := p.cmd(cmdTransfer, req)
	if err != nil {
		return err
	}
	return checkAck(resp)
}

func (p *HIDProbe) transferRead(apnpd byte, addr byte) (uint32, error) {
	req := []byte{0x00, 0x01, apnpd | reqRnW | (addr & 0x0c)}
	resp, err := p.cmd(cmdTransfer, req)
	if err != nil {
		return 0, err
	}
	if err := checkAck(resp); err != nil {
		return 0, err
	}
	if len(resp) < 6 {
		return 0, fmt.Errorf("%w: short transfer response", dkerr.ErrProbeIO)
	}
	return binary.LittleEndian.Uint32(resp[2:6]), nil
}

func checkAck(resp []byte) error {
	if len(resp) < 2 {
		return fmt.Errorf("%w: empty transfer response", dkerr.ErrProbeIO)
	}
	const ackOK = 0x01
	if resp[1]&0x07 != ackOK {
		return fmt.Errorf("%w: transfer ack=0x%02x", dkerr.ErrProbeIO, resp[1]&0x07)
	}
	return nil
}

// cmd sends a single CMSIS-DAP command packet and returns the response body
// (with the echoed command byte stripped).
func (p *HIDProbe) cmd(id byte, body []byte) ([]byte, error) {
	pkt := make([]byte, 0, len(body)+2)
	pkt = append(pkt, 0x00, id) // report ID 0, command
	pkt = append(pkt, body...)
	if _, err := p.dev.Write(pkt); err != nil {
		return nil, err
	}
	resp := make([]byte, 64)
	n, err := p.dev.Read(resp)
	if err != nil {
		return nil, err
	}
	if n < 1 || resp[0] != id {
		return nil, fmt.Errorf("unexpected response to command 0x%02x", id)
	}
	return resp[1:n], nil
}

func (p *HIDProbe) Close() error {
	_, err := p.cmd(cmdDisconnect, nil)
	p.dev.Close()
	return err
}

func le16(v uint16) []byte {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, v)
	return b
}

func le32(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}
