package vscsi

import (
	"encoding/binary"

	"github.com/openvmk/vscsi/internal/scsi"
)

// Identity strings reported by emulated INQUIRY.
const (
	inquiryVendor   = "VMware  "
	inquiryModel    = "Virtual disk    "
	inquiryRevision = "1.0 "
)

// emulate answers the non-I/O command set without involving the backend.
// Called with no locks held.
func (h *Handle) emulate(cmd *Command) (scsi.Status, scsi.SenseData, uint32) {
	switch cmd.CDB[0] {
	case scsi.TestUnitReady:
		return scsi.StatusGood, scsi.SenseData{}, 0

	case scsi.Inquiry:
		if len(cmd.CDB) >= 2 && cmd.CDB[1]&0x01 != 0 {
			// no vital product data pages
			return scsi.StatusCheck, scsi.IllegalRequestSense(scsi.AscInvalidFieldInCDB, 0), 0
		}
		return scsi.StatusGood, scsi.SenseData{}, h.inquiryData(cmd)

	case scsi.RequestSense:
		h.mu.Lock()
		sense := h.sense
		h.sense = scsi.SenseData{}
		h.mu.Unlock()
		buf := sense.Marshal()
		return scsi.StatusGood, scsi.SenseData{}, uint32(copy(cmd.Data, buf[:]))

	case scsi.ReadCapacity10:
		lastLBA := uint32(0xffffffff)
		if h.cap.Blocks == 0 {
			lastLBA = 0
		} else if h.cap.Blocks <= 0xffffffff {
			lastLBA = uint32(h.cap.Blocks - 1)
		}
		var buf [8]byte
		binary.BigEndian.PutUint32(buf[0:4], lastLBA)
		binary.BigEndian.PutUint32(buf[4:8], h.cap.BlockSize)
		return scsi.StatusGood, scsi.SenseData{}, uint32(copy(cmd.Data, buf[:]))

	case scsi.ServiceActionIn16:
		if len(cmd.CDB) < 16 || cmd.CDB[1]&0x1f != scsi.SAIReadCapacity16 {
			return scsi.StatusCheck, scsi.IllegalRequestSense(scsi.AscInvalidFieldInCDB, 0), 0
		}
		last := h.cap.Blocks
		if last > 0 {
			last--
		}
		var buf [32]byte
		binary.BigEndian.PutUint64(buf[0:8], last)
		binary.BigEndian.PutUint32(buf[8:12], h.cap.BlockSize)
		return scsi.StatusGood, scsi.SenseData{}, uint32(copy(cmd.Data, buf[:]))

	case scsi.ModeSense:
		// header only: no block descriptors, no pages
		var buf [4]byte
		buf[0] = 3 // mode data length excluding itself
		return scsi.StatusGood, scsi.SenseData{}, uint32(copy(cmd.Data, buf[:]))

	case scsi.StartStop:
		return scsi.StatusGood, scsi.SenseData{}, 0

	case scsi.ReportLuns:
		// single LUN 0
		var buf [16]byte
		binary.BigEndian.PutUint32(buf[0:4], 8) // lun list length
		return scsi.StatusGood, scsi.SenseData{}, uint32(copy(cmd.Data, buf[:]))

	default:
		return scsi.StatusCheck, scsi.IllegalRequestSense(scsi.AscInvalidOpcode, 0), 0
	}
}

// inquiryData writes the standard INQUIRY response into the command buffer
// and returns the transfer length.
func (h *Handle) inquiryData(cmd *Command) uint32 {
	var buf [36]byte
	buf[0] = h.opts.DevClass
	buf[2] = 0x02 // SCSI-2
	buf[3] = 0x02 // response data format
	buf[4] = byte(len(buf) - 5)
	copy(buf[8:16], inquiryVendor)
	copy(buf[16:32], inquiryModel)
	copy(buf[32:36], inquiryRevision)

	n := len(buf)
	if len(cmd.CDB) >= 5 && int(cmd.CDB[4]) < n {
		n = int(cmd.CDB[4])
	}
	return uint32(copy(cmd.Data, buf[:n]))
}
