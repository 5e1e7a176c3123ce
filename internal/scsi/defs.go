// Package scsi carries the SCSI-2/SBC constants and CDB helpers shared by the
// path manager and the virtual device dispatcher.
package scsi

// Operation codes. Taken from SPC-3/SBC-2.
const (
	TestUnitReady     = 0x00
	RequestSense      = 0x03
	Read6             = 0x08
	Write6            = 0x0a
	Inquiry           = 0x12
	ModeSelect        = 0x15
	Reserve           = 0x16
	Release           = 0x17
	ModeSense         = 0x1a
	StartStop         = 0x1b
	ReadCapacity10    = 0x25
	Read10            = 0x28
	Write10           = 0x2a
	ModeSelect10      = 0x55
	ModeSense10       = 0x5a
	Read16            = 0x88
	Write16           = 0x8a
	ServiceActionIn16 = 0x9e
	ReportLuns        = 0xa0

	// ServiceActionIn16 service actions
	SAIReadCapacity16 = 0x10
)

// SCSI Architecture Model status codes, as carried in the device status byte.
const (
	StatGood                = 0x00
	StatCheckCondition      = 0x02
	StatConditionMet        = 0x04
	StatBusy                = 0x08
	StatReservationConflict = 0x18
	StatTaskSetFull         = 0x28
)

// Host-side delivery codes. These describe what happened between the
// initiator and the target, independent of the device status byte.
const (
	HostOK        = 0x00
	HostNoConnect = 0x01
	HostBusBusy   = 0x02
	HostTimeout   = 0x03
	HostAbort     = 0x05
	HostReset     = 0x08
	HostError     = 0x07
)

// Status is the combined completion status of one command: how the transport
// delivered it and what the device said.
type Status struct {
	Host   uint16
	Device uint16
}

var (
	StatusGood                = Status{HostOK, StatGood}
	StatusCheck               = Status{HostOK, StatCheckCondition}
	StatusBusy                = Status{HostOK, StatBusy}
	StatusReservationConflict = Status{HostOK, StatReservationConflict}
	StatusNoConnect           = Status{HostNoConnect, StatGood}
)

// OK reports whether the command completed with no transport error and a
// GOOD device status.
func (s Status) OK() bool {
	return s.Host == HostOK && s.Device == StatGood
}

// Retryable reports whether the guest (or a path-manager probe) should simply
// reissue the command later.
func (s Status) Retryable() bool {
	if s.Host == HostBusBusy || s.Host == HostTimeout {
		return true
	}
	return s.Host == HostOK && (s.Device == StatBusy || s.Device == StatTaskSetFull)
}

// Sense keys.
const (
	KeyNoSense        = 0x0
	KeyRecoveredError = 0x1
	KeyNotReady       = 0x2
	KeyMediumError    = 0x3
	KeyHardwareError  = 0x4
	KeyIllegalRequest = 0x5
	KeyUnitAttention  = 0x6
	KeyVolumeOverflow = 0xd
)

// Additional sense codes and qualifiers.
const (
	AscLUNotReady                             = 0x04
	AscqManualIntervention                    = 0x03
	AscInvalidOpcode                          = 0x20
	AscLBAOutOfRange                          = 0x21
	AscInvalidFieldInCDB                      = 0x24
	AscInvalidRequestDueToCurrentLUOwnership  = 0x94 // vendor (FAStT)
	AscqInvalidRequestDueToCurrentLUOwnership = 0x01
	AscPowerOnOrReset                         = 0x29
)

// Device classes reported in the INQUIRY peripheral device type field.
const (
	ClassDisk      = 0x00
	ClassTape      = 0x01
	ClassProcessor = 0x03
	ClassWORM      = 0x04
	ClassCDROM     = 0x05
	ClassOptical   = 0x07
	ClassRAID      = 0x0c
)
