package scsi

// SenseDataLength is the size of the fixed-format sense block kept per open
// device and returned to the guest.
const SenseDataLength = 18

// SenseData is fixed-format sense (response codes 0x70/0x71) as defined by
// SPC-3 §4.5.3, with only the fields this core reads or writes.
type SenseData struct {
	Valid bool
	Error uint8 // response code, 0x70 for current errors
	Key   uint8
	ASC   uint8
	ASCQ  uint8
}

const currentError = 0x70

// NewSense builds current-error fixed-format sense.
func NewSense(key, asc, ascq uint8) SenseData {
	return SenseData{
		Valid: true,
		Error: currentError,
		Key:   key,
		ASC:   asc,
		ASCQ:  ascq,
	}
}

// IllegalRequestSense is the catch-all response to malformed CDBs.
func IllegalRequestSense(asc, ascq uint8) SenseData {
	return NewSense(KeyIllegalRequest, asc, ascq)
}

// IsZero reports whether no sense has been recorded.
func (s SenseData) IsZero() bool {
	return !s.Valid && s.Error == 0 && s.Key == 0 && s.ASC == 0 && s.ASCQ == 0
}

// Marshal encodes the sense block into the wire layout polled by the guest.
func (s SenseData) Marshal() [SenseDataLength]byte {
	var b [SenseDataLength]byte
	b[0] = s.Error
	if s.Valid {
		b[0] |= 0x80
	}
	b[2] = s.Key & 0x0f
	b[7] = SenseDataLength - 8 // additional sense length
	b[12] = s.ASC
	b[13] = s.ASCQ
	return b
}

// UnmarshalSense decodes a fixed-format sense buffer, tolerating short reads.
func UnmarshalSense(b []byte) SenseData {
	var s SenseData
	if len(b) == 0 {
		return s
	}
	s.Valid = b[0]&0x80 != 0
	s.Error = b[0] & 0x7f
	if len(b) > 2 {
		s.Key = b[2] & 0x0f
	}
	if len(b) > 13 {
		s.ASC = b[12]
		s.ASCQ = b[13]
	}
	return s
}
