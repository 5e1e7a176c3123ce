package scsi

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestDecodeRW6(t *testing.T) {
	cdb := []byte{Read6, 0x01, 0x02, 0x03, 0x00, 0x00}
	lba, blocks, ok := DecodeRW(cdb)
	if !ok {
		t.Fatal("expected 6-byte read to decode")
	}
	if lba != 0x010203 {
		t.Errorf("lba: got %#x, expected 0x010203", lba)
	}
	if blocks != 256 {
		t.Errorf("blocks: got %d, expected 256 for zero transfer length", blocks)
	}
}

func TestDecodeRW10(t *testing.T) {
	cdb := []byte{Write10, 0, 0x00, 0x00, 0x10, 0x00, 0, 0x00, 0x80, 0}
	lba, blocks, ok := DecodeRW(cdb)
	if !ok {
		t.Fatal("expected 10-byte write to decode")
	}
	if lba != 0x1000 {
		t.Errorf("lba: got %#x, expected 0x1000", lba)
	}
	if blocks != 0x80 {
		t.Errorf("blocks: got %d, expected 128", blocks)
	}
}

func TestDecodeRWRejectsOtherOpcodes(t *testing.T) {
	for _, cdb := range [][]byte{
		{Inquiry, 0, 0, 0, 36, 0},
		{},
		{Read10, 0, 0},
	} {
		if _, _, ok := DecodeRW(cdb); ok {
			t.Errorf("cdb % x decoded as read/write", cdb)
		}
	}
}

func TestSenseRoundTrip(t *testing.T) {
	s := NewSense(KeyIllegalRequest, AscLBAOutOfRange, 0)
	b := s.Marshal()
	got := UnmarshalSense(b[:])
	if diff := cmp.Diff(s, got); diff != "" {
		t.Errorf("sense round trip mismatch (-want +got):\n%s", diff)
	}
	if s.IsZero() {
		t.Error("populated sense reported zero")
	}
	if !(SenseData{}).IsZero() {
		t.Error("empty sense not reported zero")
	}
}

func TestStatusRetryable(t *testing.T) {
	if !StatusBusy.Retryable() {
		t.Error("BUSY should be retryable")
	}
	if StatusGood.Retryable() || StatusCheck.Retryable() {
		t.Error("GOOD/CHECK CONDITION should not be retryable")
	}
	if !(Status{Host: HostBusBusy}).Retryable() {
		t.Error("host bus-busy should be retryable")
	}
}
