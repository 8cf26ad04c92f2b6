package storage

import (
	"bytes"
	"testing"

	"github.com/vfskit/vfskit/pkg/errors"
)

func TestMemoryDeviceReadUnwrittenIsZero(t *testing.T) {
	dev := NewMemoryDevice(64)

	buf := bytes.Repeat([]byte{0xAA}, 64)
	if err := dev.ReadBlock(7, buf); err != nil {
		t.Fatalf("ReadBlock() error = %v", err)
	}
	for i, b := range buf {
		if b != 0 {
			t.Fatalf("byte %d = %#x, want 0", i, b)
		}
	}
}

func TestMemoryDeviceWriteRead(t *testing.T) {
	dev := NewMemoryDevice(64)

	data := bytes.Repeat([]byte{0x5C}, 64)
	if err := dev.WriteBlock(3, data); err != nil {
		t.Fatalf("WriteBlock() error = %v", err)
	}

	// The device must store a copy, not alias the caller's buffer.
	data[0] = 0xFF

	buf := make([]byte, 64)
	if err := dev.ReadBlock(3, buf); err != nil {
		t.Fatalf("ReadBlock() error = %v", err)
	}
	if buf[0] != 0x5C {
		t.Errorf("buf[0] = %#x, want 0x5c", buf[0])
	}
	if dev.Len() != 1 {
		t.Errorf("Len() = %d, want 1", dev.Len())
	}
}

func TestMemoryDeviceRejectsWrongSize(t *testing.T) {
	dev := NewMemoryDevice(64)

	if err := dev.ReadBlock(0, make([]byte, 32)); !errors.IsCode(err, errors.ErrCodeInvalidArg) {
		t.Errorf("ReadBlock short buffer error = %v, want INVALID_ARG", err)
	}
	if err := dev.WriteBlock(0, make([]byte, 128)); !errors.IsCode(err, errors.ErrCodeInvalidArg) {
		t.Errorf("WriteBlock long buffer error = %v, want INVALID_ARG", err)
	}
}

func TestMemoryDevicesGetDistinctIDs(t *testing.T) {
	a := NewMemoryDevice(64)
	b := NewMemoryDevice(64)
	if a.DeviceID() == b.DeviceID() {
		t.Errorf("both devices got ID %d", a.DeviceID())
	}
}
