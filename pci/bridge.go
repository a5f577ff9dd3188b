package pci

import "errors"

// ErrIONotPermit is returned for port accesses to a function without an
// I/O BAR.
var ErrIONotPermit = errors.New("function decodes no I/O ports")

// Host bridge identity at 00:00.0.
const (
	BridgeVendorID = 0x8086
	BridgeDeviceID = 0x0d57

	classBridge   = 0x06
	subclassHost  = 0x00
	headerBridged = 0x1
)

type hostBridge struct{}

// NewBridge returns the host bridge function that occupies slot 0.
func NewBridge() Device {
	return hostBridge{}
}

func (hostBridge) GetDeviceHeader() DeviceHeader {
	return DeviceHeader{
		VendorID:   BridgeVendorID,
		DeviceID:   BridgeDeviceID,
		ClassCode:  [3]uint8{0, subclassHost, classBridge},
		HeaderType: headerBridged,
	}
}

func (hostBridge) Read(uint64, []byte) error  { return ErrIONotPermit }
func (hostBridge) Write(uint64, []byte) error { return ErrIONotPermit }

// GetIORange is empty so no port is routed to the bridge.
func (hostBridge) GetIORange() (start, end uint64) {
	return 0, 0
}
