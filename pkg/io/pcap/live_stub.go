//go:build !pcap

package pcap

import (
	"errors"
	"time"
)

// ErrLiveCaptureDisabled is returned by NewLiveReader in builds without
// libpcap. Build with -tags=pcap to enable live capture.
var ErrLiveCaptureDisabled = errors.New("live capture not enabled: rebuild with -tags=pcap")

// NewLiveReader is unavailable without the pcap build tag.
func NewLiveReader(iface string, snaplen int32, promisc bool, timeout time.Duration) (*Reader, error) {
	return nil, ErrLiveCaptureDisabled
}
