//go:build pcap

package pcap

import (
	"errors"
	"time"

	"github.com/google/gopacket/pcap"
)

// NewLiveReader creates a reader for live packet capture on iface.
func NewLiveReader(iface string, snaplen int32, promisc bool, timeout time.Duration) (*Reader, error) {
	handle, err := pcap.OpenLive(iface, snaplen, promisc, timeout)
	if err != nil {
		return nil, err
	}

	r := NewReader(handle, handle.LinkType())
	r.close = func() error {
		handle.Close()
		return nil
	}
	r.retry = func(err error) bool {
		return errors.Is(err, pcap.NextErrorTimeoutExpired)
	}
	return r, nil
}
