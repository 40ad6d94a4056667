// Package pcap turns captured network packets into stream objects.
package pcap

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/google/gopacket"
	"github.com/google/gopacket/pcapgo"

	"github.com/hed1ad/streamguard/pkg/detectors"
	streamio "github.com/hed1ad/streamguard/pkg/io"
)

var pcapngMagic = []byte{0x0a, 0x0d, 0x0d, 0x0a}

// Reader reads packets from a capture source, one object per packet. Ids
// are assigned in capture order starting at detectors.FirstObjectID.
type Reader struct {
	source    *gopacket.PacketSource
	extractor streamio.FeatureExtractor[gopacket.Packet]
	close     func() error
	// retry reports whether a read error is transient, such as a live
	// capture read timeout.
	retry func(error) bool

	nextID int64
	done   bool
}

var _ streamio.Reader = (*Reader)(nil)

// NewReader reads packets from src, decoding them with decoder.
func NewReader(src gopacket.PacketDataSource, decoder gopacket.Decoder) *Reader {
	return &Reader{
		source:    gopacket.NewPacketSource(src, decoder),
		extractor: NewFeatureExtractor(),
		close:     func() error { return nil },
		nextID:    detectors.FirstObjectID,
	}
}

// NewFileReader creates a reader for pcap and pcapng files.
func NewFileReader(filename string) (*Reader, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}

	br := bufio.NewReader(file)
	magic, err := br.Peek(len(pcapngMagic))
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("reading capture header of %s: %w", filename, err)
	}

	var r *Reader
	if bytes.Equal(magic, pcapngMagic) {
		ng, err := pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
		if err != nil {
			file.Close()
			return nil, fmt.Errorf("opening pcapng file %s: %w", filename, err)
		}
		r = NewReader(ng, ng.LinkType())
	} else {
		pr, err := pcapgo.NewReader(br)
		if err != nil {
			file.Close()
			return nil, fmt.Errorf("opening pcap file %s: %w", filename, err)
		}
		r = NewReader(pr, pr.LinkType())
	}

	r.close = file.Close
	return r, nil
}

// HasNext reports whether the capture may hold more packets.
func (r *Reader) HasNext() bool {
	return !r.done
}

// NextBatch returns up to n packets as feature vectors. Transient read
// errors are retried until ctx is done.
func (r *Reader) NextBatch(ctx context.Context, n int) ([]detectors.Object, error) {
	batch := make([]detectors.Object, 0, n)

	for len(batch) < n && !r.done {
		packet, err := r.source.NextPacket()
		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			r.done = true
			continue
		case r.retry != nil && r.retry(err):
			if ctx.Err() != nil {
				return batch, nil
			}
			continue
		default:
			return batch, fmt.Errorf("reading packet: %w", err)
		}

		batch = append(batch, detectors.Object{
			ID:     r.nextID,
			Values: r.extractor.Extract(packet),
		})
		r.nextID++
	}

	return batch, nil
}

// Dimensions returns the number of features per packet.
func (r *Reader) Dimensions() int {
	return len(r.extractor.FeatureNames())
}

// FeatureNames returns the names of extracted features.
func (r *Reader) FeatureNames() []string {
	return r.extractor.FeatureNames()
}

// Close releases resources.
func (r *Reader) Close() error {
	r.done = true
	return r.close()
}
