// Package pcap reads captured frames from a pcap file or a live interface
// and decodes them for the session tracker.
package pcap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"TapLedger/internal/engine/protocol"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
	"github.com/google/gopacket/pcapgo"
)

const (
	snapshotLen int32 = 1600
	readTimeout       = 500 * time.Millisecond
)

// Handler receives every decodable packet with its capture time.
type Handler func(ts time.Time, p *protocol.Packet)

type dataSource interface {
	gopacket.PacketDataSource
	LinkType() layers.LinkType
}

// Reader yields packets from one capture source.
type Reader struct {
	src    dataSource
	closer io.Closer
}

// NewReader opens a pcap file.
func NewReader(filePath string) (*Reader, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, err
	}
	r, err := pcapgo.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to read pcap header of %s: %w", filePath, err)
	}
	return &Reader{src: r, closer: f}, nil
}

// NewLiveReader captures from a network interface in promiscuous mode. Reads
// time out periodically so that ReadPackets notices cancellation.
func NewLiveReader(iface string) (*Reader, error) {
	handle, err := pcap.OpenLive(iface, snapshotLen, true, readTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to open device %s: %w", iface, err)
	}
	return &Reader{src: handle, closer: closerFunc(handle.Close)}, nil
}

type closerFunc func()

func (f closerFunc) Close() error {
	f()
	return nil
}

// Close releases the capture source.
func (r *Reader) Close() error {
	return r.closer.Close()
}

// ReadPackets decodes packets until the source is exhausted or ctx is done
// and passes every TCP or UDP packet to handle. It returns how many packets
// were handled; undecodable frames are skipped.
func (r *Reader) ReadPackets(ctx context.Context, handle Handler) (int, error) {
	source := gopacket.NewPacketSource(r.src, r.src.LinkType())
	handled := 0
	for {
		select {
		case <-ctx.Done():
			return handled, ctx.Err()
		default:
		}
		packet, err := source.NextPacket()
		if errors.Is(err, io.EOF) {
			return handled, nil
		}
		if err != nil {
			if errors.Is(err, pcap.NextErrorTimeoutExpired) {
				continue
			}
			return handled, err
		}
		info, err := protocol.ParsePacket(packet)
		if err != nil {
			continue
		}
		handle(packet.Metadata().Timestamp, info)
		handled++
	}
}
