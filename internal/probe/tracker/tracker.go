// Package tracker keeps the tap-side session table: TCP sessions, UDP
// conversations and DHCP transactions built from decoded packets, and turns
// it into snapshot entries for periodic reports.
package tracker

import (
	"fmt"
	"hash/fnv"
	"net/netip"
	"sync"
	"time"

	"TapLedger/internal/engine/protocol"
	"TapLedger/internal/model"

	"github.com/google/gopacket/layers"
)

const (
	defaultShardCount   = 64
	defaultIdleTimeout  = 2 * time.Minute
	dhcpServerPort      = 67
	maxDHCPMessageTypes = 16
)

type endpoint struct {
	mac  string
	addr netip.AddrPort
}

type tcpSession struct {
	client, server endpoint
	entry          model.TCPEntry
	clientFin      bool
	serverFin      bool
}

type udpSession struct {
	client, server endpoint
	entry          model.UDPEntry
}

type dhcpTransaction struct {
	entry model.DHCPEntry
}

type shard struct {
	mu   sync.Mutex
	tcp  map[string]*tcpSession
	udp  map[string]*udpSession
	dhcp map[string]*dhcpTransaction
}

// Snapshot is the content of one reporting round.
type Snapshot struct {
	TCP  []model.TCPEntry
	UDP  []model.UDPEntry
	DHCP []model.DHCPEntry
}

// Empty reports whether the snapshot holds no entries.
func (s *Snapshot) Empty() bool {
	return len(s.TCP) == 0 && len(s.UDP) == 0 && len(s.DHCP) == 0
}

// Tracker is a sharded session table safe for concurrent use.
type Tracker struct {
	shards     []*shard
	shardCount uint32
	idle       time.Duration
}

// New creates a tracker. Sessions without activity for idle are closed on
// the next snapshot.
func New(numShards uint32, idle time.Duration) *Tracker {
	if numShards == 0 || numShards >= 32768 {
		numShards = defaultShardCount
	}
	if idle <= 0 {
		idle = defaultIdleTimeout
	}
	t := &Tracker{shards: make([]*shard, numShards), shardCount: numShards, idle: idle}
	for i := range t.shards {
		t.shards[i] = &shard{
			tcp:  make(map[string]*tcpSession),
			udp:  make(map[string]*udpSession),
			dhcp: make(map[string]*dhcpTransaction),
		}
	}
	return t
}

// Process folds one decoded packet captured at ts into the table.
func (t *Tracker) Process(p *protocol.Packet, ts time.Time) {
	src := endpoint{mac: p.SrcMAC, addr: netip.AddrPortFrom(p.SrcIP, p.SrcPort)}
	dst := endpoint{mac: p.DstMAC, addr: netip.AddrPortFrom(p.DstIP, p.DstPort)}

	switch p.Protocol {
	case model.ProtocolTCP:
		key := conversationKey(src, dst)
		s := t.getShard(key)
		s.mu.Lock()
		s.processTCP(key, p, src, dst, ts)
		s.mu.Unlock()
	case model.ProtocolUDP:
		key := conversationKey(src, dst)
		s := t.getShard(key)
		s.mu.Lock()
		s.processUDP(key, p, src, dst, ts)
		s.mu.Unlock()
		if p.DHCP != nil {
			t.processDHCP(p, ts)
		}
	}
}

func (s *shard) processTCP(key string, p *protocol.Packet, src, dst endpoint, ts time.Time) {
	sess, ok := s.tcp[key]
	if ok && sess.entry.EndTime != nil && p.Flags.SYN && !p.Flags.ACK {
		// port reuse after a close
		ok = false
	}
	if !ok {
		sess = &tcpSession{client: src, server: dst}
		sess.entry = model.TCPEntry{
			SourceMAC:          src.mac,
			DestinationMAC:     dst.mac,
			SourceAddress:      src.addr.Addr(),
			DestinationAddress: dst.addr.Addr(),
			SourcePort:         src.addr.Port(),
			DestinationPort:    dst.addr.Port(),
			State:              model.TCPStateEstablished,
			StartTime:          ts,
			MostRecentActivity: ts,
		}
		if p.Flags.SYN && !p.Flags.ACK {
			sess.entry.State = model.TCPStateSynSent
		}
		if p.SYN != nil {
			sess.entry.SynIPTTL = p.SYN.TTL
			sess.entry.SynIPTOS = p.SYN.TOS
			sess.entry.SynIPDF = p.SYN.DontFragment
			sess.entry.SynWindowSize = p.SYN.WindowSize
			sess.entry.SynMaximumSegmentSize = p.SYN.MSS
			sess.entry.SynWindowScaleMultiplier = p.SYN.WindowScale
			sess.entry.SynOptions = p.SYN.OptionKinds
		}
		s.tcp[key] = sess
	}

	e := &sess.entry
	if e.EndTime != nil {
		return
	}
	fromClient := src.addr == sess.client.addr
	e.SegmentsCount++
	if fromClient {
		e.BytesTx += uint64(p.Payload)
	} else {
		e.BytesRx += uint64(p.Payload)
	}
	e.MostRecentActivity = model.Latest(e.MostRecentActivity, ts)

	switch {
	case p.Flags.RST:
		if e.State == model.TCPStateSynSent && !fromClient {
			e.State = model.TCPStateRefused
		} else {
			e.State = model.TCPStateClosedRst
		}
		e.EndTime = &ts
	case p.Flags.FIN:
		if fromClient {
			sess.clientFin = true
		} else {
			sess.serverFin = true
		}
		e.State = model.TCPStateFinWait
		if sess.clientFin && sess.serverFin {
			e.State = model.TCPStateClosedFin
			e.EndTime = &ts
		}
	case p.Flags.SYN && p.Flags.ACK && !fromClient:
		if e.State == model.TCPStateSynSent {
			e.State = model.TCPStateSynReceived
		}
	case e.State == model.TCPStateSynSent || e.State == model.TCPStateSynReceived:
		if p.Flags.ACK && (fromClient || p.Payload > 0) {
			e.State = model.TCPStateEstablished
		}
	}
}

func (s *shard) processUDP(key string, p *protocol.Packet, src, dst endpoint, ts time.Time) {
	sess, ok := s.udp[key]
	if !ok {
		sess = &udpSession{client: src, server: dst}
		sess.entry = model.UDPEntry{
			SourceMAC:          src.mac,
			DestinationMAC:     dst.mac,
			SourceAddress:      src.addr.Addr(),
			DestinationAddress: dst.addr.Addr(),
			SourcePort:         src.addr.Port(),
			DestinationPort:    dst.addr.Port(),
			State:              model.UDPStateActive,
			StartTime:          ts,
			MostRecentActivity: ts,
		}
		s.udp[key] = sess
	}
	sess.entry.BytesCount += uint64(p.Payload)
	sess.entry.DatagramsCount++
	sess.entry.MostRecentActivity = model.Latest(sess.entry.MostRecentActivity, ts)
}

func (t *Tracker) processDHCP(p *protocol.Packet, ts time.Time) {
	msg := p.DHCP
	clientMAC, err := model.NormalizeMAC(msg.ClientHWAddr.String())
	if err != nil || clientMAC == "" {
		return
	}
	key := fmt.Sprintf("%08x|%s", msg.Xid, clientMAC)
	s := t.getShard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.dhcp[key]
	if !ok {
		tx = &dhcpTransaction{entry: model.DHCPEntry{
			DHCPAttributes: model.DHCPAttributes{TransactionID: msg.Xid},
			ClientMAC:      clientMAC,
			FirstPacket:    ts,
			LatestPacket:   ts,
		}}
		s.dhcp[key] = tx
	}
	e := &tx.entry
	e.LatestPacket = model.Latest(e.LatestPacket, ts)

	msgType := layers.DHCPMsgTypeUnspecified
	for _, opt := range msg.Options {
		switch opt.Type {
		case layers.DHCPOptMessageType:
			if len(opt.Data) == 1 {
				msgType = layers.DHCPMsgType(opt.Data[0])
			}
		case layers.DHCPOptRequestIP:
			if a, ok := netip.AddrFromSlice(opt.Data); ok {
				a = a.Unmap()
				e.RequestedAddress = &a
			}
		case layers.DHCPOptHostname:
			e.Hostname = string(opt.Data)
		case layers.DHCPOptClassID:
			e.VendorClass = string(opt.Data)
		}
	}
	if msg.Operation == layers.DHCPOpRequest && e.Options == nil {
		for _, opt := range msg.Options {
			if opt.Type != layers.DHCPOptEnd && opt.Type != layers.DHCPOptPad {
				e.Options = append(e.Options, uint8(opt.Type))
			}
		}
	}
	if len(e.MessageTypes) < maxDHCPMessageTypes {
		e.MessageTypes = append(e.MessageTypes, msgType.String())
	}

	if msg.Operation != layers.DHCPOpReply || p.SrcPort != dhcpServerPort {
		return
	}
	e.ServerMAC = p.SrcMAC
	e.ServerAddress = p.SrcIP
	yours, _ := netip.AddrFromSlice(msg.YourClientIP)
	yours = yours.Unmap()
	switch msgType {
	case layers.DHCPMsgTypeOffer:
		if yours.IsValid() && !yours.IsUnspecified() {
			e.OfferedAddresses = append(e.OfferedAddresses, yours)
		}
	case layers.DHCPMsgTypeAck:
		if yours.IsValid() && !yours.IsUnspecified() {
			e.AckedAddress = &yours
		}
		ok := true
		e.Complete, e.Successful = true, &ok
	case layers.DHCPMsgTypeNak:
		failed := false
		e.Complete, e.Successful = true, &failed
	}
}

// Snapshot returns every tracked session as of now. Sessions idle for longer
// than the idle timeout are closed first. Closed sessions and complete
// transactions are reported once more and then forgotten.
func (t *Tracker) Snapshot(now time.Time) Snapshot {
	parts := make([]Snapshot, t.shardCount)
	var wg sync.WaitGroup
	wg.Add(int(t.shardCount))
	for i := 0; i < int(t.shardCount); i++ {
		go func(i int) {
			defer wg.Done()
			parts[i] = t.shards[i].snapshot(now, t.idle)
		}(i)
	}
	wg.Wait()

	var out Snapshot
	for _, p := range parts {
		out.TCP = append(out.TCP, p.TCP...)
		out.UDP = append(out.UDP, p.UDP...)
		out.DHCP = append(out.DHCP, p.DHCP...)
	}
	return out
}

func (s *shard) snapshot(now time.Time, idle time.Duration) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out Snapshot
	for key, sess := range s.tcp {
		e := sess.entry
		if e.EndTime == nil && now.Sub(e.MostRecentActivity) > idle {
			end := e.MostRecentActivity
			e.EndTime = &end
			e.State = model.TCPStateClosedTimeout
		}
		out.TCP = append(out.TCP, e)
		if e.EndTime != nil {
			delete(s.tcp, key)
		}
	}
	for key, sess := range s.udp {
		e := sess.entry
		if now.Sub(e.MostRecentActivity) > idle {
			end := e.MostRecentActivity
			e.EndTime = &end
			e.State = model.UDPStateClosed
			delete(s.udp, key)
		}
		out.UDP = append(out.UDP, e)
	}
	for key, tx := range s.dhcp {
		out.DHCP = append(out.DHCP, tx.entry)
		if tx.entry.Complete || now.Sub(tx.entry.LatestPacket) > idle {
			delete(s.dhcp, key)
		}
	}
	return out
}

// Len returns the number of tracked sessions and transactions.
func (t *Tracker) Len() int {
	n := 0
	for _, s := range t.shards {
		s.mu.Lock()
		n += len(s.tcp) + len(s.udp) + len(s.dhcp)
		s.mu.Unlock()
	}
	return n
}

func (t *Tracker) getShard(key string) *shard {
	hasher := fnv.New32a()
	hasher.Write([]byte(key))
	return t.shards[hasher.Sum32()%t.shardCount]
}

// conversationKey is the same for both directions of a conversation.
func conversationKey(a, b endpoint) string {
	if a.addr.Compare(b.addr) > 0 {
		a, b = b, a
	}
	return a.addr.String() + "|" + b.addr.String()
}
