package cluster

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// beaconMagic leads every discovery datagram.
const beaconMagic = "NHI1"

// beaconInterval is the broadcast period.
const beaconInterval = 2 * time.Second

// maxBeaconSize bounds a received datagram.
const maxBeaconSize = 1024

// Beacon is the discovery datagram: informational only, a node joins the
// membership table solely through the TCP handshake that a beacon may
// trigger.
type Beacon struct {
	NodeID          string
	NodeName        string
	ListenAddr      string
	ProtocolVersion uint16
	WallTimeMs      uint64
}

// EncodeBeacon serializes a beacon: magic, 16-byte node UUID, name, listen
// address, protocol version, wall time in milliseconds.
func EncodeBeacon(b Beacon) ([]byte, error) {
	id, err := uuid.Parse(b.NodeID)
	if err != nil {
		return nil, fmt.Errorf("beacon node id: %w", err)
	}
	w := &wireWriter{}
	w.buf = append(w.buf, beaconMagic...)
	w.buf = append(w.buf, id[:]...)
	w.str(b.NodeName)
	w.str(b.ListenAddr)
	w.u16(b.ProtocolVersion)
	w.u64(b.WallTimeMs)
	return w.buf, nil
}

// DecodeBeacon parses a discovery datagram, rejecting foreign magics.
func DecodeBeacon(data []byte) (Beacon, error) {
	var b Beacon
	if len(data) < len(beaconMagic)+16 {
		return b, fmt.Errorf("%w: short beacon", ErrProtocol)
	}
	if string(data[:len(beaconMagic)]) != beaconMagic {
		return b, fmt.Errorf("%w: bad beacon magic", ErrProtocol)
	}
	var id uuid.UUID
	copy(id[:], data[len(beaconMagic):len(beaconMagic)+16])
	b.NodeID = id.String()

	r := &wireReader{buf: data, off: len(beaconMagic) + 16}
	var err error
	if b.NodeName, err = r.str(); err != nil {
		return b, err
	}
	if b.ListenAddr, err = r.str(); err != nil {
		return b, err
	}
	if b.ProtocolVersion, err = r.u16(); err != nil {
		return b, err
	}
	if b.WallTimeMs, err = r.u64(); err != nil {
		return b, err
	}
	return b, nil
}

// Discovery emits UDP broadcast beacons on a fixed interval and surfaces
// received beacons from other nodes to a callback. Reachability decisions
// are not made here; the node manager dials on fresh beacons.
type Discovery struct {
	port     int
	self     Beacon
	onBeacon func(Beacon)
	log      logrus.FieldLogger

	conn *net.UDPConn
}

// NewDiscovery creates a discovery service broadcasting self on the given
// UDP port. onBeacon is invoked for every valid beacon from another node;
// beacons carrying our own node id are dropped.
func NewDiscovery(port int, self Beacon, onBeacon func(Beacon), log logrus.FieldLogger) *Discovery {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Discovery{port: port, self: self, onBeacon: onBeacon, log: log}
}

// Run binds the discovery socket and blocks, broadcasting every interval
// and consuming inbound beacons, until the context is cancelled.
func (d *Discovery) Run(ctx context.Context) error {
	listenAddr := &net.UDPAddr{IP: net.IPv4zero, Port: d.port}
	conn, err := net.ListenUDP("udp4", listenAddr)
	if err != nil {
		return fmt.Errorf("bind discovery socket: %w", err)
	}
	d.conn = conn
	defer func() { _ = conn.Close() }()

	if err := enableBroadcast(conn); err != nil {
		return fmt.Errorf("enable broadcast: %w", err)
	}

	go d.broadcastLoop(ctx)

	buf := make([]byte, maxBeaconSize)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_ = conn.SetReadDeadline(time.Now().Add(time.Second))
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			d.log.WithError(err).Warn("discovery read failed")
			continue
		}
		beacon, err := DecodeBeacon(buf[:n])
		if err != nil {
			// Foreign traffic on the discovery port is expected noise.
			continue
		}
		if beacon.NodeID == d.self.NodeID {
			continue
		}
		if beacon.ProtocolVersion != ProtocolVersion {
			d.log.WithFields(logrus.Fields{
				"peer":    beacon.NodeID,
				"version": beacon.ProtocolVersion,
			}).Debug("ignoring beacon with foreign protocol version")
			continue
		}
		d.onBeacon(beacon)
	}
}

func (d *Discovery) broadcastLoop(ctx context.Context) {
	dest := &net.UDPAddr{IP: net.IPv4bcast, Port: d.port}
	ticker := time.NewTicker(beaconInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b := d.self
			b.ProtocolVersion = ProtocolVersion
			b.WallTimeMs = uint64(time.Now().UnixMilli())
			data, err := EncodeBeacon(b)
			if err != nil {
				d.log.WithError(err).Error("encode beacon")
				return
			}
			if _, err := d.conn.WriteToUDP(data, dest); err != nil {
				d.log.WithError(err).Debug("beacon broadcast failed")
			}
		}
	}
}
