package tagmsg

import (
	"fmt"
	"log/slog"
	"net"
	"strconv"

	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protowire"
)

const (
	addrFieldWorkerID    protowire.Number = 1
	addrFieldName        protowire.Number = 2
	addrFieldFingerprint protowire.Number = 3
	addrFieldPort        protowire.Number = 4
	addrFieldIP          protowire.Number = 5
)

// Address identifies a worker for the peers willing to reach it.
// Applications exchange it as an opaque blob produced by Marshal.
type Address struct {
	WorkerID    uuid.UUID
	Name        string
	Fingerprint []byte
	Port        int
	IPs         []net.IP
}

// Marshal encodes the address using the protobuf wire format.
func (a *Address) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, addrFieldWorkerID, protowire.BytesType)
	b = protowire.AppendBytes(b, a.WorkerID[:])
	if a.Name != "" {
		b = protowire.AppendTag(b, addrFieldName, protowire.BytesType)
		b = protowire.AppendString(b, a.Name)
	}
	b = protowire.AppendTag(b, addrFieldFingerprint, protowire.BytesType)
	b = protowire.AppendBytes(b, a.Fingerprint)
	b = protowire.AppendTag(b, addrFieldPort, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(a.Port))
	for _, ip := range a.IPs {
		if ip4 := ip.To4(); ip4 != nil {
			ip = ip4
		}
		b = protowire.AppendTag(b, addrFieldIP, protowire.BytesType)
		b = protowire.AppendBytes(b, ip)
	}
	return b
}

// ParseAddress decodes an address produced by Marshal.
func ParseAddress(b []byte) (*Address, error) {
	addr := &Address{}
	hasID := false

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %w", ErrInvalidAddr, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == addrFieldPort && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: %w", ErrInvalidAddr, protowire.ParseError(n))
			}
			addr.Port = int(v)
			b = b[n:]
		case typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: %w", ErrInvalidAddr, protowire.ParseError(n))
			}
			b = b[n:]
			if err := addr.setBytesField(num, v); err != nil {
				return nil, err
			}
			if num == addrFieldWorkerID {
				hasID = true
			}
		default:
			// unknown fields are skipped for forward compatibility
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("%w: %w", ErrInvalidAddr, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}

	switch {
	case !hasID:
		return nil, fmt.Errorf("%w: missing worker id", ErrInvalidAddr)
	case len(addr.Fingerprint) != 32:
		return nil, fmt.Errorf("%w: fingerprint must be 32 bytes", ErrInvalidAddr)
	case addr.Port <= 0 || addr.Port > 65535:
		return nil, fmt.Errorf("%w: port %d out of range", ErrInvalidAddr, addr.Port)
	case len(addr.IPs) == 0:
		return nil, fmt.Errorf("%w: no IP", ErrInvalidAddr)
	}
	return addr, nil
}

func (a *Address) setBytesField(num protowire.Number, v []byte) error {
	switch num {
	case addrFieldWorkerID:
		id, err := uuid.FromBytes(v)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidAddr, err)
		}
		a.WorkerID = id
	case addrFieldName:
		a.Name = string(v)
	case addrFieldFingerprint:
		a.Fingerprint = append([]byte(nil), v...)
	case addrFieldIP:
		if len(v) != net.IPv4len && len(v) != net.IPv6len {
			return fmt.Errorf("%w: IP of %d bytes", ErrInvalidAddr, len(v))
		}
		a.IPs = append(a.IPs, append(net.IP(nil), v...))
	}
	return nil
}

// candidates returns the UDP addresses to try, in order.
func (a *Address) candidates() []*net.UDPAddr {
	out := make([]*net.UDPAddr, 0, len(a.IPs))
	for _, ip := range a.IPs {
		out = append(out, &net.UDPAddr{IP: ip, Port: a.Port})
	}
	return out
}

func (a *Address) LogValue() slog.Value {
	ips := make([]string, len(a.IPs))
	for i, ip := range a.IPs {
		ips[i] = ip.String()
	}
	return slog.GroupValue(
		slog.String("worker", a.WorkerID.String()),
		slog.String("name", a.Name),
		slog.String("port", strconv.Itoa(a.Port)),
		slog.Any("ips", ips),
	)
}

// advertiseIPs lists the IPs a worker bound to bindIP is reachable on:
// global unicast first, loopback last.
func advertiseIPs(bindIP net.IP, overrides []string) ([]net.IP, error) {
	if len(overrides) > 0 {
		ips := make([]net.IP, 0, len(overrides))
		for _, raw := range overrides {
			ip := net.ParseIP(raw)
			if ip == nil {
				return nil, fmt.Errorf("%w: %q", ErrNoAdvertiseAddr, raw)
			}
			ips = append(ips, ip)
		}
		return ips, nil
	}

	if bindIP != nil && !bindIP.IsUnspecified() {
		return []net.IP{bindIP}, nil
	}

	ifAddrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoAdvertiseAddr, err)
	}

	var global, loopback []net.IP
	for _, ifAddr := range ifAddrs {
		ipNet, ok := ifAddr.(*net.IPNet)
		if !ok {
			continue
		}
		ip := ipNet.IP
		if bindIP != nil && bindIP.To4() != nil && ip.To4() == nil {
			// an IPv4 wildcard socket cannot reach IPv6 peers
			continue
		}
		switch {
		case ip.IsLoopback():
			loopback = append(loopback, ip)
		case ip.IsGlobalUnicast():
			global = append(global, ip)
		}
	}

	ips := append(global, loopback...)
	if len(ips) == 0 {
		return nil, ErrNoAdvertiseAddr
	}
	return ips, nil
}
