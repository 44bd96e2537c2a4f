package stunprobe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/pion/stun/v3"
	"go.uber.org/zap"
)

type NATType string

const (
	NATUnknown          NATType = "unknown"
	NATSymmetric        NATType = "symmetric"
	NATConeOrRestricted NATType = "cone_or_restricted"
)

// Result is the outcome of probing every configured server from one socket.
type Result struct {
	MappedAddress string
	NAT           NATType
	Mapped        map[string]string
	Failed        map[string]error
}

// Prober sends STUN binding requests from a single local UDP socket so that
// mapped addresses from different servers are comparable.
type Prober struct {
	servers []string
	timeout time.Duration
	logger  *zap.SugaredLogger
}

func NewProber(servers []string, timeout time.Duration, logger *zap.SugaredLogger) *Prober {
	return &Prober{servers: servers, timeout: timeout, logger: logger}
}

// ResolveServer turns a stun: URI into a UDP address.
func ResolveServer(server string) (*net.UDPAddr, error) {
	raw := strings.TrimSpace(server)
	if raw == "" {
		return nil, errors.New("empty STUN server")
	}
	if !strings.HasPrefix(raw, "stun:") && !strings.HasPrefix(raw, "stuns:") {
		raw = "stun:" + raw
	}

	uri, err := stun.ParseURI(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid STUN server %q: %w", server, err)
	}
	if uri.Scheme != stun.SchemeTypeSTUN {
		return nil, fmt.Errorf("unsupported STUN scheme %s", uri.Scheme)
	}
	return net.ResolveUDPAddr("udp", net.JoinHostPort(uri.Host, strconv.Itoa(uri.Port)))
}

func (p *Prober) Probe(ctx context.Context) (Result, error) {
	result := Result{
		NAT:    NATUnknown,
		Mapped: make(map[string]string),
		Failed: make(map[string]error),
	}
	if len(p.servers) == 0 {
		return result, errors.New("no STUN servers configured")
	}

	conn, err := net.ListenPacket("udp", ":0")
	if err != nil {
		return result, fmt.Errorf("failed to open probe socket: %w", err)
	}
	defer conn.Close()

	var ordered []string
	for _, server := range p.servers {
		addr, err := p.query(ctx, conn, server)
		if err != nil {
			result.Failed[server] = err
			p.logger.Debugw("stun probe failed", "server", server, "error", err)
			continue
		}
		result.Mapped[server] = addr
		ordered = append(ordered, addr)
	}

	if len(ordered) == 0 {
		return result, fmt.Errorf("every STUN server failed: %w", joinFailures(result.Failed))
	}
	result.MappedAddress = ordered[0]
	result.NAT = Classify(ordered)

	p.logger.Infow("stun probe complete",
		"mapped_address", result.MappedAddress,
		"nat", result.NAT,
		"servers_ok", len(result.Mapped),
		"servers_failed", len(result.Failed),
	)
	return result, nil
}

func (p *Prober) query(ctx context.Context, conn net.PacketConn, server string) (string, error) {
	addr, err := ResolveServer(server)
	if err != nil {
		return "", err
	}

	req := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
	if _, err := conn.WriteTo(req.Raw, addr); err != nil {
		return "", err
	}

	deadline := time.Now().Add(p.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return "", err
	}

	buf := make([]byte, 1500)
	for {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return "", err
		}
		if !stun.IsMessage(buf[:n]) {
			continue
		}

		res := &stun.Message{Raw: append([]byte(nil), buf[:n]...)}
		if err := res.Decode(); err != nil {
			continue
		}
		// A late answer to an earlier server's request.
		if res.TransactionID != req.TransactionID {
			continue
		}
		if res.Type != stun.BindingSuccess {
			return "", fmt.Errorf("unexpected STUN response %s", res.Type)
		}

		var xor stun.XORMappedAddress
		if err := xor.GetFrom(res); err != nil {
			return "", fmt.Errorf("stun response missing mapped address: %w", err)
		}
		return xor.String(), nil
	}
}

// Classify compares mapped addresses seen from one socket. Differing
// addresses mean the NAT allocates per destination.
func Classify(addrs []string) NATType {
	if len(addrs) < 2 {
		return NATUnknown
	}
	for _, addr := range addrs[1:] {
		if addr != addrs[0] {
			return NATSymmetric
		}
	}
	return NATConeOrRestricted
}

func joinFailures(failed map[string]error) error {
	errs := make([]error, 0, len(failed))
	for server, err := range failed {
		errs = append(errs, fmt.Errorf("%s: %w", server, err))
	}
	return errors.Join(errs...)
}
