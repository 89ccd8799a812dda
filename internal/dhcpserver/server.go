package dhcpserver

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"github.com/freemind-dhcp/dhcpd/internal/dhcp4"
	"github.com/freemind-dhcp/dhcpd/internal/leasedb"
	"github.com/freemind-dhcp/dhcpd/internal/linklayer"
)

// Server runs the single-threaded DHCPv4 event loop: receive, decode,
// dispatch, encode, send. It holds no internal concurrency; the optional
// metrics HTTP endpoint runs on its own goroutine but reads only the
// Prometheus collectors, never the lease store.
type Server struct {
	conf      Config
	store     *leasedb.Store
	transport linklayer.LinkTransport
	logger    *slog.Logger

	metrics *metricsRecorder
}

// New constructs a Server. conf is validated and defaulted before use.
func New(conf Config, transport linklayer.LinkTransport, logger *slog.Logger) (*Server, error) {
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	conf = conf.withDefaults()

	if logger == nil {
		logger = slog.Default()
	}

	checker := leasedb.AddressChecker(leasedb.NoopAddressChecker{})
	if conf.EnableConflictDetection {
		checker = leasedb.ICMPAddressChecker{Timeout: conf.ConflictTimeout}
	}

	store, err := leasedb.New(leasedb.Config{
		Start:     conf.Start,
		End:       conf.End,
		ServerIP:  conf.ServerID,
		MaxLeases: conf.MaxLeases,
		Checker:   checker,
		Clock:     conf.Clock,
	})
	if err != nil {
		return nil, err
	}

	if conf.LeaseFile != "" {
		leases, rerr := leasedb.ReadSnapshot(conf.LeaseFile, store.Now())
		if rerr != nil {
			return nil, rerr
		}
		store.Restore(leases, store.Now())
	}

	return &Server{
		conf:      conf,
		store:     store,
		transport: transport,
		logger:    logger,
		metrics:   newMetricsRecorder(),
	}, nil
}

// Run blocks, servicing inbound packets until ctx is canceled. It also
// snapshots the lease table to disk every AutoSaveInterval, and once more on
// a clean exit. The single-threaded loop waits on whichever comes first: a
// packet, or the next autosave deadline, mirroring the donor's event-driven
// select-equivalent design.
func (s *Server) Run(ctx context.Context) error {
	defer s.saveSnapshot()

	nextSave := time.Now().Add(s.conf.AutoSaveInterval)

	for {
		if ctx.Err() != nil {
			return nil
		}

		waitCtx, cancel := context.WithDeadline(ctx, nextSave)
		payload, _, err := s.transport.Recv(waitCtx)
		cancel()

		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				if time.Now().After(nextSave) {
					s.saveSnapshot()
					nextSave = time.Now().Add(s.conf.AutoSaveInterval)
				}
				continue
			}
			if errors.Is(err, context.Canceled) {
				return nil
			}
			s.logger.Debug("receiving packet", "error", err)
			continue
		}

		s.handlePacket(payload)

		now := s.store.Now()
		active := 0
		for _, l := range s.store.Snapshot() {
			if !l.IsExpired(now) {
				active++
			}
		}
		s.metrics.leasesActive.Set(float64(active))
	}
}

// saveSnapshot persists the lease table if LeaseFile is configured, logging
// but not failing on error.
func (s *Server) saveSnapshot() {
	if s.conf.LeaseFile == "" {
		return
	}
	if err := leasedb.WriteSnapshot(s.conf.LeaseFile, s.store.Snapshot()); err != nil {
		s.logger.Error("saving lease snapshot", "error", err, "path", s.conf.LeaseFile)
	}
}

// handlePacket decodes one inbound message and dispatches it, dropping
// anything malformed at debug level per the error taxonomy's "malformed
// input" category.
func (s *Server) handlePacket(payload []byte) {
	req, err := dhcp4.Decode(payload)
	if err != nil {
		s.logger.Debug("decoding message", "error", err)
		s.metrics.decodeErrors.Inc()
		return
	}

	if req.Op != dhcp4.BootRequest {
		return
	}

	mt, ok := req.Options.GetType()
	if !ok {
		s.logger.Debug("message has no message type option", "xid", req.XID)
		return
	}

	s.logger.Debug("received message", "type", mt, "xid", req.XID, "chaddr", req.ClientHWAddr)
	s.metrics.messagesByType.WithLabelValues(mt.String()).Inc()

	var resp *dhcp4.Message
	switch mt {
	case dhcp4.Discover:
		resp = s.handleDiscover(req)
	case dhcp4.Request:
		resp = s.handleRequest(req)
	case dhcp4.Decline:
		s.handleDecline(req)
		return
	case dhcp4.Release:
		s.handleRelease(req)
		return
	case dhcp4.Inform:
		resp = s.handleInform(req)
	default:
		s.logger.Debug("unsupported message type", "type", mt)
		return
	}

	if resp == nil {
		return
	}

	if err = s.send(req, resp); err != nil {
		s.logger.Debug("sending reply", "error", err, "xid", req.XID)
	}
}

// applyDefaultOptions appends every configured default option to resp,
// skipping LEASE_TIME since handlers always set that explicitly.
func (s *Server) applyDefaultOptions(resp *dhcp4.Message) {
	for _, opt := range s.conf.DefaultOptions {
		if opt.Code == dhcp4.CodeLeaseTime {
			continue
		}
		resp.Options = resp.Options.With(opt.Code, opt.Data)
	}
}

// netipToIP converts a netip.Addr to a net.IP, or nil for an invalid/zero
// address.
func netipToIP(a netip.Addr) net.IP {
	if !a.IsValid() {
		return nil
	}
	return net.IP(a.AsSlice())
}
