package dhcpserver

import (
	"bytes"
	"net/netip"
	"time"

	"github.com/freemind-dhcp/dhcpd/internal/dhcp4"
)

// leaseTimeFor chooses the lease lifetime for a new grant: the client's
// requested-lease-time option if present and shorter than the configured
// default, otherwise the configured default. A requested time shorter than
// MinLease is raised to MinLease.
//
// ACK lease-time clamping against min_lease is preserved bug-for-bug from the
// original: when the request has no usable lease-time option, this falls
// back to the full configured lease rather than clamping up to MinLease.
func (s *Server) leaseTimeFor(req *dhcp4.Message) time.Duration {
	requested, ok := req.Options.GetU32(dhcp4.CodeLeaseTime)
	if !ok {
		return s.conf.Lease
	}

	want := time.Duration(requested) * time.Second
	if want > s.conf.Lease {
		return s.conf.Lease
	}
	if want < s.conf.MinLease {
		return s.conf.MinLease
	}
	return want
}

// pickAddress chooses yiaddr for a DISCOVER in priority order: an existing
// unexpired lease for this MAC, the client's requested IP if it's within the
// pool and free-or-expired, the first free IP, or the first expired IP.
// Before committing a previously-unused address it probes the candidate via
// the configured address checker, skipping to the next candidate on a
// conflict.
func (s *Server) pickAddress(req *dhcp4.Message) (netip.Addr, bool) {
	mac := req.ClientHWAddr

	if l, ok := s.store.FindByMAC(mac); ok {
		return l.IP, true
	}

	if raw, ok := req.Options.GetIPv4(dhcp4.CodeRequestedIP); ok {
		if reqIP, pok := netip.AddrFromSlice(raw); pok {
			reqIP = reqIP.Unmap()
			if s.store.Contains(reqIP) {
				if _, leased := s.store.FindByIP(reqIP); !leased {
					if s.checkAvailable(reqIP) {
						return reqIP, true
					}
				}
			}
		}
	}

	for _, expiredOnly := range [...]bool{false, true} {
		for {
			ip, ok := s.store.FindAddress(expiredOnly)
			if !ok {
				break
			}
			if s.checkAvailable(ip) {
				return ip, true
			}
			// A host answered for ip even though our table had no active
			// lease for it: hold it and keep scanning.
			s.store.Decline(ip, s.conf.ConflictTimeout)
		}
	}

	return netip.Addr{}, false
}

// checkAvailable reports whether ip may be handed out, probing it only when
// conflict detection is enabled.
func (s *Server) checkAvailable(ip netip.Addr) bool {
	if !s.conf.EnableConflictDetection {
		return true
	}
	ok, err := s.store.CheckAvailable(ip)
	if err != nil {
		s.logger.Debug("address conflict check failed", "ip", ip, "error", err)
		return true
	}
	return ok
}

// handleDiscover implements the DISCOVER -> OFFER transition.
func (s *Server) handleDiscover(req *dhcp4.Message) *dhcp4.Message {
	ip, ok := s.pickAddress(req)
	if !ok {
		s.logger.Warn("no IP addresses to give", "chaddr", req.ClientHWAddr)
		return nil
	}

	hostname, _ := req.Options.GetString(dhcp4.CodeHostName)

	if _, err := s.store.AddLease(req.ClientHWAddr, ip, s.conf.OfferTime, hostname, false); err != nil {
		s.logger.Warn("reserving offer", "ip", ip, "error", err)
		return nil
	}

	resp := newReply(req, netipToIP(s.conf.ServerID))
	resp.YIAddr = netipToIP(ip)
	resp.SIAddr = netipToIP(s.conf.SIAddr)
	resp.SName = s.conf.SName
	resp.File = s.conf.BootFile
	resp.Options = resp.Options.
		WithByte(dhcp4.CodeMessageType, byte(dhcp4.Offer)).
		WithU32(dhcp4.CodeLeaseTime, uint32(s.leaseTimeFor(req)/time.Second))

	s.applyDefaultOptions(resp)

	return resp
}

// handleRequest implements the three REQUEST sub-cases: selecting,
// init-reboot, and renew/rebind, distinguished by which of SERVER_ID,
// REQUESTED_IP, and ciaddr are present.
func (s *Server) handleRequest(req *dhcp4.Message) *dhcp4.Message {
	serverID, hasServerID := req.Options.GetIPv4(dhcp4.CodeServerID)
	reqIPRaw, hasReqIP := req.Options.GetIPv4(dhcp4.CodeRequestedIP)
	hasCIAddr := req.CIAddr != nil && !req.CIAddr.IsUnspecified()

	switch {
	case hasServerID && hasReqIP && !hasCIAddr:
		return s.handleSelecting(req, serverID, reqIPRaw)
	case !hasServerID && hasReqIP && !hasCIAddr:
		return s.handleInitReboot(req, reqIPRaw)
	case !hasServerID && !hasReqIP && hasCIAddr:
		return s.handleRenewRebind(req)
	default:
		// An ambiguous combination the spec doesn't define a case for; drop
		// silently rather than guess.
		return nil
	}
}

// handleSelecting handles a REQUEST sent in response to our own OFFER. If
// another server was selected instead, we drop silently.
func (s *Server) handleSelecting(req *dhcp4.Message, serverID, reqIP []byte) *dhcp4.Message {
	if netipToIP(s.conf.ServerID).Equal(serverID) {
		ip, ok := netip.AddrFromSlice(reqIP)
		if !ok {
			return nil
		}
		ip = ip.Unmap()

		l, ok := s.store.FindByMAC(req.ClientHWAddr)
		if !ok || l.IP != ip {
			return nil
		}

		return s.commitAndAck(req, ip)
	}

	return nil
}

// handleInitReboot handles a REQUEST from a client that remembers a
// previous lease and is confirming it after a reboot, with no server
// selected yet.
func (s *Server) handleInitReboot(req *dhcp4.Message, reqIP []byte) *dhcp4.Message {
	ip, ok := netip.AddrFromSlice(reqIP)
	if !ok {
		return nil
	}
	ip = ip.Unmap()

	if !s.store.Contains(ip) {
		return s.nak(req)
	}

	l, leased := s.store.FindByIP(ip)
	switch {
	case !leased:
		return s.commitAndAck(req, ip)
	case bytes.Equal(l.HWAddr, req.ClientHWAddr):
		return s.commitAndAck(req, ip)
	default:
		return s.nak(req)
	}
}

// handleRenewRebind handles a unicast or broadcast REQUEST from a client in
// RENEWING or REBINDING, confirming ciaddr.
func (s *Server) handleRenewRebind(req *dhcp4.Message) *dhcp4.Message {
	ip, ok := netip.AddrFromSlice(req.CIAddr)
	if !ok {
		return nil
	}
	ip = ip.Unmap()

	if !s.store.Contains(ip) {
		return s.nak(req)
	}

	l, leased := s.store.FindByIP(ip)
	switch {
	case !leased:
		return s.commitAndAck(req, ip)
	case bytes.Equal(l.HWAddr, req.ClientHWAddr):
		return s.commitAndAck(req, ip)
	default:
		return s.nak(req)
	}
}

// commitAndAck creates or extends the full-lifetime lease for req's client
// at ip and builds the ACK.
func (s *Server) commitAndAck(req *dhcp4.Message, ip netip.Addr) *dhcp4.Message {
	hostname, _ := req.Options.GetString(dhcp4.CodeHostName)

	if _, err := s.store.AddLease(req.ClientHWAddr, ip, s.leaseTimeFor(req), hostname, false); err != nil {
		s.logger.Warn("committing lease", "ip", ip, "error", err)
		return s.nak(req)
	}

	resp := newReply(req, netipToIP(s.conf.ServerID))
	resp.YIAddr = netipToIP(ip)
	resp.CIAddr = req.CIAddr
	resp.SIAddr = netipToIP(s.conf.SIAddr)
	resp.SName = s.conf.SName
	resp.File = s.conf.BootFile
	resp.Options = resp.Options.
		WithByte(dhcp4.CodeMessageType, byte(dhcp4.ACK)).
		WithU32(dhcp4.CodeLeaseTime, uint32(s.leaseTimeFor(req)/time.Second))

	s.applyDefaultOptions(resp)

	return resp
}

// nak builds a NAK reply, which goes out as a broadcast unless the request
// came through a relay (see (*Server).send).
func (s *Server) nak(req *dhcp4.Message) *dhcp4.Message {
	resp := newReply(req, netipToIP(s.conf.ServerID))
	resp.Options = resp.Options.WithByte(dhcp4.CodeMessageType, byte(dhcp4.NAK))
	return resp
}

// handleDecline removes the lease for the declining client and holds the
// address unusable for DeclineHold, honoring decline_time as a time-bounded
// hold rather than a permanent blacklist.
func (s *Server) handleDecline(req *dhcp4.Message) {
	l, ok := s.store.FindByMAC(req.ClientHWAddr)
	if !ok {
		return
	}

	s.logger.Info("client declined address", "ip", l.IP, "chaddr", req.ClientHWAddr)
	s.store.Decline(l.IP, s.conf.DeclineHold)
}

// handleRelease removes the lease for the releasing client if ciaddr
// matches its current lease.
func (s *Server) handleRelease(req *dhcp4.Message) {
	ip, ok := netip.AddrFromSlice(req.CIAddr)
	if !ok {
		return
	}
	ip = ip.Unmap()

	l, leased := s.store.FindByMAC(req.ClientHWAddr)
	if !leased || l.IP != ip {
		return
	}

	s.logger.Info("client released address", "ip", ip, "chaddr", req.ClientHWAddr)
	s.store.ClearLease(req.ClientHWAddr)
}

// handleInform replies with configuration options but creates no lease and
// sets no yiaddr or lease time, per RFC 2131 section 3.4.
func (s *Server) handleInform(req *dhcp4.Message) *dhcp4.Message {
	resp := newReply(req, netipToIP(s.conf.ServerID))
	resp.CIAddr = req.CIAddr
	resp.Options = resp.Options.WithByte(dhcp4.CodeMessageType, byte(dhcp4.ACK))

	s.applyDefaultOptions(resp)

	return resp
}
