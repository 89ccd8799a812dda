package dhcpc

import (
	"context"
	"net"
	"os/exec"
	"strconv"

	"github.com/freemind-dhcp/dhcpd/internal/dhcp4"
)

// runScript invokes the configured script with event as its sole argument
// and the message's option values exposed through the environment, per
// §4.5's script-hook contract. A nil msg (the "deconfig" case with nothing
// learned yet) runs the script with only "interface" set.
func (c *Client) runScript(ctx context.Context, event string, msg *dhcp4.Message) error {
	cmd := exec.CommandContext(ctx, c.conf.Script, event)
	cmd.Env = append(cmd.Env, "interface="+c.conf.Interface)

	if msg != nil {
		cmd.Env = append(cmd.Env, envFromMessage(msg)...)
	}

	out, err := cmd.CombinedOutput()
	c.logger.Debug("script hook ran", "event", event, "script", c.conf.Script, "output", string(out), "error", err)

	return err
}

// envFromMessage renders the option values a script hook expects, each
// present only when the corresponding option appears in msg.
func envFromMessage(msg *dhcp4.Message) []string {
	var env []string

	if msg.YIAddr != nil && !msg.YIAddr.IsUnspecified() {
		env = append(env, "ip="+msg.YIAddr.String())
	}

	if mask, ok := msg.Options.GetIPv4(dhcp4.CodeSubnet); ok {
		env = append(env, "subnet="+net.IP(mask).String())
	}
	if routers, ok := msg.Options.Get(dhcp4.CodeRouter); ok {
		env = append(env, "router="+joinIPv4List(routers))
	}
	if domain, ok := msg.Options.GetString(dhcp4.CodeDomainName); ok {
		env = append(env, "domain="+domain)
	}
	if dns, ok := msg.Options.Get(dhcp4.CodeDNS); ok {
		env = append(env, "dns="+joinIPv4List(dns))
	}
	if bcast, ok := msg.Options.GetIPv4(dhcp4.CodeBroadcast); ok {
		env = append(env, "broadcast="+net.IP(bcast).String())
	}
	if host, ok := msg.Options.GetString(dhcp4.CodeHostName); ok {
		env = append(env, "hostname="+host)
	}
	if lease, ok := msg.Options.GetU32(dhcp4.CodeLeaseTime); ok {
		env = append(env, "lease="+strconv.FormatUint(uint64(lease), 10))
	}

	return env
}

// joinIPv4List renders a sequence of 4-byte IPv4 addresses as a
// space-separated string, matching the donor script convention.
func joinIPv4List(raw []byte) string {
	var s string
	for i := 0; i+4 <= len(raw); i += 4 {
		if i > 0 {
			s += " "
		}
		s += net.IP(raw[i : i+4]).String()
	}
	return s
}
