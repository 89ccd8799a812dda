package dhcpserver

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/AdguardTeam/golibs/errors"
)

// LoadConfigFile reads a server configuration from path. A ".toml" extension
// selects the structured TOML form; anything else is parsed as the legacy
// line-based udhcpd.conf format.
func LoadConfigFile(path string) (Config, error) {
	if strings.HasSuffix(path, ".toml") {
		return loadTOMLConfig(path)
	}
	return loadLineConfig(path)
}

// tomlConfig mirrors Config field-for-field in a form toml can unmarshal
// durations and addresses into as plain strings.
type tomlConfig struct {
	Interface               string   `toml:"interface"`
	Start                   string   `toml:"start"`
	End                     string   `toml:"end"`
	Server                  string   `toml:"server"`
	Lease                   string   `toml:"lease"`
	MinLease                string   `toml:"min_lease"`
	OfferTime               string   `toml:"offer_time"`
	DeclineHold             string   `toml:"decline_time"`
	ConflictTimeout         string   `toml:"conflict_time"`
	MaxLeases               int      `toml:"max_leases"`
	SIAddr                  string   `toml:"siaddr"`
	SName                   string   `toml:"sname"`
	BootFile                string   `toml:"boot_file"`
	LeaseFile               string   `toml:"lease_file"`
	AutoSaveInterval        string   `toml:"auto_time"`
	EnableConflictDetection bool     `toml:"conflict_detection"`
	Options                 []string `toml:"options"`
}

func loadTOMLConfig(path string) (Config, error) {
	var tc tomlConfig
	if _, err := toml.DecodeFile(path, &tc); err != nil {
		return Config{}, errors.Annotate(err, "decoding toml config: %w")
	}

	conf := Config{
		Interface:               tc.Interface,
		MaxLeases:               tc.MaxLeases,
		SName:                   tc.SName,
		BootFile:                tc.BootFile,
		LeaseFile:               tc.LeaseFile,
		EnableConflictDetection: tc.EnableConflictDetection,
	}

	var err error
	if conf.Start, err = parseAddrField("start", tc.Start); err != nil {
		return Config{}, err
	}
	if conf.End, err = parseAddrField("end", tc.End); err != nil {
		return Config{}, err
	}
	if conf.ServerID, err = parseAddrField("server", tc.Server); err != nil {
		return Config{}, err
	}
	if tc.SIAddr != "" {
		if conf.SIAddr, err = parseAddrField("siaddr", tc.SIAddr); err != nil {
			return Config{}, err
		}
	}

	durationFields := []struct {
		raw string
		dst *time.Duration
	}{
		{tc.Lease, &conf.Lease},
		{tc.MinLease, &conf.MinLease},
		{tc.OfferTime, &conf.OfferTime},
		{tc.DeclineHold, &conf.DeclineHold},
		{tc.ConflictTimeout, &conf.ConflictTimeout},
		{tc.AutoSaveInterval, &conf.AutoSaveInterval},
	}
	for _, f := range durationFields {
		if f.raw == "" {
			continue
		}
		secs, perr := strconv.Atoi(f.raw)
		if perr != nil {
			return Config{}, fmt.Errorf("parsing duration %q: %w", f.raw, perr)
		}
		*f.dst = time.Duration(secs) * time.Second
	}

	for i, raw := range tc.Options {
		opt, perr := parseOptionLine(raw)
		if perr != nil {
			return Config{}, fmt.Errorf("option %d: %w", i, perr)
		}
		conf.DefaultOptions = append(conf.DefaultOptions, opt)
	}

	return conf, nil
}

// loadLineConfig parses the legacy udhcpd.conf format: whitespace-separated
// key/value lines, "#" comments, case-insensitive keys.
func loadLineConfig(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, err
	}
	defer f.Close()

	var conf Config

	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Fields(line)
		key := strings.ToLower(fields[0])
		rest := strings.TrimSpace(strings.TrimPrefix(line, fields[0]))

		if err = applyLineDirective(&conf, key, rest); err != nil {
			return Config{}, fmt.Errorf("%s:%d: %w", path, lineNo, err)
		}
	}
	if err = scanner.Err(); err != nil && err != io.EOF {
		return Config{}, err
	}

	return conf, nil
}

func applyLineDirective(conf *Config, key, val string) (err error) {
	switch key {
	case "interface":
		conf.Interface = val
	case "start":
		conf.Start, err = parseAddrField(key, val)
	case "end":
		conf.End, err = parseAddrField(key, val)
	case "server":
		conf.ServerID, err = parseAddrField(key, val)
	case "siaddr":
		conf.SIAddr, err = parseAddrField(key, val)
	case "sname":
		conf.SName = val
	case "boot_file":
		conf.BootFile = val
	case "lease_file":
		conf.LeaseFile = val
	case "pidfile", "notify_file":
		// Accepted for compatibility with the legacy format and ignored;
		// the PID file comes from the -p flag, and there is no change
		// notification.
	case "max_leases":
		conf.MaxLeases, err = strconv.Atoi(val)
	case "remaining":
		// Legacy option controlling whether the remaining lease time or the
		// full lease time is sent in replies; this implementation always
		// sends the lease time granted by the current transaction and has
		// no toggle for it.
	case "lease", "lease_duration":
		conf.Lease, err = parseSecondsField(val)
	case "min_lease":
		conf.MinLease, err = parseSecondsField(val)
	case "offer_time":
		conf.OfferTime, err = parseSecondsField(val)
	case "decline_time":
		conf.DeclineHold, err = parseSecondsField(val)
	case "conflict_time":
		conf.ConflictTimeout, err = parseSecondsField(val)
	case "auto_time":
		conf.AutoSaveInterval, err = parseSecondsField(val)
	case "option", "opt":
		var opt DefaultOption
		opt, err = parseOptionLine(val)
		if err == nil {
			conf.DefaultOptions = append(conf.DefaultOptions, opt)
		}
	default:
		err = fmt.Errorf("unknown directive %q", key)
	}
	return err
}

func parseAddrField(name, val string) (netip.Addr, error) {
	a, err := netip.ParseAddr(val)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("parsing %s: %w", name, err)
	}
	return a, nil
}

func parseSecondsField(val string) (time.Duration, error) {
	secs, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("parsing duration: %w", err)
	}
	return time.Duration(secs) * time.Second, nil
}

// parseOptionLine parses one option directive's value in either of the two
// forms the spec recognizes:
//
//	DEC_CODE hex HEX_DATA
//	DEC_CODE ip IP_ADDR
func parseOptionLine(val string) (DefaultOption, error) {
	fields := strings.Fields(val)
	if len(fields) < 3 {
		return DefaultOption{}, errors.Error("option directive needs a code, a type, and a value")
	}

	code64, err := strconv.ParseUint(fields[0], 10, 8)
	if err != nil {
		return DefaultOption{}, fmt.Errorf("parsing option code: %w", err)
	}

	switch fields[1] {
	case "hex":
		data, herr := hex.DecodeString(fields[2])
		if herr != nil {
			return DefaultOption{}, fmt.Errorf("decoding hex option data: %w", herr)
		}
		return DefaultOption{Code: byte(code64), Data: data}, nil
	case "ip":
		ip, perr := netip.ParseAddr(fields[2])
		if perr != nil {
			return DefaultOption{}, fmt.Errorf("parsing ip option data: %w", perr)
		}
		v4 := ip.As4()
		return DefaultOption{Code: byte(code64), Data: v4[:]}, nil
	default:
		return DefaultOption{}, fmt.Errorf("unknown option value type %q", fields[1])
	}
}
