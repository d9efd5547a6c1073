package adb

import (
	"bufio"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
)

// DefaultTCPPort is adbd's default port for devices in tcpip mode.
const DefaultTCPPort = 5555

// Device is one row of `adb devices -l`.
type Device struct {
	Serial      string `json:"serial"`
	State       string `json:"state"`
	Product     string `json:"product,omitempty"`
	Model       string `json:"model,omitempty"`
	Name        string `json:"device,omitempty"`
	TransportID int    `json:"transport_id,omitempty"`
}

// Online reports whether the device can accept service requests.
func (d Device) Online() bool {
	return d.State == "device"
}

// parseDevicesLong parses the host:devices-l payload. Unknown attributes are
// ignored.
func parseDevicesLong(payload string) ([]Device, error) {
	var devices []Device
	sc := bufio.NewScanner(strings.NewReader(payload))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) < 2 {
			return nil, fmt.Errorf("malformed device line %q", sc.Text())
		}

		d := Device{Serial: fields[0], State: fields[1]}
		for _, attr := range fields[2:] {
			key, value, ok := strings.Cut(attr, ":")
			if !ok {
				continue
			}
			switch key {
			case "product":
				d.Product = value
			case "model":
				d.Model = value
			case "device":
				d.Name = value
			case "transport_id":
				id, err := strconv.Atoi(value)
				if err != nil {
					return nil, fmt.Errorf("invalid transport_id %q: %w", value, err)
				}
				d.TransportID = id
			}
		}
		devices = append(devices, d)
	}
	return devices, sc.Err()
}

// ParseAddress parses an IPv4 device address. The port defaults to 5555.
func ParseAddress(s string) (netip.AddrPort, error) {
	s = strings.TrimSpace(s)
	if _, _, err := net.SplitHostPort(s); err != nil {
		s = net.JoinHostPort(s, strconv.Itoa(DefaultTCPPort))
	}

	ap, err := netip.ParseAddrPort(s)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("invalid device address %q: %w", s, err)
	}
	if !ap.Addr().Is4() {
		return netip.AddrPort{}, fmt.Errorf("device address %q is not IPv4", s)
	}
	return ap, nil
}
