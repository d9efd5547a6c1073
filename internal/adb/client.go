package adb

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"os"
	"os/exec"
	"strings"
	"time"
)

// ErrDeviceNotFound is returned when no online device matches a serial.
var ErrDeviceNotFound = errors.New("device not found")

// Backend is a connection to an ADB server. Implementations need not be
// safe for concurrent use.
type Backend interface {
	// Status probes the server and returns its protocol version.
	Status(ctx context.Context) (int, error)
	Devices(ctx context.Context) ([]Device, error)
	// Device returns a handle to an online device.
	Device(ctx context.Context, serial string) (Target, error)
	Connect(ctx context.Context, addr netip.AddrPort) error
	Disconnect(ctx context.Context, addr netip.AddrPort) error
	Kill(ctx context.Context) error
}

// Target is a single device reachable through the ADB server.
type Target interface {
	Serial() string
	// Shell starts command and returns its raw output stream.
	Shell(ctx context.Context, command string) (io.ReadCloser, error)
	// Push copies src to remotePath on the device.
	Push(ctx context.Context, src io.Reader, remotePath string, mode os.FileMode) error
	// DialAbstract connects to a localabstract socket on the device.
	DialAbstract(ctx context.Context, name string) (net.Conn, error)
}

// Provider builds backends and starts the ADB server process.
type Provider interface {
	NewBackend() Backend
	StartServer(ctx context.Context) error
}

// Client talks the ADB smart-socket protocol to a server.
type Client struct {
	addr        string
	dialTimeout time.Duration
}

// NewClient returns a client for the server at addr (host:port).
func NewClient(addr string, dialTimeout time.Duration) *Client {
	return &Client{addr: addr, dialTimeout: dialTimeout}
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	d := net.Dialer{Timeout: c.dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, fmt.Errorf("dial adb server %s: %w", c.addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	return conn, nil
}

// query runs a one-shot host service that replies with a hex-length payload.
func (c *Client) query(ctx context.Context, req string) (string, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return "", err
	}
	defer conn.Close()

	if err := roundTrip(conn, req); err != nil {
		return "", err
	}
	return readHexString(conn)
}

func (c *Client) Status(ctx context.Context) (int, error) {
	payload, err := c.query(ctx, "host:version")
	if err != nil {
		return 0, err
	}
	var version int
	if _, err := fmt.Sscanf(payload, "%x", &version); err != nil {
		return 0, fmt.Errorf("invalid server version %q: %w", payload, err)
	}
	return version, nil
}

func (c *Client) Devices(ctx context.Context) ([]Device, error) {
	payload, err := c.query(ctx, "host:devices-l")
	if err != nil {
		return nil, err
	}
	return parseDevicesLong(payload)
}

func (c *Client) Device(ctx context.Context, serial string) (Target, error) {
	devices, err := c.Devices(ctx)
	if err != nil {
		return nil, err
	}
	for _, d := range devices {
		if d.Serial == serial && d.Online() {
			return &Transport{client: c, serial: serial}, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, serial)
}

func (c *Client) Connect(ctx context.Context, addr netip.AddrPort) error {
	msg, err := c.query(ctx, "host:connect:"+addr.String())
	if err != nil {
		return err
	}
	// adb answers OKAY even when the connection attempt failed
	if strings.HasPrefix(msg, "connected to") || strings.HasPrefix(msg, "already connected") {
		return nil
	}
	return &ServerError{Request: "host:connect", Message: msg}
}

func (c *Client) Disconnect(ctx context.Context, addr netip.AddrPort) error {
	_, err := c.query(ctx, "host:disconnect:"+addr.String())
	return err
}

func (c *Client) Kill(ctx context.Context) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	return roundTrip(conn, "host:kill")
}

// Transport opens device services through host:transport.
type Transport struct {
	client *Client
	serial string
}

func (t *Transport) Serial() string { return t.serial }

// open switches a fresh server connection to the device and requests service.
func (t *Transport) open(ctx context.Context, service string) (net.Conn, error) {
	conn, err := t.client.dial(ctx)
	if err != nil {
		return nil, err
	}
	if err := roundTrip(conn, "host:transport:"+t.serial); err != nil {
		conn.Close()
		return nil, err
	}
	if err := roundTrip(conn, service); err != nil {
		conn.Close()
		return nil, err
	}
	// streams outlive the request context
	_ = conn.SetDeadline(time.Time{})
	return conn, nil
}

func (t *Transport) Shell(ctx context.Context, command string) (io.ReadCloser, error) {
	return t.open(ctx, "shell:"+command)
}

func (t *Transport) Push(ctx context.Context, src io.Reader, remotePath string, mode os.FileMode) error {
	conn, err := t.open(ctx, "sync:")
	if err != nil {
		return err
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	// regular file type bits are required by adbd
	return syncSendFile(conn, src, remotePath, uint32(mode.Perm())|0o100000, time.Now())
}

func (t *Transport) DialAbstract(ctx context.Context, name string) (net.Conn, error) {
	return t.open(ctx, "localabstract:"+name)
}

// ClientProvider creates Clients and starts the server via the adb binary.
type ClientProvider struct {
	Addr        string
	BinaryPath  string
	DialTimeout time.Duration
}

func (p ClientProvider) NewBackend() Backend {
	return NewClient(p.Addr, p.DialTimeout)
}

func (p ClientProvider) StartServer(ctx context.Context) error {
	args := []string{"start-server"}
	if _, port, err := net.SplitHostPort(p.Addr); err == nil {
		args = append([]string{"-P", port}, args...)
	}
	out, err := exec.CommandContext(ctx, p.BinaryPath, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s start-server: %w: %s", p.BinaryPath, err, strings.TrimSpace(string(out)))
	}
	return nil
}
