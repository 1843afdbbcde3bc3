// Package netutil picks local addresses for advertised URLs.
package netutil

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
)

var ErrNoAddress = errors.New("no usable IPv4 address")

// FirstUsableIPv4 returns the first non-loopback IPv4 address of an
// interface that is up.
func FirstUsableIPv4() (string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "", err
	}
	for _, iface := range ifaces {
		if iface.Flags&(net.FlagUp|net.FlagLoopback) != net.FlagUp {
			continue
		}
		addrs, _ := iface.Addrs()
		if ip := firstIPv4(addrs); ip != "" {
			return ip, nil
		}
	}
	return "", ErrNoAddress
}

func firstIPv4(addrs []net.Addr) string {
	for _, a := range addrs {
		if ipn, ok := a.(*net.IPNet); ok {
			if ip := ipn.IP.To4(); ip != nil && !ip.IsLoopback() {
				return ip.String()
			}
		}
	}
	return ""
}

// LocalIPFor returns the local address the system routes to rawURL's host
// through. No packet is sent.
func LocalIPFor(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	host := u.Hostname()
	if host == "" {
		return "", fmt.Errorf("no host in %q", rawURL)
	}
	c, err := net.Dial("udp", net.JoinHostPort(host, "9"))
	if err != nil {
		return "", err
	}
	defer c.Close()
	return c.LocalAddr().(*net.UDPAddr).IP.String(), nil
}

// BaseURL joins ip and port into an http URL without a trailing slash.
func BaseURL(ip string, port int) string {
	return "http://" + net.JoinHostPort(ip, strconv.Itoa(port))
}
