package security

import (
	"errors"
	"fmt"
	"net/netip"
	"net/url"
	"strings"
)

var (
	errScheme = errors.New("scheme must be http or https")
	errNoHost = errors.New("missing host")
)

// internalHosts are names that always resolve inside the deployment.
var internalHosts = map[string]bool{
	"localhost":                true,
	"metadata.google":          true,
	"metadata.google.internal": true,
}

// ValidateEndpointURL accepts an absolute http(s) URL whose host is not
// an internal name or a literal non-public IP. Names are not resolved, so
// the result depends on the string alone.
func ValidateEndpointURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return errors.New("malformed URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errScheme
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return errNoHost
	}
	if internalHosts[host] {
		return fmt.Errorf("host %q is internal", host)
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		return publicAddr(addr.Unmap())
	}
	return nil
}

func publicAddr(a netip.Addr) error {
	var kind string
	switch {
	case a.IsLoopback():
		kind = "loopback"
	case a.IsPrivate():
		kind = "private"
	case a.IsLinkLocalUnicast(), a.IsLinkLocalMulticast():
		kind = "link-local"
	case a.IsUnspecified():
		kind = "unspecified"
	default:
		return nil
	}
	return fmt.Errorf("%s address %s not allowed", kind, a)
}
