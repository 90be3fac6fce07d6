package capability

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/packd-io/packd/core/pack"
)

// ErrCapabilityDenied marks a runtime request the manifest never
// granted. Denials are terminal for the requesting operation.
var ErrCapabilityDenied = errors.New("capability denied")

// Enforcer answers runtime capability questions against one pack's
// declared permissions. Deny by default: an empty allow-list denies
// everything.
type Enforcer struct {
	packID string
	perms  pack.Permissions
}

// NewEnforcer binds an enforcer to a pack's permissions.
func NewEnforcer(packID string, perms pack.Permissions) *Enforcer {
	return &Enforcer{packID: packID, perms: perms}
}

// CheckConnect validates an outbound request destination. An allow-list
// entry matches on the exact host, exact host:port, a host/path prefix,
// or as an explicit URL prefix when the entry carries a scheme.
func (e *Enforcer) CheckConnect(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: pack %s: unparseable url %q", ErrCapabilityDenied, e.packID, rawURL)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: pack %s: url %q has no host", ErrCapabilityDenied, e.packID, rawURL)
	}
	for _, allowed := range e.perms.Network.Connect {
		if matchesConnect(u, rawURL, allowed) {
			return nil
		}
	}
	return fmt.Errorf("%w: pack %s: connect to %s not in allow-list", ErrCapabilityDenied, e.packID, u.Host)
}

// CheckListenLocalhost validates a request to open a localhost listener.
func (e *Enforcer) CheckListenLocalhost() error {
	if e.perms.Network.ListenLocalhost {
		return nil
	}
	return fmt.Errorf("%w: pack %s: listen_localhost not granted", ErrCapabilityDenied, e.packID)
}

func matchesConnect(u *url.URL, rawURL, allowed string) bool {
	allowed = strings.TrimSpace(allowed)
	if allowed == "" {
		return false
	}
	// Entries with a scheme are explicit URL prefixes.
	if strings.Contains(allowed, "://") {
		return strings.HasPrefix(rawURL, allowed)
	}
	// Scheme-less entries with a path constrain the host and path prefix.
	if host, pathPrefix, ok := strings.Cut(allowed, "/"); ok {
		if u.Host != host && u.Hostname() != host {
			return false
		}
		return strings.HasPrefix(u.Path, "/"+pathPrefix)
	}
	if u.Host == allowed || u.Hostname() == allowed {
		return true
	}
	return false
}
