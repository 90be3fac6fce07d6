package capability

import (
	"errors"
	"testing"

	"github.com/packd-io/packd/core/pack"
)

func enforcerWith(connect []string, listen bool) *Enforcer {
	return NewEnforcer("alpha", pack.Permissions{
		Network: pack.NetworkPermissions{Connect: connect, ListenLocalhost: listen},
	})
}

func TestCheckConnectDeniesByDefault(t *testing.T) {
	e := enforcerWith(nil, false)
	if err := e.CheckConnect("https://example.com/api"); !errors.Is(err, ErrCapabilityDenied) {
		t.Fatalf("expected ErrCapabilityDenied, got %v", err)
	}
}

func TestCheckConnectExactHost(t *testing.T) {
	e := enforcerWith([]string{"api.weather.gov"}, false)
	if err := e.CheckConnect("https://api.weather.gov/alerts"); err != nil {
		t.Fatalf("allowed host denied: %v", err)
	}
	if err := e.CheckConnect("https://api.weather.gov.evil.com/alerts"); !errors.Is(err, ErrCapabilityDenied) {
		t.Fatalf("suffix-spoofed host allowed: %v", err)
	}
	if err := e.CheckConnect("https://evil.com/api.weather.gov"); !errors.Is(err, ErrCapabilityDenied) {
		t.Fatalf("path-spoofed host allowed: %v", err)
	}
}

func TestCheckConnectHostWithPort(t *testing.T) {
	e := enforcerWith([]string{"redis.internal:6379"}, false)
	if err := e.CheckConnect("tcp://redis.internal:6379"); err != nil {
		t.Fatalf("allowed host:port denied: %v", err)
	}
	if err := e.CheckConnect("tcp://redis.internal:6380"); !errors.Is(err, ErrCapabilityDenied) {
		t.Fatalf("other port allowed: %v", err)
	}
}

func TestCheckConnectURLPrefix(t *testing.T) {
	e := enforcerWith([]string{"https://api.example.com/v1/"}, false)
	if err := e.CheckConnect("https://api.example.com/v1/items"); err != nil {
		t.Fatalf("prefixed url denied: %v", err)
	}
	if err := e.CheckConnect("https://api.example.com/v2/items"); !errors.Is(err, ErrCapabilityDenied) {
		t.Fatalf("non-matching prefix allowed: %v", err)
	}
}

func TestCheckConnectHostPathPrefix(t *testing.T) {
	e := enforcerWith([]string{"api.example.com/v1"}, false)
	if err := e.CheckConnect("https://api.example.com/v1/items"); err != nil {
		t.Fatalf("host/path prefix denied: %v", err)
	}
	if err := e.CheckConnect("http://api.example.com/v1"); err != nil {
		t.Fatalf("exact path denied: %v", err)
	}
	if err := e.CheckConnect("https://api.example.com/v2/items"); !errors.Is(err, ErrCapabilityDenied) {
		t.Fatalf("other path allowed: %v", err)
	}
	if err := e.CheckConnect("https://other.example.com/v1/items"); !errors.Is(err, ErrCapabilityDenied) {
		t.Fatalf("other host allowed: %v", err)
	}
}

func TestCheckConnectRejectsHostlessURL(t *testing.T) {
	e := enforcerWith([]string{"example.com"}, false)
	if err := e.CheckConnect("not a url"); !errors.Is(err, ErrCapabilityDenied) {
		t.Fatalf("expected ErrCapabilityDenied, got %v", err)
	}
}

func TestCheckListenLocalhost(t *testing.T) {
	if err := enforcerWith(nil, true).CheckListenLocalhost(); err != nil {
		t.Fatalf("granted listen denied: %v", err)
	}
	if err := enforcerWith(nil, false).CheckListenLocalhost(); !errors.Is(err, ErrCapabilityDenied) {
		t.Fatalf("expected ErrCapabilityDenied, got %v", err)
	}
}
