package network

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/hyperengineering/tether/internal/types"
)

// StaticProber always answers with State, or Err when set.
type StaticProber struct {
	State types.ConnectivityState
	Err   error
}

func (p StaticProber) Probe(context.Context) (types.ConnectivityState, error) {
	return p.State, p.Err
}

// iface is the subset of an OS interface the prober inspects.
type iface struct {
	name     string
	up       bool
	loopback bool
	addrs    int
}

// InterfaceProber reports Connected when a non-loopback interface is up and
// carries an address.
type InterfaceProber struct {
	list func() ([]iface, error)
}

// NewInterfaceProber probes the host's network interfaces.
func NewInterfaceProber() *InterfaceProber {
	return &InterfaceProber{list: systemInterfaces}
}

func systemInterfaces() ([]iface, error) {
	ifs, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	out := make([]iface, 0, len(ifs))
	for _, i := range ifs {
		addrs, err := i.Addrs()
		if err != nil {
			continue
		}
		out = append(out, iface{
			name:     i.Name,
			up:       i.Flags&net.FlagUp != 0,
			loopback: i.Flags&net.FlagLoopback != 0,
			addrs:    len(addrs),
		})
	}
	return out, nil
}

// Probe prefers ethernet, then wifi, then cellular when several interfaces
// are usable.
func (p *InterfaceProber) Probe(context.Context) (types.ConnectivityState, error) {
	ifs, err := p.list()
	if err != nil {
		return types.Disconnected(), fmt.Errorf("list interfaces: %w", err)
	}

	best := types.InterfaceKind("")
	for _, i := range ifs {
		if !i.up || i.loopback || i.addrs == 0 {
			continue
		}
		kind := ClassifyInterface(i.name)
		if best == "" || rank(kind) < rank(best) {
			best = kind
		}
	}
	if best == "" {
		return types.Disconnected(), nil
	}
	return types.Connected(best), nil
}

func rank(k types.InterfaceKind) int {
	switch k {
	case types.InterfaceEthernet:
		return 0
	case types.InterfaceWiFi:
		return 1
	case types.InterfaceCellular:
		return 2
	default:
		return 3
	}
}

// ClassifyInterface guesses the interface kind from its OS name.
func ClassifyInterface(name string) types.InterfaceKind {
	n := strings.ToLower(name)
	switch {
	case strings.HasPrefix(n, "wlan"), strings.HasPrefix(n, "wl"), strings.HasPrefix(n, "wifi"):
		return types.InterfaceWiFi
	case strings.HasPrefix(n, "rmnet"), strings.HasPrefix(n, "wwan"), strings.HasPrefix(n, "pdp_ip"), strings.HasPrefix(n, "ccmni"):
		return types.InterfaceCellular
	case strings.HasPrefix(n, "eth"), strings.HasPrefix(n, "en"):
		return types.InterfaceEthernet
	default:
		return types.InterfaceOther
	}
}

// HTTPProber confirms an interface-level answer by reaching a health URL.
// Any response below 500 counts as reachable.
type HTTPProber struct {
	Base   Prober
	URL    string
	Client *http.Client
}

// NewHTTPProber layers a health check of url over base.
func NewHTTPProber(base Prober, url string, timeout time.Duration) *HTTPProber {
	return &HTTPProber{Base: base, URL: url, Client: &http.Client{Timeout: timeout}}
}

func (p *HTTPProber) Probe(ctx context.Context) (types.ConnectivityState, error) {
	s := types.Connected(types.InterfaceOther)
	if p.Base != nil {
		var err error
		if s, err = p.Base.Probe(ctx); err != nil || !s.Connected {
			return types.Disconnected(), err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return types.Disconnected(), fmt.Errorf("build probe request: %w", err)
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return types.Disconnected(), fmt.Errorf("probe %s: %w", p.URL, err)
	}
	resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return types.Disconnected(), nil
	}
	return s, nil
}
