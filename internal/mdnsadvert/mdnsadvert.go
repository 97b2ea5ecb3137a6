// Package mdnsadvert advertises this Query Service instance over DNS-SD
// as "_nmos-query._tcp", so NMOS nodes can discover it without static
// configuration. A service running in mixed HTTPS mode registers two
// concurrent adverts, one per proto, sharing everything but instance name,
// port and api_proto.
package mdnsadvert

import (
	"fmt"
	"os"

	"github.com/libp2p/zeroconf/v2"

	"github.com/nmos-tools/queryservice/internal/config"
	"github.com/nmos-tools/queryservice/internal/logger"
)

const serviceType = "_nmos-query._tcp"

// Advertiser owns the zeroconf server(s) registered for this instance and
// stops them on Close.
type Advertiser struct {
	servers []*zeroconf.Server
}

// Start registers one advert (or two, under mixed https_mode) for this
// instance. Each advert's instance name is the hostname with an "_http"
// or "_https" suffix.
func Start(cfg config.Config, versions []string, httpPort, httpsPort int) (*Advertiser, error) {
	priority := cfg.Priority
	apiVer := joinVersions(versions)

	host, err := os.Hostname()
	if err != nil {
		host = "queryservice"
	}

	adv := &Advertiser{}

	if cfg.HTTPSMode != config.HTTPSEnabled {
		server, err := register(host+"_http", httpPort, priority, apiVer, "http")
		if err != nil {
			return nil, fmt.Errorf("mdnsadvert: register http advert: %w", err)
		}
		adv.servers = append(adv.servers, server)
	}

	if cfg.HTTPSMode != config.HTTPSDisabled {
		server, err := register(host+"_https", httpsPort, priority, apiVer, "https")
		if err != nil {
			adv.Close()
			return nil, fmt.Errorf("mdnsadvert: register https advert: %w", err)
		}
		adv.servers = append(adv.servers, server)
	}

	return adv, nil
}

func register(instance string, port, priority int, apiVer, proto string) (*zeroconf.Server, error) {
	txt := []string{
		fmt.Sprintf("pri=%d", priority),
		fmt.Sprintf("api_ver=%s", apiVer),
		fmt.Sprintf("api_proto=%s", proto),
	}
	server, err := zeroconf.Register(instance, serviceType, "local.", port, txt, nil)
	if err != nil {
		return nil, err
	}
	logger.MDNS().Info().Str("instance", instance).Int("port", port).Str("proto", proto).Msg("mdns advert registered")
	return server, nil
}

func joinVersions(versions []string) string {
	out := ""
	for i, v := range versions {
		if i > 0 {
			out += ","
		}
		out += v
	}
	return out
}

// Close shuts down every registered advert.
func (a *Advertiser) Close() {
	for _, s := range a.servers {
		s.Shutdown()
	}
	a.servers = nil
}
