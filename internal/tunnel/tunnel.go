// Package tunnel exposes a local handler on a public ngrok URL.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"net"

	"golang.ngrok.com/ngrok"
	"golang.ngrok.com/ngrok/config"
)

// ErrNoAuthToken is returned when no ngrok auth token is configured.
var ErrNoAuthToken = errors.New("no ngrok auth token configured (set COMFYRELAY_TUNNEL_AUTH_TOKEN or `comfyrelay config set-secret tunnel.auth_token`)")

type Config struct {
	AuthToken string
	// Domain requests a reserved ngrok domain. Empty means a random one.
	Domain string
}

// Listener is a public tunnel endpoint. Accepted connections arrive from
// ngrok; URL is the address clients use.
type Listener interface {
	net.Listener
	URL() string
}

// Open starts an HTTPS endpoint on ngrok and returns it as a listener. The
// session ends when ctx ends or the listener is closed.
func Open(ctx context.Context, cfg Config) (Listener, error) {
	if cfg.AuthToken == "" {
		return nil, ErrNoAuthToken
	}

	var opts []config.HTTPEndpointOption
	if cfg.Domain != "" {
		opts = append(opts, config.WithDomain(cfg.Domain))
	}

	tun, err := ngrok.Listen(ctx,
		config.HTTPEndpoint(opts...),
		ngrok.WithAuthtoken(cfg.AuthToken),
	)
	if err != nil {
		return nil, fmt.Errorf("opening ngrok tunnel: %w", err)
	}
	return tun, nil
}
