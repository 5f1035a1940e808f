package transport_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andrej220/ampctl/internal/profile"
	"github.com/andrej220/ampctl/internal/transport"
)

func TestErrorKindStrings(t *testing.T) {
	assert.Equal(t, "relay unreachable", transport.RelayUnreachable.String())
	assert.Equal(t, "target unreachable", transport.TargetUnreachable.String())
	assert.Equal(t, "auth rejected", transport.AuthRejected.String())
}

func TestConnectErrorWrapping(t *testing.T) {
	cause := errors.New("connection refused")
	err := &transport.ConnectError{Kind: transport.TargetUnreachable, Host: "10.0.0.9:22", Err: cause}

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "10.0.0.9:22")
	assert.Contains(t, err.Error(), "target unreachable")
}

func TestOpenDirectDialFailure(t *testing.T) {
	d := transport.NewDialer(nil)
	d.DialTimeout = 200 * time.Millisecond

	p := profile.Profile{
		Image:        "fdx-2.1",
		Username:     "admin",
		PromptMarker: ">$",
	}

	// Port 1 on loopback refuses immediately.
	_, err := d.Open(context.Background(), p, "127.0.0.1:1")
	require.Error(t, err)

	var cerr *transport.ConnectError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, transport.TargetUnreachable, cerr.Kind)
	assert.Equal(t, "127.0.0.1:1", cerr.Host)
}

func TestOpenRelayDialFailure(t *testing.T) {
	d := transport.NewDialer(nil)
	d.DialTimeout = 200 * time.Millisecond

	p := profile.Profile{
		Image:        "fdx-2.1",
		Username:     "admin",
		PromptMarker: ">$",
		Relay:        profile.Relay{Host: "127.0.0.1:1"},
	}

	_, err := d.Open(context.Background(), p, "10.0.0.9:22")
	require.Error(t, err)

	var cerr *transport.ConnectError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, transport.RelayUnreachable, cerr.Kind)
	assert.Equal(t, "127.0.0.1:1", cerr.Host)
}
