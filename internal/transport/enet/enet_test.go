package enet

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cory-johannsen/gtserver/internal/transport"
)

func TestResolveHost_Literal(t *testing.T) {
	ip, err := resolveHost("0.0.0.0")
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0", ip)
}

func TestResolveHost_Localhost(t *testing.T) {
	ip, err := resolveHost("localhost")
	require.NoError(t, err)
	assert.NotEmpty(t, ip)
}

func TestResolveHost_Invalid(t *testing.T) {
	_, err := resolveHost("host.invalid")
	assert.Error(t, err)
}

func TestHost_LookupRejectsForeignPeer(t *testing.T) {
	h := &Host{}
	_, err := h.lookup(foreignPeer{})
	assert.Error(t, err)
}

type foreignPeer struct{}

func (foreignPeer) ConnectionID() uint32 { return 1 }
func (foreignPeer) Address() string      { return "127.0.0.1:1" }

type fakeCoder struct {
	calls int
	err   error
}

func (f *fakeCoder) CompressWithRangeCoder() error {
	f.calls++
	return f.err
}

func TestConfigureHost_Compression(t *testing.T) {
	on := &fakeCoder{}
	require.NoError(t, configureHost(on, transport.BindConfig{Compress: true}))
	assert.Equal(t, 1, on.calls)

	off := &fakeCoder{}
	require.NoError(t, configureHost(off, transport.BindConfig{}))
	assert.Equal(t, 0, off.calls)
}

func TestConfigureHost_CompressionFailure(t *testing.T) {
	cause := errors.New("out of memory")
	err := configureHost(&fakeCoder{err: cause}, transport.BindConfig{Compress: true})
	assert.ErrorIs(t, err, cause)
}
