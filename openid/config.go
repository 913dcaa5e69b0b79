package openid

import (
	"crypto/rand"
	"fmt"
)

// Options configures a new Engine. ProviderEndpoint and CheckAuth are
// required; everything else has a sane default (see withDefaults).
type Options struct {
	// ProviderEndpoint is this OP's absolute URL, used as both the
	// discovery URI and the base of claimed_id/identity values.
	ProviderEndpoint string

	// CheckAuth authenticates the end user for checkid_setup and
	// checkid_immediate requests. Required.
	CheckAuth AuthHandlerFunc

	// AssociationStore defaults to an in-memory store.
	AssociationStore AssociationStore
	// NonceStore defaults to an in-memory store.
	NonceStore NonceStore

	// AssociationExpirySecs defaults to 30.
	AssociationExpirySecs int
	// NonceExpirySecs defaults to 30.
	NonceExpirySecs int

	// ContextSecret signs the opaque Context token handed to the auth
	// handler. Random per-process if left nil; supply one explicitly to
	// let Contexts survive a process restart.
	ContextSecret []byte
}

func (o Options) withDefaults() (Options, error) {
	if o.ProviderEndpoint == "" {
		return o, fmt.Errorf("openid: ProviderEndpoint is required")
	}
	if o.CheckAuth == nil {
		return o, fmt.Errorf("openid: CheckAuth is required")
	}
	if o.AssociationStore == nil {
		o.AssociationStore = NewMemoryAssociationStore()
	}
	if o.NonceStore == nil {
		o.NonceStore = NewMemoryNonceStore()
	}
	if o.AssociationExpirySecs == 0 {
		o.AssociationExpirySecs = 30
	}
	if o.NonceExpirySecs == 0 {
		o.NonceExpirySecs = 30
	}
	if o.ContextSecret == nil {
		secret := make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return o, fmt.Errorf("openid: generate context secret: %w", err)
		}
		o.ContextSecret = secret
	}
	return o, nil
}
