// Package auth provides an optional username/password
// contract.AuthenticateFunc implementation backed by Argon2 password
// hashes, for deployments that want credential checking without writing
// their own hook.
package auth

import (
	"github.com/matthewhartstonge/argon2"

	"github.com/studiolambda/ember/contract"
)

// Config aliases argon2.Config so callers don't need to import the
// argon2 package directly just to tune hashing cost.
type Config = argon2.Config

// CredentialLookup resolves username to its stored Argon2-encoded
// password hash. ok is false when no such user exists.
type CredentialLookup func(username string) (hash []byte, ok bool, err error)

// CredentialAuthenticator is a contract.AuthenticateFunc-compatible
// verifier that checks a CONNECT packet's username/password against a
// hash returned by CredentialLookup.
type CredentialAuthenticator struct {
	config Config
	lookup CredentialLookup
}

// NewCredentialAuthenticator builds an authenticator using Argon2's
// default hashing configuration.
func NewCredentialAuthenticator(lookup CredentialLookup) *CredentialAuthenticator {
	return NewCredentialAuthenticatorWith(lookup, argon2.DefaultConfig())
}

// NewCredentialAuthenticatorWith builds an authenticator with an
// explicit Argon2 configuration, for callers who need to tune memory or
// iteration cost.
func NewCredentialAuthenticatorWith(lookup CredentialLookup, config Config) *CredentialAuthenticator {
	return &CredentialAuthenticator{config: config, lookup: lookup}
}

// Authenticate satisfies contract.AuthenticateFunc. A username with no
// matching stored hash is rejected without error; a malformed stored
// hash or an empty password is surfaced as an error.
func (a *CredentialAuthenticator) Authenticate(_ contract.ClientSession, username, password string) (bool, error) {
	hash, ok, err := a.lookup(username)
	if err != nil {
		return false, err
	}

	if !ok {
		return false, nil
	}

	return argon2.VerifyEncoded([]byte(password), hash)
}

// Hash encodes password using this authenticator's configuration, for
// use by whatever writes CredentialLookup's backing store.
func (a *CredentialAuthenticator) Hash(password string) ([]byte, error) {
	return a.config.HashEncoded([]byte(password))
}
