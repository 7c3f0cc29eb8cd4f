// Package mtls is the transport trust gate: it turns a verified client
// certificate into a typed caller identity and enforces the caller
// allow-list before any application handler runs.
package mtls

import (
	"crypto/tls"
	"errors"
	"strings"
	"time"
)

var (
	ErrNoTLS             = errors.New("connection is not TLS")
	ErrNoClientCert      = errors.New("no verified client certificate")
	ErrEmptyCommonName   = errors.New("client certificate has no common name")
	ErrCallerNotAllowed  = errors.New("caller not in allow-list")
	ErrCallerUnavailable = errors.New("no caller identity on request")
)

// CallerIdentity is the authenticated transport peer.
type CallerIdentity struct {
	CommonName   string
	SerialNumber string
	NotAfter     time.Time
}

// IdentityFromTLS extracts the caller from a TLS connection state. Only a
// certificate that passed chain verification counts; a presented but
// unverified certificate is the same as none.
func IdentityFromTLS(state *tls.ConnectionState) (CallerIdentity, error) {
	if state == nil {
		return CallerIdentity{}, ErrNoTLS
	}
	if len(state.VerifiedChains) == 0 || len(state.PeerCertificates) == 0 {
		return CallerIdentity{}, ErrNoClientCert
	}
	leaf := state.PeerCertificates[0]
	cn := strings.TrimSpace(leaf.Subject.CommonName)
	if cn == "" {
		return CallerIdentity{}, ErrEmptyCommonName
	}
	id := CallerIdentity{CommonName: cn, NotAfter: leaf.NotAfter}
	if leaf.SerialNumber != nil {
		id.SerialNumber = leaf.SerialNumber.String()
	}
	return id, nil
}

// AllowList is a set of permitted caller common names.
type AllowList map[string]struct{}

func NewAllowList(names []string) AllowList {
	list := make(AllowList, len(names))
	for _, n := range names {
		if n = strings.TrimSpace(n); n != "" {
			list[n] = struct{}{}
		}
	}
	return list
}

func (a AllowList) Allows(cn string) bool {
	_, ok := a[cn]
	return ok
}
