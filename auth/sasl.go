/*
Copyright 2023-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

// Package auth carries the credential providers handed to the connection
// layer.  The SASL handshake itself happens there; the routing core only
// selects which provider, if any, a bucket needs.
package auth

// SaslProvider supplies the credentials for a SASL mechanism.
type SaslProvider interface {
	Mechanism() string
	Credentials() (username string, password string)
}

// PlainProvider implements the PLAIN mechanism over a bucket name and
// password.
type PlainProvider struct {
	Name     string
	Password string
}

var _ SaslProvider = (*PlainProvider)(nil)

func (p *PlainProvider) Mechanism() string {
	return "PLAIN"
}

func (p *PlainProvider) Credentials() (string, string) {
	return p.Name, p.Password
}
