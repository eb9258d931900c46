// Package mls defines the group cryptography capability the messaging
// client is built around.
//
// The client treats the MLS primitive layer as an injected dependency: the
// CryptoEngine interface covers identity bootstrap, key-package issuance,
// group creation, member addition (producing welcomes), welcome processing,
// and application-message protection. BoxEngine is the bundled reference
// implementation, built on a Noise IK handshake for welcome sealing and a
// per-group secretbox key schedule. It keeps the same observable contract
// (epochs advance on membership change, welcomes admit exactly one group)
// so a full MLS stack can replace it behind the interface.
package mls
