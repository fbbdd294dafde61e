// Package tlsutil builds the TLS settings shared by the HTTPS listener,
// the health check client and rediss:// connections: TLS 1.2 minimum and
// AEAD cipher suites only.
package tlsutil
