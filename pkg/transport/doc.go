// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package transport delivers gateway messages to partner endpoints over
HTTPS.

The client POSTs a message's payload to the receiver's configured
endpoint with the business attributes carried as headers. Payloads are
gzip compressed on the wire unless compression is disabled.

# TLS Configuration

The client defaults to TLS 1.3 with fallback to TLS 1.2:

	client := transport.NewClient(&transport.ClientConfig{
	    MinTLSVersion: transport.TLS12,
	    Certificates:  []tls.Certificate{clientCert},
	    RootCAs:       certPool,
	})

For TLS 1.2, the following cipher suites are used:
  - TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384
  - TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256
  - TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384
  - TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256

# Usage

	client := transport.NewClient(nil)
	err := client.Send(ctx, "https://receiver.example.com/in", msg)

A nil error means the receiver acknowledged the message with a 2xx
response.

# References

  - TLS 1.3 RFC 8446: https://datatracker.ietf.org/doc/html/rfc8446
  - TLS 1.2 RFC 5246: https://datatracker.ietf.org/doc/html/rfc5246
*/
package transport
