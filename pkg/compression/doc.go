// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package compression provides GZIP payload compression.

The transport client uses it to compress payloads on the wire.

# Usage

Compress payloads before sending:

	compressor := compression.NewCompressor()
	compressed, err := compressor.Compress(payload)

Decompress received payloads:

	decompressed, err := compressor.Decompress(compressed)

# References

  - GZIP RFC 1952: https://datatracker.ietf.org/doc/html/rfc1952
*/
package compression
