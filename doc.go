// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package gogateway implements the messaging core of an AS4/ebMS3
business-to-business gateway: exchange-configuration resolution,
reception-awareness retries, pull coordination and payload
fragmentation.

# Overview

go-gateway tracks every accepted message through a delivery log state
machine. A message is submitted, matched against the loaded exchange
configuration (processing modes in the Domibus dialect), and then
either queued for push delivery or parked until the responder pulls
it. Failed push attempts are rescheduled according to the leg's
reception-awareness retry policy until the attempt budget or the retry
window runs out.

# Package Structure

The module is organized into the following packages:

	github.com/sirosfoundation/go-gateway/pkg/pmode       - Exchange configuration (processing modes)
	github.com/sirosfoundation/go-gateway/pkg/exchange    - Message-to-leg context resolution
	github.com/sirosfoundation/go-gateway/pkg/reliability - Retry state machine and restore/resend
	github.com/sirosfoundation/go-gateway/pkg/mep         - Message exchange patterns
	github.com/sirosfoundation/go-gateway/pkg/transport   - HTTPS delivery client with TLS 1.2/1.3
	github.com/sirosfoundation/go-gateway/pkg/compression - GZIP payload compression

Supporting infrastructure lives under internal/:

	internal/submit    - Message acceptance
	internal/sender    - Background delivery worker
	internal/pull      - Pull lock coordination
	internal/fragment  - Payload fragmentation groups
	internal/scheduler - Retry and cleanup passes
	internal/storage   - Delivery log, message and lock stores (memory, MongoDB)
	internal/server    - Admin HTTP API
	internal/tenant    - Per-tenant configuration providers

# Quick Start

To accept and deliver a message:

	provider := pmode.NewProvider(pmode.ProviderConfig{})
	provider.Load(ctx, configurationXML)

	contexts := exchange.NewContextBuilder(exchange.ContextBuilderConfig{Provider: provider})
	submitter := submit.NewService(submit.Config{
	    Messages:   store,
	    Logs:       store,
	    Contexts:   contexts,
	    Dispatcher: queue.SendDispatcher{Queue: sendQueue},
	})
	id, err := submitter.Submit(ctx, msg, false)

See examples/basic for a complete push round trip and cmd/gateway for
the daemon.

# References

  - OASIS AS4 Profile of ebMS 3.0 Version 1.0: https://docs.oasis-open.org/ebxml-msg/ebms/v3.0/profiles/AS4-profile/v1.0/
  - OASIS ebXML Messaging Services v3.0: https://docs.oasis-open.org/ebxml-msg/ebms/v3.0/core/os/
  - Domibus: https://ec.europa.eu/digital-building-blocks/wikis/display/DIGITAL/Domibus

# License

BSD-2-Clause License
*/
package gogateway
