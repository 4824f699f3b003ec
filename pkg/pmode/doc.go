// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package pmode implements the exchange-configuration model and resolver
for the gateway.

# Configuration Model

A [Configuration] is the immutable root aggregate for one tenant. It
owns the trading parties, business processes, services, actions,
agreements, leg configurations and message partition channels declared
in an exchange-configuration document. A configuration is built once by
[Parse], validated, and never mutated afterwards; a reload replaces it
wholesale.

# Resolver

The [Provider] owns the currently active configuration snapshot and
answers two kinds of questions:

  - structural queries: party by identifier, role by value, MPC
    existence and retention settings, leg by pmode key

  - leg matching: given a message's business attributes, which leg
    configuration governs its delivery (push and pull variants)

Matching failures distinguish "no process candidates" from "candidates
but no matching leg" via [ErrNoCandidate] and [ErrNoMatchingLeg]; both
are carried inside a [RoutingError].

# Concurrency

Provider.Load swaps the active configuration atomically. Readers take a
snapshot reference at the start of an operation and use it exclusively
for that operation's lifetime, so a concurrent reload never produces
inconsistent reads mid-operation.
*/
package pmode
