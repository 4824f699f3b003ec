// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

// Package exchange derives the exchange context of a message: the leg
// configuration, pmode key, message partition channel and exchange
// pattern that govern its delivery. The context is derived from the
// message's business attributes against the current exchange
// configuration snapshot and is deterministic for a fixed snapshot.
package exchange
