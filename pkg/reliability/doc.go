// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

// Package reliability drives the delivery state machine of the gateway.
//
// Every failed or undetermined delivery attempt is funneled through
// [Service.UpdateRetryLogging], which either schedules the next attempt
// or moves the message to its terminal SEND_FAILURE state. Failed
// messages can be brought back with [Service.RestoreFailedMessage],
// which grants a fresh attempt budget on top of the old one. All state
// transitions are applied as single atomic read-modify-writes against
// the delivery log, so a scheduler tick and a manual resend racing on
// the same message serialize instead of overwriting each other.
package reliability
