// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package mep defines Message Exchange Patterns for the exchange gateway.

An exchange-configuration process binds one MEP and one binding. The
binding decides who initiates the transfer:

One-Way/Push:

  - Sender transmits the message to the receiver's MSH

  - Receiver responds with a receipt signal

  - Most common pattern for document exchange

One-Way/Pull:

  - Receiver retrieves the message from a message partition channel
    on the sender's MSH

  - Used when the receiver cannot accept inbound connections

The URI constants follow the OASIS ebMS 3.0 core specification and are
the values carried in the exchange-configuration document.
*/
package mep
