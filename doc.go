// Package tlcp implements the client-side core of the Text-based Live
// Connections Protocol (TLCP) v2.4.0 over a full-duplex, text-framed
// transport such as WebSocket.
//
// It establishes and maintains a streaming session with a server,
// multiplexes one or more MERGE-mode subscriptions over that session,
// decodes incremental field updates, reconstructs per-item field state,
// and delivers materialized updates to application-provided listeners.
//
// Ref: https://www.lightstreamer.com/sdks/ls-generic-client/2.4.0/TLCP%20Specifications.pdf
//
// Note: this package implements the client core only. Credential
// sources, proxy configuration and TLS parameter wiring are the caller's
// responsibility. The default dialer is [DialWebSocket]; a caller can
// supply its own [TransportFactory] with [WithTransportFactory].
package tlcp
