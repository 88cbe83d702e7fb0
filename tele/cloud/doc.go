// Package cloud implements the fixed upstream protocol: stateless
// request/response calls over HTTPS and the persistent streaming channel
// over websocket carrying framed JSON.
//
// This package is protocol only. Connection state, retries and message
// ordering live in internal/tele, substitutable here at the
// Requester/Streamer boundary.
package cloud
