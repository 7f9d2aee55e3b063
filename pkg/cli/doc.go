// Package cli implements the lime command: a server that accepts sessions
// over TCP, WebSocket, QUIC and MQTT, and clients that send messages and pings
// to it.
package cli
