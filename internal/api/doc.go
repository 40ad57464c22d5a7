// Package api defines the transport payloads shared by the daemon's HTTP
// surface and the CLI, plus the client the CLI talks to the daemon with.
package api
