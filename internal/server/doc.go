// Package server implements the gateway HTTP surface: the WebSocket
// streaming entrypoint plus monitoring and management endpoints. Routing
// is handled by chi, request metrics by the shared Prometheus collectors.
package server
