// Package provider maintains realtime transcription sessions against the
// upstream speech provider. It dials the provider's WebSocket endpoint with
// retry and backoff, coalesces PCM into provider-sized chunks, and surfaces
// upstream messages as typed events.
package provider
