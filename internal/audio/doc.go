// Package audio normalizes heterogeneous browser audio into canonical PCM.
// It classifies inbound buffers by container magic bytes, transcodes matching
// containers through an external ffmpeg process under a hard deadline, and
// provides WAV encoding helpers for session debug recordings.
package audio
