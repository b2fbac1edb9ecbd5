// Package metrics exposes the daemon's protocol counters.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	HandshakesVerified prometheus.Counter
	SignatureFailures  prometheus.Counter
	MessagesSent       prometheus.Counter
	MessagesReceived   prometheus.Counter
	DecryptFailures    prometheus.Counter
	EnvelopesSwept     prometheus.Counter
	DestroysSent       prometheus.Counter
	DestroysReceived   prometheus.Counter
	FramesRateLimited  prometheus.Counter
}

// New registers the protocol counters on reg. Passing nil yields a Metrics
// that counts into unregistered collectors, which tests use freely.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HandshakesVerified: counter("ember_handshakes_verified_total", "Identity assertions accepted."),
		SignatureFailures:  counter("ember_signature_failures_total", "Identity assertions dropped for bad signatures."),
		MessagesSent:       counter("ember_messages_sent_total", "Messages sent to peers."),
		MessagesReceived:   counter("ember_messages_received_total", "Messages received from peers."),
		DecryptFailures:    counter("ember_decrypt_failures_total", "Inbound messages dropped for failed decryption."),
		EnvelopesSwept:     counter("ember_envelopes_swept_total", "Expired self-destruct envelopes deleted by the sweeper."),
		DestroysSent:       counter("ember_destroy_commands_sent_total", "Destroy commands issued to peers."),
		DestroysReceived:   counter("ember_destroy_commands_received_total", "Destroy commands serviced for peers."),
		FramesRateLimited:  counter("ember_frames_rate_limited_total", "Inbound frames dropped by the per-peer rate limiter."),
	}
	if reg != nil {
		reg.MustRegister(
			m.HandshakesVerified, m.SignatureFailures,
			m.MessagesSent, m.MessagesReceived, m.DecryptFailures,
			m.EnvelopesSwept, m.DestroysSent, m.DestroysReceived,
			m.FramesRateLimited,
		)
	}
	return m
}

func counter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help})
}
