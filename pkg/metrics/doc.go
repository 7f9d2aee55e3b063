// Package metrics exposes Prometheus collectors for channels, the resend
// module and the multiplexer.
//
// Collectors are registered on the Registerer passed to New, never on the
// global default registry. A nil *Metrics is valid and records nothing, so
// components can take one unconditionally:
//
//	reg := prometheus.NewRegistry()
//	m := metrics.New(reg)
//	ch := channel.NewClient(t, channel.WithMetrics(m))
package metrics
