// Package output delivers envelopes drained from the correlator queue.
//
// Sinks:
//   - LogSink logs each envelope through logrus
//   - SpanSink turns syscalls into OpenTelemetry spans grouped per socket
//   - StreamSink writes the binary envelope format for an external consumer
//
// Consume pops the queue and feeds one Sink, usually a Multi.
package output
