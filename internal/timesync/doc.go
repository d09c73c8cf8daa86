// Package timesync converts the monotonic timestamps carried by kernel
// syscall records and envelopes into wall-clock time.
package timesync
