// Package protocol encodes job requests and job status messages and decodes
// job assignments exchanged with the Lighthouse. It performs no I/O.
package protocol
