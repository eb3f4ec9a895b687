/*
Package lighthouse implements the secure channel between Spark and its
Lighthouse scheduler.

A Channel owns exactly one gRPC client connection. Both sides authenticate
with key pairs: Spark presents the certificate from <machine>_private.sec and
accepts only a server whose public key matches <machine>_lighthouse-server.pub.
There is no certificate authority involved; trust is the key pin.

Every exchange is a single unary call carrying one UTF-8 JSON frame in a
google.protobuf.StringValue. The machine name travels as the connection
identity (user agent and x-spark-identity metadata) so the Lighthouse can
attribute requests in its logs.

	ch, err := lighthouse.Open(cfg, identity)
	if err != nil {
		return err
	}
	defer ch.Close()

	out := ch.SendAndAwait(ctx, request, 8*time.Second)
	switch out.Status {
	case lighthouse.Delivered:
		// out.Reply holds the reply frame, possibly empty
	case lighthouse.Expired:
		// Lighthouse unreachable or slow
	case lighthouse.Terminated:
		// shutting down
	}

SendAndAwait never retries; retry and backoff policy belongs to the engine.
Only one request may be outstanding per Channel.

RegisterServer exposes the same wire contract for a Go implementation of
the Lighthouse side.
*/
package lighthouse
