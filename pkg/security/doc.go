/*
Package security handles the key material Spark uses to talk to the Lighthouse.

Spark does not use a certificate authority. Each machine holds one key pair
and the Lighthouse holds one; each side pins the other's public key.

# Files

	<KeysDir>/<machine>_private.sec             client certificate + RSA key (PEM, 0600)
	<KeysDir>/<machine>_lighthouse-server.pub   Lighthouse certificate or public key (PEM)

LoadClientKeyPair reads the first file, LoadPeerKey the second. Missing or
unreadable files yield a *KeyLoadError.

# Handshake

ClientTLSConfig and ServerTLSConfig build TLS 1.3 configurations in which chain
verification is replaced by a comparison of the peer's SubjectPublicKeyInfo
with the pinned key:

	┌──────────┐   client cert (pinned by Lighthouse)   ┌────────────┐
	│  Spark   │ ─────────────────────────────────────▶ │ Lighthouse │
	│          │ ◀───────────────────────────────────── │            │
	└──────────┘   server cert (pinned by Spark)        └────────────┘

A peer whose key does not match fails the handshake; nothing else about its
certificate (issuer, names, validity) is considered.

# Key generation

GenerateKeyPair creates a self-signed RSA 2048 certificate valid for both
client and server authentication, which "spark keygen" writes with
WriteKeyPair and WritePublicCert. CertNeedsRotation reports certificates
within 30 days of expiry.
*/
package security
