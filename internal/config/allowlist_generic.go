package config

// GenericAllowlist is the compile-time allowlist baked into the generic
// (no custom projection) enclave image. Building a new generic image for a
// different upstream means editing this file and rebuilding; the allowlist
// is part of the image and therefore part of PCR0.
var GenericAllowlist = Allowlist{
	{Hostname: "jsonplaceholder.typicode.com", ProxyPort: 8443, Transport: TransportTLS},
}
