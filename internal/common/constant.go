package common

// AccessTokenHeaderName is the gRPC metadata key carrying the per-boot
// session token on calls across the local boundary.
const AccessTokenHeaderName = "access_token"

// Default locations of the terminal's files.
const (
	DefaultDataDir    = "/var/lib/poskeeper"
	DefaultSocketName = "terminal.sock"
)

// CredentialTTLDays is the fixed lifetime of a cached offline credential.
const CredentialTTLDays = 30

// SessionTokenPath is the file next to the terminal socket that holds the
// session token for local clients.
func SessionTokenPath(socket string) string { return socket + ".token" }
