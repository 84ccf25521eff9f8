package consts

import "time"

// DefaultPort is the IANA assigned ManageSieve port (RFC 5804).
const DefaultPort = 4190

const (
	DefaultTimeout        = 30 * time.Second
	DefaultIdleInterval   = 5 * time.Minute
	DefaultConnectRetries = 3
	DefaultMaxRedirects   = 5
)

// DefaultScriptName is used by the CLI when a script is uploaded without an
// explicit name and the file name yields none.
const DefaultScriptName = "sieve"
