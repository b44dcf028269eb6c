package utils

// Output schema
const SchemaVersion = "1.0"

// Retry defaults
const (
	DefaultMaxRetries   = 3
	DefaultRetryDelayMs = 1000
	MaxRetryDelayMs     = 32000
)

// Dropbox endpoints
const (
	DefaultDropboxAPIURL     = "https://api.dropboxapi.com/2"
	DefaultDropboxContentURL = "https://content.dropboxapi.com/2"
	DropboxTokenURL          = "https://api.dropboxapi.com/oauth2/token"
	DropboxAuthURL           = "https://www.dropbox.com/oauth2/authorize"

	HeaderSelectAdmin = "Dropbox-API-Select-Admin"
	HeaderPathRoot    = "Dropbox-API-Path-Root"
	HeaderAPIArg      = "Dropbox-API-Arg"
)

// Index defaults
const (
	DefaultIndexName       = "dropbox"
	DefaultBatchSize       = 1000
	MaxBatchSize           = 10000
	DefaultScanPageSize    = 10000
	DefaultScrollKeepAlive = "5m"
	DefaultScanRestarts    = 3
)

// Sync defaults
const (
	DefaultReportFile    = "dropbox-data.txt"
	FailurePolicyFast    = "fail-fast"
	FailurePolicyPartial = "partial"
)

// ObservedAtLayout is fixed width so observed_at sorts lexically
const ObservedAtLayout = "2006-01-02T15:04:05.000000Z"

// Keyring
const (
	KeyringService        = "dbxsync"
	KeyringDropboxToken   = "dropbox-token"
	KeyringDropboxRefresh = "dropbox-refresh-token"
	KeyringIndexPassword  = "index-password"
)
