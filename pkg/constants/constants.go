package constants

import "time"

const (
	DesignPrefix    = "_design/"
	MigrationSuffix = "_migration"

	// DigestField holds the canonical digest inside a stored design document.
	DigestField = "couchmodel-hash"
	IDField     = "_id"
	RevField    = "_rev"

	DefaultTypeKey       = "type"
	DefaultLanguage      = "javascript"
	DefaultStoreTimeout  = 10 * time.Second
	DefaultMaxProxyDepth = 16
	DefaultWorkers       = 1

	RevisionTokenLength = 16
)

var (
	HTTPScheme       = "http"
	HTTPSecureScheme = "https"
)
