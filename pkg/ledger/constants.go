package ledger

const (
	operationGrant           = "grant"
	operationConsume         = "consume"
	operationRefund          = "refund"
	operationAdminGrant      = "admin_grant"
	operationAdminDeduct     = "admin_deduct"
	operationSetExactBalance = "set_exact_balance"
	operationSweep           = "sweep"
	operationResyncCache     = "resync_cache"
	operationMirrorBalance   = "mirror_balance"

	operationStatusOK       = "ok"
	operationStatusError    = "error"
	operationStatusRejected = "rejected"

	defaultMetadataJSON = "{}"
	cacheKeyPrefix      = "user:"
	cacheKeySuffix      = ":balance"

	sourceIDDelimiter    = ":"
	sourceIDPrefixAdmin  = "admin"
	sourceIDPrefixRefund = "refund"

	subscriptionStatusActive = "active"

	metadataKeyFromExpiring  = "consumed_from_expiring"
	metadataKeyFromPermanent = "consumed_from_permanent"
	metadataKeyGrantCount    = "grant_count"
	metadataKeyReason        = "reason"
	metadataKeyAdminID       = "admin_id"
	metadataKeyGrantID       = "grant_id"
	metadataKeyReference     = "reference"
	metadataKeyTarget        = "target_balance"

	// DefaultListLimit is used when callers pass a non-positive limit.
	DefaultListLimit = 50
	// MaxListLimit caps transaction listings.
	MaxListLimit = 200

	defaultSweepBatchSize = 500
)
