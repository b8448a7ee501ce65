package access

// Sensitive endpoints. A rate-limit trip on any of these also blocks the origin.
const (
	EndpointLogin              = "login"
	EndpointPasswordChange     = "password_change"
	EndpointAdminAccountCreate = "admin_account_create"
	EndpointSessionCreate      = "session_create"
)

// Denial reasons reported in Decision.Reason. Access rules that deny report
// their own name instead.
const (
	ReasonGranted              = "access_granted"
	ReasonInvalidRequest       = "invalid_request"
	ReasonOriginBlocked        = "origin_blocked"
	ReasonIdentityBlocked      = "identity_blocked"
	ReasonRateLimitExceeded    = "rate_limit_exceeded"
	ReasonNoApplicablePolicy   = "no_applicable_policy"
	ReasonPermissionDenied     = "permission_denied"
	ReasonInvalidCredentials   = "invalid_credentials"
	ReasonIPNotWhitelisted     = "ip_not_whitelisted"
	ReasonCriticalThreat       = "critical_threat_detected"
	ReasonRiskThresholdReached = "risk_threshold_exceeded"
	ReasonOutsideAllowedHours  = "outside_allowed_hours"
	ReasonLocationNotAllowed   = "location_not_allowed"
)

// Block reasons recorded on automatically created block records.
const (
	BlockReasonRateLimit     = "rate_limit_exceeded"
	BlockReasonAutoRisk      = "auto_block_risk_score"
	BlockReasonAdministrator = "administrative_block"
)

// Session termination reasons.
const (
	TerminationLogout        = "logout"
	TerminationExpired       = "expired"
	TerminationDeviceRevoked = "device_revoked"
	TerminationIdentityBlock = "identity_blocked"
	TerminationOriginBlock   = "origin_blocked"
)

// ActorSystem is recorded as the actor of automatic state changes.
const ActorSystem = "system"

// Permission wildcard matching every action.
const PermissionAny = "*"

// Store keys used for snapshots.
const (
	StoreKeyPolicies       = "accessguard:policies"
	StoreKeyAccessRules    = "accessguard:rules:access"
	StoreKeyDetectionRules = "accessguard:rules:detection"
	StoreKeyProfiles       = "accessguard:profiles"
	StoreKeySessions       = "accessguard:sessions"
	StoreKeyDevices        = "accessguard:devices"
	StoreKeyIdentityBlocks = "accessguard:blocks:identity"
	StoreKeyOriginBlocks   = "accessguard:blocks:origin"
	StoreKeyRateLimits     = "accessguard:ratelimit:history"
	StoreKeyActivities     = "accessguard:activities"
)
