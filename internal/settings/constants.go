package settings

// DB config keys and defaults for runtime settings.
const (
	// SiteNameKey is the DB config key for the display name.
	SiteNameKey = "SITE_NAME"
	// DefaultSiteName is the fallback display name.
	DefaultSiteName = "Metered Gateway"
	// GlobalDailyLimitKey caps each user's total spend per business day, 0 disables the cap.
	GlobalDailyLimitKey = "GLOBAL_DAILY_LIMIT"
	// RegistrationEnabledKey toggles self registration.
	RegistrationEnabledKey = "REGISTRATION_ENABLED"
	// DefaultBalanceKey is the balance granted to new users.
	DefaultBalanceKey = "DEFAULT_BALANCE"
	// MinRechargeAmountKey is the smallest recharge order accepted.
	MinRechargeAmountKey = "MIN_RECHARGE_AMOUNT"
	// UsageRetentionDaysKey is how many days of usage logs to keep, 0 keeps everything.
	UsageRetentionDaysKey = "USAGE_RETENTION_DAYS"
	// DefaultUsageRetentionDays keeps usage logs forever.
	DefaultUsageRetentionDays = 0
	// DefaultGlobalDailyLimit disables the global cap.
	DefaultGlobalDailyLimit = 0.0
	// DefaultRegistrationEnabled allows registration.
	DefaultRegistrationEnabled = true
	// DefaultMinRechargeAmount is the fallback minimum recharge.
	DefaultMinRechargeAmount = 1.0
)
