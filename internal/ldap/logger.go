package ldap

import (
	"context"
	"errors"
	"maps"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/terraform-plugin-log/tflog"
)

// Logging subsystems.
const (
	SubsystemLDAP     = "ldap"
	SubsystemReferral = "referral"
	SubsystemPool     = "pool"
	SubsystemKerberos = "kerberos"
)

// NewLoggingContext registers every subsystem on ctx with levels read from
// <envPrefix>_<SUBSYSTEM>, e.g. LDAPCHECK_LOG_LDAP.
func NewLoggingContext(ctx context.Context, envPrefix string) context.Context {
	for _, subsystem := range []string{SubsystemLDAP, SubsystemReferral, SubsystemPool, SubsystemKerberos} {
		ctx = tflog.NewSubsystem(ctx, subsystem,
			tflog.WithLevelFromEnv(envPrefix, strings.ToUpper(subsystem)),
			tflog.WithRootFields(),
		)
	}
	return ctx
}

// LogOperation is a helper function to log an operation with timing.
func LogOperation(ctx context.Context, subsystem, operation string, fields map[string]any, fn func() error) error {
	start := time.Now()

	fields = withFields(fields, map[string]any{"operation": operation})

	tflog.SubsystemDebug(ctx, subsystem, "Starting operation", fields)

	err := fn()

	// Add timing and result to fields
	fields["duration_ms"] = time.Since(start).Milliseconds()

	if err != nil {
		fields["error"] = err.Error()
		tflog.SubsystemError(ctx, subsystem, "Operation failed", fields)
	} else {
		tflog.SubsystemDebug(ctx, subsystem, "Operation completed successfully", fields)
	}

	return err
}

// LogPerformance logs performance metrics for an operation.
func LogPerformance(ctx context.Context, subsystem, operation string, duration time.Duration, fields map[string]any) {
	fields = withFields(fields, map[string]any{
		"operation":   operation,
		"duration_ms": duration.Milliseconds(),
	})

	// Log performance warnings for slow operations
	if duration > 5*time.Second {
		tflog.SubsystemWarn(ctx, subsystem, "Slow operation detected", fields)
	} else if duration > 1*time.Second {
		tflog.SubsystemInfo(ctx, subsystem, "Operation performance", fields)
	} else {
		tflog.SubsystemDebug(ctx, subsystem, "Operation performance", fields)
	}
}

// LogLDAPError logs LDAP-specific error information.
func LogLDAPError(ctx context.Context, subsystem string, operation string, err error, fields map[string]any) {
	fields = withFields(fields, map[string]any{
		"operation": operation,
		"error":     err.Error(),
	})

	var resultErr *ResultError
	var ldapErr *ldap.Error
	switch {
	case errors.As(err, &resultErr):
		fields["status"] = resultErr.Status.String()
		fields["ldap_result_code"] = resultErr.LibCode
		if resultErr.SrvCode != resultErr.LibCode {
			fields["ldap_server_code"] = resultErr.SrvCode
		}
		if resultErr.MatchedDN != "" {
			fields["ldap_matched_dn"] = resultErr.MatchedDN
		}
		if resultErr.ServerMessage != "" {
			fields["ldap_diagnostic_message"] = resultErr.ServerMessage
		}
	case errors.As(err, &ldapErr):
		fields["ldap_result_code"] = ldapErr.ResultCode
		if ldapErr.MatchedDN != "" {
			fields["ldap_matched_dn"] = ldapErr.MatchedDN
		}
		if ldapErr.Err != nil {
			fields["ldap_diagnostic_message"] = ldapErr.Err.Error()
		}
	}

	tflog.SubsystemError(ctx, subsystem, "LDAP operation failed", fields)
}

// LogConnectionEvent logs connection-related events.
func LogConnectionEvent(ctx context.Context, event string, fields map[string]any) {
	fields = withFields(fields, map[string]any{"event": event})

	switch event {
	case "connection_established", "connection_destroyed":
		tflog.SubsystemInfo(ctx, SubsystemLDAP, "Connection event", fields)
	case "connection_failed", "option_failed", "unbind_failed":
		tflog.SubsystemError(ctx, SubsystemLDAP, "Connection event", fields)
	default:
		tflog.SubsystemDebug(ctx, SubsystemLDAP, "Connection event", fields)
	}
}

// LogKerberosEvent logs Kerberos-specific events.
func LogKerberosEvent(ctx context.Context, event string, fields map[string]any) {
	fields = withFields(fields, map[string]any{"event": event})

	switch event {
	case "ccache_loaded", "keytab_loaded", "password_login":
		tflog.SubsystemDebug(ctx, SubsystemKerberos, "Kerberos event", fields)
	case "client_failed":
		tflog.SubsystemError(ctx, SubsystemKerberos, "Kerberos event", fields)
	default:
		tflog.SubsystemTrace(ctx, SubsystemKerberos, "Kerberos event", fields)
	}
}

// LogPoolEvent logs connection pool events.
func LogPoolEvent(ctx context.Context, event string, fields map[string]any) {
	fields = withFields(fields, map[string]any{"event": event})

	switch event {
	case "pool_initialized", "connection_acquired", "connection_released", "connection_allocated":
		tflog.SubsystemDebug(ctx, SubsystemPool, "Pool event", fields)
	case "connection_discarded", "health_check_failed", "pool_full":
		tflog.SubsystemWarn(ctx, SubsystemPool, "Pool event", fields)
	case "allocation_failed", "pool_close_failed":
		tflog.SubsystemError(ctx, SubsystemPool, "Pool event", fields)
	default:
		tflog.SubsystemTrace(ctx, SubsystemPool, "Pool event", fields)
	}
}

// SanitizeFields removes sensitive information from log fields.
func SanitizeFields(fields map[string]any) map[string]any {
	sanitized := make(map[string]any)

	sensitiveKeys := map[string]bool{
		"password":    true,
		"passwd":      true,
		"bindpw":      true,
		"x-bindpw":    true,
		"secret":      true,
		"token":       true,
		"key":         true,
		"private_key": true,
		"credential":  true,
		"credentials": true,
	}

	for k, v := range fields {
		// Check if this is a sensitive field
		if sensitiveKeys[k] {
			sanitized[k] = "[REDACTED]"
		} else {
			// Check if the value contains sensitive patterns
			if str, ok := v.(string); ok && containsSensitivePattern(str) {
				sanitized[k] = "[REDACTED]"
			} else {
				sanitized[k] = v
			}
		}
	}

	return sanitized
}

// containsSensitivePattern checks if a string contains patterns that might be sensitive.
func containsSensitivePattern(s string) bool {
	// Check for common sensitive patterns (very basic - could be enhanced)
	patterns := []string{
		"password=",
		"passwd=",
		"x-bindpw=",
		"secret=",
		"token=",
		"key=",
	}

	lower := strings.ToLower(s)
	for _, pattern := range patterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}

	return false
}

// withFields returns a new map holding base overlaid with extra.
func withFields(base, extra map[string]any) map[string]any {
	fields := make(map[string]any, len(base)+len(extra))
	maps.Copy(fields, base)
	maps.Copy(fields, extra)
	return fields
}
