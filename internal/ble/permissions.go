package ble

import "fmt"

// Permission is a class of runtime permission the radio roles depend on.
type Permission int

const (
	PermissionScan Permission = iota
	PermissionConnect
	PermissionAdvertise
	// PermissionLocation gates scanning on platforms that tie BLE discovery
	// to location access.
	PermissionLocation
)

func (p Permission) String() string {
	switch p {
	case PermissionScan:
		return "scan"
	case PermissionConnect:
		return "connect"
	case PermissionAdvertise:
		return "advertise"
	case PermissionLocation:
		return "location"
	default:
		return fmt.Sprintf("permission(%d)", int(p))
	}
}

// ParsePermission maps a config name to a Permission.
func ParsePermission(s string) (Permission, error) {
	for _, p := range []Permission{PermissionScan, PermissionConnect, PermissionAdvertise, PermissionLocation} {
		if p.String() == s {
			return p, nil
		}
	}
	return 0, fmt.Errorf("ble: unknown permission %q", s)
}

// PermissionChecker answers whether a permission is currently granted.
type PermissionChecker interface {
	HasPermission(p Permission) bool
}

// StaticPermissions is a fixed set of granted permissions.
type StaticPermissions map[Permission]bool

// HasPermission reports whether p is in the set.
func (s StaticPermissions) HasPermission(p Permission) bool { return s[p] }

// AllPermissions grants everything, for hosts without a permission model.
func AllPermissions() StaticPermissions {
	return StaticPermissions{
		PermissionScan:      true,
		PermissionConnect:   true,
		PermissionAdvertise: true,
		PermissionLocation:  true,
	}
}

// requirePermissions returns an ErrPermissionDenied error naming the first
// missing permission, or nil.
func requirePermissions(checker PermissionChecker, op string, perms ...Permission) error {
	if checker == nil {
		return nil
	}
	for _, p := range perms {
		if !checker.HasPermission(p) {
			return fmt.Errorf("ble: %s: %s: %w", op, p, ErrPermissionDenied)
		}
	}
	return nil
}
