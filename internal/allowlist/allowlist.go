// Package allowlist resolves administrator records from the admins table.
package allowlist

import (
	"context"
	"strings"

	"requestdesk/api/internal/store"
)

const (
	RoleAdmin    = "admin"
	RoleCustomer = "customer"
	RoleUnknown  = "unknown"
)

// Record is one allow-list entry. Email, when set, binds the admin identity
// to a specific verified email.
type Record struct {
	OwnerID string
	Email   string
	Role    string
	Active  bool
}

type List struct {
	store store.Store
}

func New(s store.Store) *List {
	return &List{store: s}
}

// Lookup returns the first active record for ownerID. Inactive records never
// grant access; when only inactive matches exist, nil is returned.
func (l *List) Lookup(ctx context.Context, ownerID string) (*Record, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return nil, nil
	}

	rows, err := l.store.ScanRows(ctx, store.TableAdmins)
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		if strings.TrimSpace(row.Get("lineUserId").AsText()) != ownerID {
			continue
		}
		if !row.Get("isActive").AsBool() {
			continue
		}
		role := strings.ToLower(strings.TrimSpace(row.Get("role").AsText()))
		if role == "" {
			role = RoleAdmin
		}
		return &Record{
			OwnerID: ownerID,
			Email:   strings.ToLower(strings.TrimSpace(row.Get("email").AsText())),
			Role:    role,
			Active:  true,
		}, nil
	}
	return nil, nil
}

// RoleFor classifies an identity for the public profile route. Any identity
// without an active admin record is a customer.
func (l *List) RoleFor(ctx context.Context, ownerID string) (string, error) {
	if strings.TrimSpace(ownerID) == "" {
		return RoleUnknown, nil
	}
	record, err := l.Lookup(ctx, ownerID)
	if err != nil {
		return RoleUnknown, err
	}
	if record != nil {
		return record.Role, nil
	}
	return RoleCustomer, nil
}
