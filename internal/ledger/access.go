package ledger

import (
	"context"
	"fmt"

	"github.com/bvkgo/kv"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"pocketDCA/internal/errs"
	"pocketDCA/internal/kvstore"
)

// Role is a protocol-wide permission held by an address.
type Role string

const (
	RoleOperator Role = "operator"
)

type flag struct {
	Enabled bool
}

func roleKey(role Role, addr common.Address) string {
	return kvstore.Key(kvstore.RolesDir, string(role), addr.Hex())
}

func whitelistKey(addr common.Address) string {
	return kvstore.Key(kvstore.WhitelistDir, addr.Hex())
}

// GrantRole gives addr the role. Admin only.
func (l *Ledger) GrantRole(ctx context.Context, rw kv.ReadWriter, caller common.Address, role Role, addr common.Address) error {
	return l.setRole(ctx, rw, caller, role, addr, true)
}

// RevokeRole removes the role from addr. Admin only.
func (l *Ledger) RevokeRole(ctx context.Context, rw kv.ReadWriter, caller common.Address, role Role, addr common.Address) error {
	return l.setRole(ctx, rw, caller, role, addr, false)
}

func (l *Ledger) setRole(ctx context.Context, rw kv.ReadWriter, caller common.Address, role Role, addr common.Address, enabled bool) error {
	if err := l.RequireAdmin(caller); err != nil {
		return err
	}
	if role != RoleOperator {
		return fmt.Errorf("%w: role %q", errs.ErrInvalidParams, role)
	}
	if err := kvstore.Set(ctx, rw, roleKey(role, addr), &flag{Enabled: enabled}); err != nil {
		return fmt.Errorf("set role %s: %w", role, err)
	}
	l.logger.Info("role updated", zap.String("role", string(role)), zap.String("address", addr.Hex()), zap.Bool("enabled", enabled))
	return nil
}

// HasRole reports whether addr holds role.
func (l *Ledger) HasRole(ctx context.Context, r kv.Getter, role Role, addr common.Address) (bool, error) {
	return l.flag(ctx, r, roleKey(role, addr))
}

// CheckRole fails with the role's authorization error when addr lacks it.
func (l *Ledger) CheckRole(ctx context.Context, r kv.Getter, role Role, addr common.Address) error {
	ok, err := l.HasRole(ctx, r, role, addr)
	if err != nil {
		return err
	}
	if !ok {
		return errs.ErrOnlyOperator
	}
	return nil
}

// WhitelistAddress sets allow-list membership of addr. Admin only.
func (l *Ledger) WhitelistAddress(ctx context.Context, rw kv.ReadWriter, caller common.Address, addr common.Address, allowed bool) error {
	if err := l.RequireAdmin(caller); err != nil {
		return err
	}
	if addr == (common.Address{}) {
		return fmt.Errorf("%w: zero address", errs.ErrInvalidParams)
	}
	if err := kvstore.Set(ctx, rw, whitelistKey(addr), &flag{Enabled: allowed}); err != nil {
		return fmt.Errorf("whitelist %s: %w", addr.Hex(), err)
	}
	l.logger.Info("whitelist updated", zap.String("address", addr.Hex()), zap.Bool("allowed", allowed))
	return nil
}

// IsWhitelisted reports whether addr is on the allow-list.
func (l *Ledger) IsWhitelisted(ctx context.Context, r kv.Getter, addr common.Address) (bool, error) {
	return l.flag(ctx, r, whitelistKey(addr))
}

// Whitelisted lists every allow-listed address.
func (l *Ledger) Whitelisted(ctx context.Context, r kv.Reader) ([]common.Address, error) {
	var out []common.Address
	err := kvstore.Ascend(ctx, r, kvstore.WhitelistDir, func(key string, f *flag) error {
		if f.Enabled {
			out = append(out, common.HexToAddress(key[len(kvstore.WhitelistDir)+1:]))
		}
		return nil
	})
	return out, err
}

func (l *Ledger) flag(ctx context.Context, r kv.Getter, key string) (bool, error) {
	f, err := kvstore.Get[flag](ctx, r, key)
	if err != nil {
		if kvstore.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return f.Enabled, nil
}
