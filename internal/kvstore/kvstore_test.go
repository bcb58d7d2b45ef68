package kvstore

import (
	"context"
	"testing"

	"github.com/bvkgo/kv"
	"github.com/bvkgo/kv/kvmemdb"
)

type entry struct {
	Name  string
	Count int
}

func TestSetGetAscend(t *testing.T) {
	ctx := context.Background()
	db := kvmemdb.New()

	err := kv.WithReadWriter(ctx, db, func(ctx context.Context, rw kv.ReadWriter) error {
		for _, name := range []string{"b", "a/x", "c"} {
			if err := Set(ctx, rw, Key(PocketsDir, name), &entry{Name: name, Count: len(name)}); err != nil {
				return err
			}
		}
		return Set(ctx, rw, Key(RolesDir, "other"), &entry{Name: "other"})
	})
	if err != nil {
		t.Fatalf("write failed: %v", err)
	}

	var names []string
	err = kv.WithReader(ctx, db, func(ctx context.Context, r kv.Reader) error {
		got, err := Get[entry](ctx, r, Key(PocketsDir, "a/x"))
		if err != nil {
			return err
		}
		if got.Count != 3 {
			t.Fatalf("unexpected value: %+v", got)
		}
		if ok, err := Exists(ctx, r, Key(PocketsDir, "missing")); err != nil || ok {
			t.Fatalf("missing key reported present: %v %v", ok, err)
		}
		if _, err := Get[entry](ctx, r, Key(PocketsDir, "missing")); !IsNotExist(err) {
			t.Fatalf("expected not-exist error, got %v", err)
		}
		return Ascend(ctx, r, PocketsDir, func(_ string, v *entry) error {
			names = append(names, v.Name)
			return nil
		})
	})
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if len(names) != 3 || names[0] != "a/x" || names[2] != "c" {
		t.Fatalf("unexpected ascend order: %v", names)
	}
}

func TestKeyEscapesSeparators(t *testing.T) {
	key := Key(PocketsDir, "a/b")
	if key != "/pockets/a%2Fb" {
		t.Fatalf("unexpected key %q", key)
	}
	if !isGoodKey(key) {
		t.Fatalf("escaped key should be accepted")
	}
	if isGoodKey("/pockets/../x") {
		t.Fatalf("unclean key accepted")
	}
}
